package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FilePersister stores one YAML or JSON file per URL path.
type FilePersister struct {
	dir    string
	format string
}

// NewFilePersister creates a persister writing format files under dir.
func NewFilePersister(dir, format string) (*FilePersister, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("recording dir is required")
	}
	switch format {
	case FormatYAML, FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return &FilePersister{dir: filepath.Clean(dir), format: format}, nil
}

// Location returns the file path for a URL path.
func (p *FilePersister) Location(path string) string {
	return filepath.Join(p.dir, FileName(path, p.format))
}

// Load reads the recording file for path.
func (p *FilePersister) Load(_ context.Context, path string) (Recording, bool, error) {
	rec, err := p.read(p.Location(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Save writes the recording file for path, replacing any previous content.
func (p *FilePersister) Save(_ context.Context, path string, rec Recording) error {
	data, err := p.encode(toFile(rec))
	if err != nil {
		return fmt.Errorf("encode recording for %s: %w", path, err)
	}

	// #nosec G301 -- recordings are shared test fixtures
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	target := p.Location(path)
	tmp := target + ".tmp"
	// #nosec G306 -- recordings hold no secrets; auth headers are never captured
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}

// List summarizes every recording file in the directory.
func (p *FilePersister) List(_ context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recording dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "."+p.format {
			continue
		}
		location := filepath.Join(p.dir, e.Name())
		rec, err := p.read(location)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			Path:         recordedPath(rec, e.Name()),
			Location:     location,
			Interactions: rec.Interactions(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Close is a no-op.
func (p *FilePersister) Close() error {
	return nil
}

func (p *FilePersister) read(location string) (Recording, error) {
	// #nosec G304 -- location is derived from the configured recording dir
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, err
	}
	var f file
	if p.format == FormatJSON {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse recording %s: %w", location, err)
	}
	rec, err := fromFile(f)
	if err != nil {
		return nil, fmt.Errorf("load recording %s: %w", location, err)
	}
	return rec, nil
}

func (p *FilePersister) encode(f file) ([]byte, error) {
	if p.format == FormatJSON {
		return json.MarshalIndent(f, "", "  ")
	}
	return yaml.Marshal(f)
}

// recordedPath recovers the URL path from the first interaction, falling
// back to the file name for empty recordings.
func recordedPath(rec Recording, name string) string {
	for _, hash := range sortedHashes(rec) {
		if path, err := uriPath(rec[hash].Request.URI); err == nil {
			return path
		}
	}
	return "/" + strings.TrimSuffix(name, filepath.Ext(name))
}
