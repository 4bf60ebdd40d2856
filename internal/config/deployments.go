package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadDeploymentFile reads a deployment table of the form
// {name: {model, tokensPerMinute, embeddingSize}}. The format is chosen by
// file extension: .json, .yaml/.yml or .toml.
func LoadDeploymentFile(path string) (map[string]Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment config %s: %w", path, err)
	}

	deployments := map[string]Deployment{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &deployments)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &deployments)
	case ".toml":
		err = toml.Unmarshal(data, &deployments)
	default:
		return nil, fmt.Errorf("%w: unsupported deployment config extension %q", ErrInvalid, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse deployment config %s: %w", path, err)
	}

	for name, d := range deployments {
		d.Name = name
		deployments[name] = d
	}
	return deployments, nil
}

// WatchDeployments reloads the deployment file whenever it changes and
// passes the new table to onChange. Parse failures go to onError and leave
// the previous table in place. It blocks until ctx is cancelled.
func WatchDeployments(ctx context.Context, path string, onChange func(map[string]Deployment), onError func(error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve deployment config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	const settle = 100 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(settle)
			}
		case <-pending:
			pending = nil
			deployments, err := LoadDeploymentFile(abs)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			onChange(deployments)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
