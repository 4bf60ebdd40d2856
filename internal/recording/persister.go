package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/namelens/aoaisim/internal/config"
)

// Recording formats.
const (
	FormatYAML   = "yaml"
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
	FormatLibsql = "libsql"
)

// ErrUnsupportedFormat is returned for unknown recording formats.
var ErrUnsupportedFormat = errors.New("unsupported recording format")

// Summary describes one stored recording.
type Summary struct {
	Path         string
	Location     string
	Interactions int
}

// Persister loads and saves recordings keyed by URL path.
type Persister interface {
	// Load returns the recording for path. found is false when nothing has
	// been stored for it.
	Load(ctx context.Context, path string) (rec Recording, found bool, err error)
	Save(ctx context.Context, path string, rec Recording) error
	List(ctx context.Context) ([]Summary, error)
	// Location describes where the recording for path lives, for logging.
	Location(path string) string
	Close() error
}

// NewPersister builds the persister selected by cfg.Format.
func NewPersister(ctx context.Context, cfg config.RecordingConfig) (Persister, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "", FormatYAML:
		return NewFilePersister(cfg.Dir, FormatYAML)
	case FormatJSON:
		return NewFilePersister(cfg.Dir, FormatJSON)
	case FormatSQLite, FormatLibsql:
		return OpenSQL(ctx, format, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.Format)
	}
}

// FileName maps a URL path to its recording file name: the path without the
// query, trimmed of slashes, with the remaining slashes replaced by
// underscores.
func FileName(path, ext string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", "_") + "." + ext
}

func sortedHashes(rec Recording) []string {
	hashes := make([]string, 0, len(rec))
	for h := range rec {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		a, b := rec[hashes[i]], rec[hashes[j]]
		if a.Request.URI != b.Request.URI {
			return a.Request.URI < b.Request.URI
		}
		return hashes[i] < hashes[j]
	})
	return hashes
}
