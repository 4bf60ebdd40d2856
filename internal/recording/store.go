package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/aoaisim/internal/observability"
)

type pathRecording struct {
	mu      sync.Mutex
	loaded  bool
	entries Recording
	dirty   bool
}

// Store caches recordings per URL path in front of a Persister. A path is
// loaded on first access and served from memory afterwards.
type Store struct {
	persister Persister
	logger    *logging.Logger

	mu    sync.Mutex
	paths map[string]*pathRecording
}

// NewStore wraps persister.
func NewStore(persister Persister, logger *logging.Logger) *Store {
	return &Store{
		persister: persister,
		logger:    observability.LoggerOr(logger),
		paths:     make(map[string]*pathRecording),
	}
}

func (s *Store) path(path string) *pathRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[path]
	if !ok {
		p = &pathRecording{}
		s.paths[path] = p
	}
	return p
}

// ensureLoaded must be called with p.mu held. A failed load is retried on
// the next access.
func (s *Store) ensureLoaded(ctx context.Context, path string, p *pathRecording, expectFile bool) error {
	if p.loaded {
		return nil
	}
	rec, found, err := s.persister.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("load recording for %s: %w", path, err)
	}
	if !found {
		if expectFile {
			s.logger.Warn("No recording file found",
				zap.String("path", path),
				zap.String("location", s.persister.Location(path)))
		}
		rec = Recording{}
	}
	p.entries = rec
	p.loaded = true
	return nil
}

// Lookup returns the captured response for hash under path. expectFile
// logs a warning when nothing is stored for the path.
func (s *Store) Lookup(ctx context.Context, path, hash string, expectFile bool) (*Response, bool, error) {
	p := s.path(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(ctx, path, p, expectFile); err != nil {
		return nil, false, err
	}
	r, ok := p.entries[hash]
	return r, ok, nil
}

// Put stores a captured response, replacing any earlier capture of the same
// request. When save is set the path is persisted before Put returns.
func (s *Store) Put(ctx context.Context, path string, r *Response, save bool) error {
	p := s.path(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(ctx, path, p, false); err != nil {
		return err
	}
	p.entries[r.Hash] = r
	p.dirty = true
	if !save {
		return nil
	}
	return s.saveLocked(ctx, path, p)
}

func (s *Store) saveLocked(ctx context.Context, path string, p *pathRecording) error {
	if err := s.persister.Save(ctx, path, p.entries); err != nil {
		return fmt.Errorf("save recording for %s: %w", path, err)
	}
	p.dirty = false
	s.logger.Info("💾 Recording saved",
		zap.String("path", path),
		zap.String("location", s.persister.Location(path)),
		zap.Int("interactions", len(p.entries)))
	return nil
}

// SaveAll persists every path captured since its last save.
func (s *Store) SaveAll(ctx context.Context) error {
	var errs []error
	for _, path := range s.Paths() {
		p := s.path(path)
		p.mu.Lock()
		if p.dirty {
			if err := s.saveLocked(ctx, path, p); err != nil {
				errs = append(errs, err)
			}
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Paths returns the paths held in memory.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.paths))
	for path := range s.paths {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Persister returns the underlying persister.
func (s *Store) Persister() Persister {
	return s.persister
}

// Close closes the persister.
func (s *Store) Close() error {
	return s.persister.Close()
}
