package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps window history in process memory. Each key has its own
// lock so unrelated deployments never contend.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

// Add evaluates and, when admitted, records a request.
func (s *MemoryStore) Add(_ context.Context, key string, w Window, cost int, now time.Time) (Result, error) {
	mw := s.window(key)

	mw.mu.Lock()
	defer mw.mu.Unlock()

	mw.entries = w.purge(mw.entries, now)
	res := w.evaluate(mw.entries, now, cost)
	if res.Admitted {
		mw.entries = insert(mw.entries, Entry{At: now, Cost: cost})
	}
	return res, nil
}

// Len returns the number of retained entries for key.
func (s *MemoryStore) Len(key string) int {
	mw := s.window(key)
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return len(mw.entries)
}

// Close releases nothing; it satisfies Store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) window(key string) *memoryWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	mw, ok := s.windows[key]
	if !ok {
		mw = &memoryWindow{}
		s.windows[key] = mw
	}
	return mw
}
