package limiter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnsupportedStorage is returned for connection strings with an unknown
// scheme.
var ErrUnsupportedStorage = errors.New("unsupported limits storage")

// Store keeps window history per key. Add must evaluate and record a
// request as one atomic step so that concurrent callers racing for the last
// unit of capacity cannot both be admitted.
type Store interface {
	Add(ctx context.Context, key string, w Window, cost int, now time.Time) (Result, error)
	Close() error
}

// NewStore builds a store from a connection string. Environment variables in
// the string are expanded, so `redis://:${REDIS_PASSWORD}@cache:6379/0`
// works. An empty string selects the memory store.
func NewStore(conn string) (Store, error) {
	expanded := strings.TrimSpace(os.ExpandEnv(conn))
	switch {
	case expanded == "" || strings.HasPrefix(expanded, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(expanded, "redis://") || strings.HasPrefix(expanded, "rediss://"):
		opts, err := redis.ParseURL(expanded)
		if err != nil {
			return nil, fmt.Errorf("parse redis connection string: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts)), nil
	default:
		scheme, _, _ := strings.Cut(expanded, "://")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStorage, scheme)
	}
}

// Describe renders a connection string for logs with any password removed.
func Describe(conn string) string {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return "memory://"
	}
	u, err := url.Parse(os.ExpandEnv(conn))
	if err != nil {
		scheme, _, _ := strings.Cut(conn, "://")
		return scheme + "://..."
	}
	return u.Redacted()
}
