//go:build cgo

package recording

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/namelens/aoaisim/internal/config"
)

func TestOpenLibsqlMemoryStore(t *testing.T) {
	ctx := context.Background()
	p, err := OpenSQL(ctx, FormatLibsql, config.RecordingConfig{StorePath: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "libsql", p.Driver())
	require.NoError(t, p.Close())
}
