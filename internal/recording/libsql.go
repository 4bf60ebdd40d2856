//go:build cgo

package recording

import (
	_ "github.com/tursodatabase/go-libsql"
)
