// Package output renders CLI listings as tables, markdown or JSON.
package output

import (
	"fmt"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// DeploymentRow is one simulated deployment in a listing.
type DeploymentRow struct {
	Name            string `json:"name"`
	Model           string `json:"model"`
	TokensPerMinute int    `json:"tokens_per_minute"`
	RequestsPer10s  int    `json:"requests_per_10s"`
	EmbeddingSize   int    `json:"embedding_size,omitempty"`
}

// RecordingRow is one stored recording in a listing.
type RecordingRow struct {
	Path         string `json:"path"`
	Location     string `json:"location"`
	Interactions int    `json:"interactions"`
}

// Formatter renders listings.
type Formatter interface {
	FormatDeployments(rows []DeploymentRow) (string, error)
	FormatRecordings(rows []RecordingRow) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Extension returns the file extension used when writing format to disk.
func Extension(format Format) string {
	switch format {
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

func dash(v int) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}
