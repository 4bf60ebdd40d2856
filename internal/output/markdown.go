package output

import (
	"fmt"
	"strings"
)

// MarkdownFormatter renders listings as markdown tables.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatDeployments(rows []DeploymentRow) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Deployments\n\n")
	sb.WriteString("| Deployment | Model | Tokens/min | Requests/10s | Embedding size |\n")
	sb.WriteString("|------------|-------|------------|--------------|----------------|\n")
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %s |\n",
			escapeMarkdownCell(r.Name),
			escapeMarkdownCell(r.Model),
			r.TokensPerMinute,
			r.RequestsPer10s,
			dash(r.EmbeddingSize),
		))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatRecordings(rows []RecordingRow) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Recordings\n\n")
	sb.WriteString("| Path | Interactions | Location |\n")
	sb.WriteString("|------|--------------|----------|\n")
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("| %s | %d | %s |\n",
			escapeMarkdownCell(r.Path),
			r.Interactions,
			escapeMarkdownCell(r.Location),
		))
	}
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
