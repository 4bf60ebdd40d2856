package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders listings as rounded ASCII tables.
type TableFormatter struct{}

// FormatDeployments renders the deployment table with a total footer.
func (f *TableFormatter) FormatDeployments(rows []DeploymentRow) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Deployment", "Model", "Tokens/min", "Requests/10s", "Embedding size"})

	total := 0
	for _, r := range rows {
		total += r.TokensPerMinute
		t.AppendRow(table.Row{r.Name, r.Model, r.TokensPerMinute, r.RequestsPer10s, dash(r.EmbeddingSize)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d deployments", len(rows)), "", total, "", ""})

	return t.Render(), nil
}

// FormatRecordings renders stored recordings.
func (f *TableFormatter) FormatRecordings(rows []RecordingRow) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Path", "Interactions", "Location"})

	total := 0
	for _, r := range rows {
		total += r.Interactions
		t.AppendRow(table.Row{r.Path, r.Interactions, r.Location})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d recordings", len(rows)), total, ""})

	return t.Render(), nil
}
