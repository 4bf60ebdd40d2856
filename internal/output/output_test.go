package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	require.Equal(t, "json", Extension(FormatJSON))
	require.Equal(t, "md", Extension(FormatMarkdown))
	require.Equal(t, "txt", Extension(FormatTable))
}

var deployments = []DeploymentRow{
	{Name: "gpt-35-turbo-10k-token", Model: "gpt-3.5-turbo", TokensPerMinute: 10000, RequestsPer10s: 10},
	{Name: "embedding", Model: "text-embedding-ada-002", TokensPerMinute: 100000, RequestsPer10s: 100, EmbeddingSize: 1536},
}

func TestTableDeployments(t *testing.T) {
	out, err := (&TableFormatter{}).FormatDeployments(deployments)
	require.NoError(t, err)
	require.Contains(t, out, "gpt-35-turbo-10k-token")
	require.Contains(t, out, "1536")
	require.Contains(t, strings.ToLower(out), "2 deployments")
	require.Contains(t, out, "110000")
	require.Contains(t, out, "╭")
}

func TestTableRecordingsEmpty(t *testing.T) {
	out, err := (&TableFormatter{}).FormatRecordings(nil)
	require.NoError(t, err)
	require.Contains(t, strings.ToLower(out), "0 recordings")
}

func TestJSONDeployments(t *testing.T) {
	out, err := NewFormatter(FormatJSON).FormatDeployments(deployments)
	require.NoError(t, err)

	var decoded []DeploymentRow
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, deployments, decoded)

	empty, err := NewFormatter(FormatJSON).FormatRecordings(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", empty)
}

func TestMarkdownEscapesPipes(t *testing.T) {
	out, err := NewFormatter(FormatMarkdown).FormatRecordings([]RecordingRow{
		{Path: "openai/deployments/a|b", Location: "recordings/x.yaml", Interactions: 3},
	})
	require.NoError(t, err)
	require.Contains(t, out, `a\|b`)
	require.True(t, strings.HasPrefix(out, "## Recordings"))

	out, err = NewFormatter(FormatMarkdown).FormatDeployments(deployments[:1])
	require.NoError(t, err)
	require.Contains(t, out, "| gpt-35-turbo-10k-token | gpt-3.5-turbo | 10000 | 10 | - |")
}
