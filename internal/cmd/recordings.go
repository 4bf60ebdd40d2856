package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/generator"
	"github.com/namelens/aoaisim/internal/output"
	"github.com/namelens/aoaisim/internal/recording"
)

var (
	recordingsDir    string
	recordingsFormat string

	saveURL     string
	saveAPIKey  string
	saveTimeout time.Duration
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Inspect and save recorded interactions",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		recCfg := cfg.Recording
		if strings.TrimSpace(recordingsDir) != "" {
			recCfg.Dir = recordingsDir
		}
		if strings.TrimSpace(recordingsFormat) != "" {
			recCfg.Format = recordingsFormat
		}

		rows, err := recordingRows(ctx, recCfg)
		if err != nil {
			return err
		}
		return writeListing(cmd, "recordings", func(f output.Formatter) (string, error) {
			return f.FormatRecordings(rows)
		})
	},
}

var recordingsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Ask a running simulator in record mode to save its recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		key := strings.TrimSpace(saveAPIKey)
		if key == "" {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			key = cfg.SimulatorAPIKey
		}

		reqCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		defer cancel()
		status, message, err := requestSave(reqCtx, http.DefaultClient, saveURL, key)
		if err != nil {
			return err
		}

		lines := []string{"Save recordings", "", fmt.Sprintf("%s → %d", saveURL, status), message}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
		if status != http.StatusOK {
			return fmt.Errorf("save recordings: simulator returned %d: %s", status, message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordingsCmd)
	recordingsCmd.AddCommand(recordingsListCmd, recordingsSaveCmd)

	recordingsListCmd.Flags().StringVar(&recordingsDir, "dir", "", "recording directory (default from config)")
	recordingsListCmd.Flags().StringVar(&recordingsFormat, "format", "", "recording format: yaml|json|sqlite|libsql (default from config)")
	addOutputFlags(recordingsListCmd)

	recordingsSaveCmd.Flags().StringVar(&saveURL, "url", "http://localhost:8000", "base URL of the running simulator")
	recordingsSaveCmd.Flags().StringVar(&saveAPIKey, "api-key", "", "simulator API key (default from config)")
	recordingsSaveCmd.Flags().DurationVar(&saveTimeout, "timeout", 30*time.Second, "request timeout")
}

func recordingRows(ctx context.Context, cfg config.RecordingConfig) ([]output.RecordingRow, error) {
	persister, err := recording.NewPersister(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer persister.Close() // nolint:errcheck // best-effort cleanup

	summaries, err := persister.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]output.RecordingRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, output.RecordingRow{
			Path:         s.Path,
			Location:     s.Location,
			Interactions: s.Interactions,
		})
	}
	return rows, nil
}

// requestSave calls the save-recordings control endpoint and returns the
// status and the plain-text reply.
func requestSave(ctx context.Context, client *http.Client, baseURL, key string) (int, string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/++/save-recordings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(generator.HeaderOpenAIKey, key)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("contact simulator: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
