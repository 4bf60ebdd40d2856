package cmd

import (
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/namelens/aoaisim/internal/config"
	"github.com/namelens/aoaisim/internal/limiter"
	"github.com/namelens/aoaisim/internal/output"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Inspect simulated OpenAI deployments",
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured deployments and their rate limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		rows := deploymentRows(cfg.OpenAIDeployments)
		return writeListing(cmd, "deployments", func(f output.Formatter) (string, error) {
			return f.FormatDeployments(rows)
		})
	},
}

func init() {
	rootCmd.AddCommand(deploymentsCmd)
	deploymentsCmd.AddCommand(deploymentsListCmd)
	addOutputFlags(deploymentsListCmd)
}

// deploymentRows lists deployments by name with the request limit the
// limiter derives from each token budget.
func deploymentRows(deployments map[string]config.Deployment) []output.DeploymentRow {
	rows := make([]output.DeploymentRow, 0, len(deployments))
	for _, name := range slices.Sorted(maps.Keys(deployments)) {
		d := deployments[name]
		rows = append(rows, output.DeploymentRow{
			Name:            name,
			Model:           d.Model,
			TokensPerMinute: d.TokensPerMinute,
			RequestsPer10s:  limiter.DeploymentWindow(d).RequestLimit,
			EmbeddingSize:   d.EmbeddingSize,
		})
	}
	return rows
}
