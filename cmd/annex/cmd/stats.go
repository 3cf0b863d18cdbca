package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/annexdb/annex/internal/offload"
)

// offloadStats summarizes the cold store.
type offloadStats struct {
	OffloadedIndices int            `json:"offloadedIndices"`
	TotalDocuments   int            `json:"totalDocuments"`
	ByNamespace      map[string]int `json:"byNamespace"`
	OffloadDirectory string         `json:"offloadDirectory"`
}

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the offload directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := offload.NewStore(cfg.Manager.OffloadDir, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			metas, err := store.List("")
			if err != nil {
				return err
			}

			stats := offloadStats{
				OffloadedIndices: len(metas),
				ByNamespace:      make(map[string]int),
				OffloadDirectory: store.Dir(),
			}
			for _, m := range metas {
				stats.TotalDocuments += m.DocumentCount
				if ns := m.Options.Namespace; ns != "" {
					stats.ByNamespace[ns]++
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Offload directory:\t%s\n", stats.OffloadDirectory)
			fmt.Fprintf(w, "Offloaded indices:\t%d\n", stats.OffloadedIndices)
			fmt.Fprintf(w, "Total documents:\t%d\n", stats.TotalDocuments)
			for ns, n := range stats.ByNamespace {
				fmt.Fprintf(w, "  namespace %s:\t%d\n", ns, n)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
