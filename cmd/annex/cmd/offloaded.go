package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/annexdb/annex/internal/offload"
)

func newOffloadedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offloaded",
		Short: "Inspect and manage offloaded indices",
		Long: `Work with the cold on-disk form of indices in the offload directory.

Each offloaded index is a triple of files: a metadata descriptor, a
documents sidecar, and a binary vectors file.`,
	}

	cmd.AddCommand(newOffloadedListCmd())
	cmd.AddCommand(newOffloadedInspectCmd())
	cmd.AddCommand(newOffloadedDeleteCmd())
	return cmd
}

// openStore opens the offload directory from the effective config.
func openStore() (*offload.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return offload.NewStore(cfg.Manager.OffloadDir, slog.Default())
}

func newOffloadedListCmd() *cobra.Command {
	var namespace string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offloaded indices",
		Example: `  # All offloaded indices, most recently offloaded first
  annex offloaded list

  # Only one namespace
  annex offloaded list --namespace ws`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			metas, err := store.List(namespace)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(metas)
			}

			if len(metas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No offloaded indices.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDOCS\tDIM\tOFFLOADED")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
					m.ID, m.DocumentCount, m.EmbeddingDimension,
					m.OffloadedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Filter by namespace")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newOffloadedInspectCmd() *cobra.Command {
	var showDocs bool

	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show the descriptor of one offloaded index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if !showDocs {
				meta, err := store.LoadMetadata(args[0])
				if err != nil {
					return err
				}
				return enc.Encode(meta)
			}

			meta, docs, err := store.Load(args[0])
			if err != nil {
				return err
			}
			type docView struct {
				ID        string `json:"id"`
				Text      string `json:"text,omitempty"`
				HasVector bool   `json:"hasVector"`
			}
			views := make([]docView, len(docs))
			for i, d := range docs {
				views[i] = docView{ID: d.ID, Text: d.Text, HasVector: len(d.Vector) > 0}
			}
			return enc.Encode(struct {
				Metadata  offload.Metadata `json:"metadata"`
				Documents []docView        `json:"documents"`
			}{meta, views})
		},
	}

	cmd.Flags().BoolVar(&showDocs, "docs", false, "Include the document list")
	return cmd
}

func newOffloadedDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete an offloaded index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			id := args[0]
			if !store.Has(id) {
				return fmt.Errorf("no offloaded index %q", id)
			}
			if !force {
				return fmt.Errorf("refusing to delete %q without --force", id)
			}
			if err := store.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted offloaded index %s\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm the deletion")
	return cmd
}
