package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/kbstore"
	"github.com/54b3r/coachkb/internal/logging"
)

// NewListCmd constructs the `coachkb list` command. Without arguments it
// lists creators with a saved knowledge base; with a creator id it shows
// that creator's recent builds from the history database.
func NewListCmd() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "list [creator-id]",
		Short: "List knowledge bases or a creator's recent builds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				dir, err := resolveDataDir()
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				kbs, err := kbstore.New(dir)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				ids, err := kbs.List()
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			hs := openHistory(log)
			if hs == nil {
				return fmt.Errorf("list: build history requires the history database")
			}
			defer hs.Close()

			builds, err := hs.Builds(ctx, args[0], n)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUILD\tSTARTED\tOUTCOME\tCHUNKS\tFAILED\tDIM")
			for _, b := range builds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
					b.ID, b.StartedAt.Format("2006-01-02 15:04:05"), b.Outcome,
					b.TotalChunks, b.FailedChunks, b.EmbeddingDimension)
			}
			return tw.Flush() //nolint:wrapcheck // CLI entry point
		},
	}

	cmd.Flags().IntVarP(&n, "limit", "n", 10, "Number of builds to show")

	return cmd
}

// NewDeleteCmd constructs the `coachkb delete` command, which removes a
// creator's saved knowledge base.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <creator-id>",
		Short: "Delete a creator's knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveDataDir()
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			kbs, err := kbstore.New(dir)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			if err := kbs.Delete(args[0]); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			logging.FromContext(cmd.Context()).Info("knowledge base deleted")
			return nil
		},
	}
}
