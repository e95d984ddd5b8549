package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/logging"
)

// NewSearchCmd constructs the `coachkb search` command.
func NewSearchCmd() *cobra.Command {
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <creator-id> <query>",
		Short: "Search a creator's knowledge base",
		Long: `Return the chunks most relevant to a query, ranked by similarity blended
with chunk quality and post engagement.

Examples:
  coachkb search alice "how do I write a hook?"
  coachkb search alice "pricing" -k 10 --json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			d, err := openDeps(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer d.Close()

			results, err := d.knowledge.SearchKnowledge(ctx, args[0], strings.Join(args[1:], " "), k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results) //nolint:wrapcheck // CLI entry point
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No results.")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%d. [%.3f] post %s (%s, %d likes)\n   %s\n",
					i+1, r.FinalScore, r.Chunk.Post.PostID, r.Chunk.Type, r.Chunk.Post.Likes,
					strings.ReplaceAll(r.Chunk.Text, "\n", " "))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}
