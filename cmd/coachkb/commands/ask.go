package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/coach"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/provider"
	"github.com/54b3r/coachkb/internal/tracing"
)

// NewAskCmd constructs the `coachkb ask` command, which answers a single
// question in the creator's voice using their knowledge base as context.
func NewAskCmd() *cobra.Command {
	var profilePath string
	var session string
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask <creator-id> <question>",
		Short: "Ask a creator's coach a question",
		Long: `Answer a question as the creator, grounded in their knowledge base.

The coach persona comes from --profile. Questions asked with the same
--session are answered with the earlier turns as history (requires the
history database, see COACHKB_HISTORY_DB).

Chat backend is selected via MODEL_PROVIDER (ollama, openai, azure, ark,
gemini).

Examples:
  coachkb ask alice --profile alice.json "how do I open a sales email?"
  coachkb ask alice --profile alice.json --session s1 "and the follow up?"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			profile, err := ingestion.LoadProfile(profilePath)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if profile == nil || strings.TrimSpace(profile.CreatorUsername) == "" {
				return fmt.Errorf("ask: --profile with a creator_username is required")
			}

			providerCfg := provider.ConfigFromEnv()
			chatModel, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}
			log.Debug("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", providerCfg.ModelName()),
			)

			d, err := openDeps(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer d.Close()

			coachCfg := &coach.Config{
				ChatModel: chatModel,
				Knowledge: d.knowledge,
				CreatorID: args[0],
				Profile:   profile,
				Counter:   d.counter(),
			}
			if d.history != nil {
				coachCfg.History = d.history
			}
			if handler, flush, ok := tracing.Setup(); ok {
				coachCfg.Handlers = []callbacks.Handler{handler}
				defer flush()
			}

			c, err := coach.New(coachCfg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			answer, err := c.Ask(ctx, strings.Join(args[1:], " "), k, coach.WithSession(session))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(answer) //nolint:wrapcheck // CLI entry point
			}
			fmt.Fprintln(out, answer.Answer)
			if len(answer.References) > 0 {
				fmt.Fprintf(out, "\nReferences (%d):\n", len(answer.References))
				for _, ref := range answer.References {
					fmt.Fprintf(out, "  - post %s (%s, %d likes, similarity %.2f)\n",
						ref.PostID, ref.ContentType, ref.Likes, ref.Similarity)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "Coach profile JSON file (required)")
	cmd.Flags().StringVar(&session, "session", "", "Conversation session id")
	cmd.Flags().IntVarP(&k, "k", "k", 5, "Number of knowledge chunks to use as context")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the answer as JSON")

	return cmd
}
