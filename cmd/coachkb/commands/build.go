package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/logging"
)

// NewBuildCmd constructs the `coachkb build` command, which chunks and embeds
// a creator's post export and replaces their knowledge base.
func NewBuildCmd() *cobra.Command {
	var postsPattern string
	var profilePath string
	var asJSON bool
	var quiet bool

	cmd := &cobra.Command{
		Use:   "build <creator-id>",
		Short: "Build a creator's knowledge base from a post export",
		Long: `Build (or rebuild) a creator's knowledge base.

Posts are read from every JSON file matching --posts (doublestar patterns
such as "exports/**/*.json" are supported). Each file holds a single post or
an array of posts. The optional --profile file supplies expertise areas and
framework names used to tag chunks.

Chunks that cannot be embedded by the primary or the fallback backend are
reported and left out; the rest of the knowledge base is still saved.

Examples:
  coachkb build alice --posts 'exports/alice/*.json'
  coachkb build alice --posts 'exports/**/*.json' --profile alice.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)
			creatorID := args[0]

			posts, files, err := ingestion.LoadPosts(postsPattern)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("build: no files match %q", postsPattern)
			}
			profile, err := ingestion.LoadProfile(profilePath)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			log.Info("posts loaded", slog.Int("files", len(files)), slog.Int("posts", len(posts)))

			d, err := openDeps(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}
			defer d.Close()

			var opts []knowledge.BuildOption
			if !quiet {
				opts = append(opts, knowledge.WithProgress(newProgress(cmd.ErrOrStderr())))
			}

			summary, err := d.knowledge.BuildKnowledgeBase(ctx, creatorID, posts, profile, opts...)
			partial := false
			if perr, ok := knowledge.IsPartial(err); ok {
				summary, partial = perr.Summary, true
				log.Warn("build: partial knowledge base saved", slog.Any("error", err))
			} else if err != nil {
				return fmt.Errorf("build: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return fmt.Errorf("build: %w", err)
				}
			} else {
				printSummary(out, summary)
			}
			if partial {
				return fmt.Errorf("build: %d chunks could not be embedded", len(summary.FailedChunks))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&postsPattern, "posts", "", "Glob of post export JSON files (required)")
	cmd.Flags().StringVar(&profilePath, "profile", "", "Coach profile JSON file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the build summary as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the progress bar")
	_ = cmd.MarkFlagRequired("posts")

	return cmd
}

// newProgress returns a progress callback rendering an embedding progress
// bar on w. The bar is created on the first report, once the total is known.
func newProgress(w io.Writer) func(done, total int) {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			)
		}
		_ = bar.Set(done)
	}
}

// printSummary writes a human-readable build summary.
func printSummary(w io.Writer, s *knowledge.BuildSummary) {
	fmt.Fprintf(w, "Built knowledge base for %s (build %s)\n", s.CreatorID, s.BuildID)
	fmt.Fprintf(w, "  chunks:     %d (%s)\n", s.TotalChunks, strings.Join(s.ChunkTypes, ", "))
	fmt.Fprintf(w, "  dimension:  %d\n", s.EmbeddingDimension)
	for _, space := range s.SortedSpaces() {
		fmt.Fprintf(w, "  space:      %s (%d chunks)\n", space, s.Spaces[space])
	}
	if s.FallbackBatches > 0 {
		fmt.Fprintf(w, "  fallback:   %d batches\n", s.FallbackBatches)
	}
	for _, p := range s.SkippedPosts {
		fmt.Fprintf(w, "  skipped:    post %s: %s\n", p.PostID, p.Reason)
	}
	for _, c := range s.FailedChunks {
		fmt.Fprintf(w, "  failed:     post %s %s #%d\n", c.PostID, c.ChunkType, c.Index)
	}
	fmt.Fprintf(w, "  duration:   %s\n", s.Duration.Round(time.Millisecond))
}
