package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/54b3r/coachkb/internal/coach"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/provider"
	"github.com/54b3r/coachkb/internal/server"
	"github.com/54b3r/coachkb/internal/tracing"
)

// NewServeCmd constructs the `coachkb serve` command, which starts the HTTP
// API server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var noChat bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coachkb HTTP API server",
		Long: `Start the coachkb HTTP API server.

Endpoints:
  POST /api/creators/{id}/build    build a knowledge base from posts
  POST /api/creators/{id}/search   similarity search
  POST /api/creators/{id}/ask      answer a question as the creator
  GET  /api/health                 liveness
  GET  /api/ready                  dependency readiness
  GET  /metrics                    Prometheus metrics

Creator endpoints require "Authorization: Bearer $COACHKB_API_KEY" when the
key is set, and are rate limited per client IP (COACHKB_RATE_LIMIT_RPS).

Examples:
  coachkb serve
  coachkb serve --port 9090
  MODEL_PROVIDER=openai coachkb serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)
			ctx = logging.WithLogger(ctx, log)

			// Flags win; otherwise env (possibly set from YAML by the root command).
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("COACHKB_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("COACHKB_PORT", port)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			d, err := openDeps(ctx, log, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer d.Close()
			pingers := d.pingers()

			coachCfg := coach.Config{Counter: d.counter()}
			if d.history != nil {
				coachCfg.History = d.history
			}
			if noChat {
				log.Info("chat disabled, ask endpoint will return 501")
			} else {
				// Setup Langfuse tracing, opt-in and a no-op if keys are absent.
				handler, flush, ok := tracing.Setup()
				if ok {
					callbacks.AppendGlobalHandlers(handler)
					defer flush()
					log.Info("langfuse tracing enabled")
				} else {
					log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
				}

				providerCfg := provider.ConfigFromEnv()
				chatModel, err := provider.New(ctx, providerCfg)
				if err != nil {
					return fmt.Errorf("serve: failed to initialise model provider: %w", err)
				}
				coachCfg.ChatModel = chatModel
				log.Info("provider initialised",
					slog.String("provider", string(providerCfg.Backend)),
					slog.String("model", providerCfg.ModelName()),
				)
				if p := chatPinger(providerCfg); p != nil {
					pingers = append(pingers, p)
				}
			}

			if err := server.NewMultiPinger(pingers...).Ping(ctx); err != nil {
				log.Warn("serve: dependency not ready at startup", slog.Any("error", err))
			}

			srv, err := server.New(d.knowledge, &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         pingers,
				APIKey:          os.Getenv("COACHKB_API_KEY"),
				RateLimit:       float64(getEnvInt("COACHKB_RATE_LIMIT_RPS", 0)),
				MetricsRegistry: reg,
				MetricsGatherer: reg,
				Coach:           coachCfg,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")
	cmd.Flags().BoolVar(&noChat, "no-chat", false, "Serve build and search only, without a chat model")

	return cmd
}
