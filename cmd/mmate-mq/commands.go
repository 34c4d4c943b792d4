package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-mq"
	"github.com/glimte/mmate-mq/config"
	"github.com/glimte/mmate-mq/contracts"
	"github.com/glimte/mmate-mq/messaging"
	"github.com/glimte/mmate-mq/monitor"
)

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.transport != "" {
		cfg.Transport = config.Transport(flags.transport)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func connect(ctx context.Context, flags *globalFlags) (*mmate.Client, *config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	client, err := mmate.NewClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// logHandler acknowledges every message after logging it
func logHandler(logger *slog.Logger) messaging.HandlerFunc[json.RawMessage] {
	return func(ctx context.Context, msg *contracts.Message[json.RawMessage]) (any, error) {
		logger.Info("message received",
			"messageType", msg.Type,
			"messageId", msg.ID,
			"priority", msg.Priority,
			"retryAttempts", msg.RetryAttempts,
			"body", string(msg.Body),
		)
		return nil, nil
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		types    []string
		dlqWarn  int64
		statsLog time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run logging workers for message types",
		Long: `Serve starts one handler per --type that logs and acknowledges each message,
and exposes /metrics, /health, /ready and /live on the configured metrics address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(types) == 0 {
				return errors.New("at least one --type is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, cfg, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			logger := config.NewLogger(cfg.Logger)
			for _, t := range types {
				if err := messaging.RegisterHandler(client.Server(), logHandler(logger), messaging.WithMessageType(t)); err != nil {
					return err
				}
				if err := client.WatchDeadLetters(t, dlqWarn); err != nil {
					return err
				}
			}

			if err := client.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newMux(client.Health()), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()

			if err := client.Start(ctx); err != nil {
				return err
			}
			logger.Info("serving", "types", types, "transport", cfg.Transport, "metrics", cfg.Metrics.Addr)

			if statsLog > 0 {
				go logStats(ctx, logger, client.Server(), statsLog)
			}

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			fmt.Fprint(cmd.OutOrStdout(), client.Server().GetStatsDescription())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "Message type to serve (repeatable)")
	cmd.Flags().Int64Var(&dlqWarn, "dlq-warn", 0, "Dead-letter depth above which health is degraded")
	cmd.Flags().DurationVar(&statsLog, "stats-interval", 0, "Log aggregated stats at this interval")
	return cmd
}

func newMux(health *monitor.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", monitor.NewHandler(health, 5*time.Second))
	mux.Handle("/ready", monitor.ReadinessHandler(health))
	mux.Handle("/live", monitor.LivenessHandler())
	return mux
}

func logStats(ctx context.Context, logger *slog.Logger, server *messaging.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := server.GetStats()
			logger.Info("stats",
				"received", s.TotalMessagesReceived(),
				"processed", s.TotalMessagesProcessed,
				"failed", s.TotalMessagesFailed,
				"retries", s.TotalRetries,
			)
		}
	}
}

// newEnvelope builds a message of typeName around a raw JSON body
func newEnvelope(typeName, body string, priority int64) (*contracts.Message[json.RawMessage], error) {
	if !json.Valid([]byte(body)) {
		return nil, fmt.Errorf("body is not valid JSON: %s", body)
	}
	msg := contracts.NewMessage(json.RawMessage(body), contracts.WithPriority(priority))
	msg.Type = typeName
	return msg, nil
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		priority int64
		notify   string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <type> <json-body>",
		Short: "Publish a message",
		Long: `Publish routes a message to the lane of its type. With --wait it waits for the
reply on a temporary queue and prints it; with --notify it sends a transient
notification to the named queue instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			msg, err := newEnvelope(args[0], args[1], priority)
			if err != nil {
				return err
			}

			if wait > 0 {
				reply, err := mmate.RequestMessage[json.RawMessage](ctx, client.Factory(), msg, wait)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), reply.Header, reply.Body)
			}

			producer, err := client.Producer()
			if err != nil {
				return err
			}
			if notify != "" {
				err = producer.Notify(ctx, notify, msg)
			} else {
				err = producer.Publish(ctx, msg)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&priority, "priority", "p", 0, "Message priority; non-zero uses the priority lane")
	cmd.Flags().StringVar(&notify, "notify", "", "Send as a transient notification to this queue")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait this long for a reply")
	return cmd
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		requeue bool
	)

	cmd := &cobra.Command{
		Use:   "get <queue>",
		Short: "Fetch one message from a queue",
		Long: "Get waits for a message, prints its header and body, then acknowledges it or with --requeue returns it.\n" +
			"A requeued message goes to the back of its queue and counts as a retry attempt, like a handler failure.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			qc, err := client.Factory().CreateQueueClient()
			if err != nil {
				return err
			}
			defer qc.Close()

			d, err := qc.Get(ctx, args[0], timeout)
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("no message on %s within %s", args[0], timeout)
			}

			if err := printMessage(cmd.OutOrStdout(), d.Header(), json.RawMessage(d.Body())); err != nil {
				_ = qc.Nak(ctx, d, true, err)
				return err
			}
			if requeue {
				return qc.Nak(ctx, d, true, nil)
			}
			return qc.Ack(ctx, d)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for a message")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Return the message to the back of the queue instead of acknowledging it; counts as a retry attempt")
	return cmd
}

func printMessage(w io.Writer, header contracts.Header, body json.RawMessage) error {
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	out := struct {
		Header contracts.Header `json:"header"`
		Body   json.RawMessage  `json:"body"`
	}{header, body}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <type>...",
		Short: "Show queue depths of message types",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tMESSAGES")
			for _, t := range args {
				depths, err := client.QueueDepths(ctx, t)
				if err != nil {
					return err
				}
				for _, d := range depths {
					fmt.Fprintf(w, "%s\t%d\n", d.Queue, d.Messages)
				}
			}
			return w.Flush()
		},
	}
}
