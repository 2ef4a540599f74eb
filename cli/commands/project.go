package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
	"github.com/access-news/cqrs/middleware/metrics"
	"github.com/access-news/cqrs/relay"
	"github.com/access-news/cqrs/relay/kafka"
)

// Event sources for the project command.
const (
	SourceLog   = "log"
	SourceKafka = "kafka"
)

func newProjectCommand(a *app) *cobra.Command {
	var (
		source    string
		withRelay bool
	)

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Apply new events to projected state until interrupted",
		Long: `Load the projected state, then follow the event source and apply every new
event until interrupted.

Sources:
  log    Follow the event log from the projector's checkpoint (default)
  kafka  Consume relay.kafka.topic as the consumer group named after the projector

With --relay the relay publishes events to the configured destinations
alongside the projector. When observability.metrics_addr is set, Prometheus
metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, release, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer release()

			projector := rt.NewProjector()
			if err := projector.Load(ctx); err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			var rl *relay.Relay
			if withRelay {
				if rl, err = rt.NewRelay(ctx); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)

			switch source {
			case SourceLog:
				g.Go(func() error {
					return projector.Subscribe(gctx, rt.Store, rt.Checkpoints)
				})

			case SourceKafka:
				kc := rt.Config.Relay.Kafka
				if kc.Topic == "" || len(kc.Brokers) == 0 {
					return errors.New("kafka source needs relay.kafka.brokers and relay.kafka.topic")
				}
				src := kafka.NewSource(kc.Brokers, kc.Topic, projector.Name(),
					kafka.WithSourceLogger(rt.Logger.Named("kafka")),
				)
				g.Go(func() error {
					defer src.Close()
					return src.Project(gctx, projector)
				})

			default:
				return fmt.Errorf("unknown source %q: want %s or %s", source, SourceLog, SourceKafka)
			}

			if rl != nil {
				if err := rl.Start(gctx); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = rl.Stop(stopCtx)
				}()
			}

			if rt.Metrics != nil {
				serveMetrics(gctx, g, rt)
				g.Go(func() error {
					trackLag(gctx, rt, projector)
					return nil
				})
			}

			fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("Projecting %s from %s (Ctrl+C to stop)", projector.Name(), source)))

			err = g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}

			printStatus(cmd, projector.Status())
			return err
		},
	}

	cmd.Flags().StringVar(&source, "source", SourceLog, "Event source: log or kafka")
	cmd.Flags().BoolVar(&withRelay, "relay", false, "Also publish events to the configured relay destinations")

	return cmd
}

func serveMetrics(ctx context.Context, g *errgroup.Group, rt *Runtime) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.Registry))
	srv := &http.Server{
		Addr:              rt.Config.Observability.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		rt.Logger.Info("Serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// trackLag records how far the projector trails the log head.
func trackLag(ctx context.Context, rt *Runtime, projector *cqrs.Projector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := rt.Store.GetLastPosition(ctx)
			if err != nil {
				continue
			}
			applied := projector.Status().LastPosition
			rt.Metrics.RecordProjectionLag(projector.Name(), int64(head)-int64(applied))
		}
	}
}

func printStatus(cmd *cobra.Command, s cqrs.ProjectionStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" Projector: "+s.Name))
	fmt.Fprintln(out, styles.FormatKeyValue("State", ui.StatusBadge(string(s.State))))
	fmt.Fprintln(out, styles.FormatKeyValue("Position", fmt.Sprint(s.LastPosition)))
	fmt.Fprintln(out, styles.FormatKeyValue("Applied", fmt.Sprint(s.EventsApplied)))
	fmt.Fprintln(out, styles.FormatKeyValue("Skipped", fmt.Sprint(s.EventsSkipped)))
	fmt.Fprintln(out, styles.FormatKeyValue("Streams", fmt.Sprint(s.Streams)))
	if s.Parked > 0 {
		fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf("%d events parked waiting for an earlier seq", s.Parked)))
	}
	if s.Error != "" {
		fmt.Fprintln(out, styles.FormatError(s.Error))
	}
}
