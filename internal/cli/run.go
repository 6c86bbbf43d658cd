package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/config"
	"github.com/roach88/lofi/internal/engine"
	"github.com/roach88/lofi/internal/hosting"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/metrics"
)

// idlePoll is how often --once checks whether every runner has finished.
const idlePoll = 10 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Submit      []string
	Once        bool
	MetricsAddr string
}

// submission is one parsed --submit flag.
type submission struct {
	action string
	data   ir.IRObject
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a headless client",
		Long: `Run a headless lofi client from a CUE config.

The client opens its storage, connects to the configured authority and logs
every transformation of its memory model. Transitions given with --submit
are submitted in order once the engine is up. With --once the command waits
until every runner has finished, prints the final model and exits.

Example:
  lofi run --config app.cue
  lofi run --config app.cue --submit 'rename={"title":"work"}' --once
  lofi run --config app.cue --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the CUE config file or directory (required)")
	cmd.Flags().StringArrayVar(&opts.Submit, "submit", nil, "submit a transition: action or action=<json object> (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit with the final model once every runner has finished")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	submissions, err := parseSubmissions(opts.Submit)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --submit", err)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	migrations, err := cfg.LoadMigrations()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load migrations", err)
	}
	engineCfg, err := cfg.EngineConfig(migrations)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := hosting.NewRegistry(func(string) (*engine.Engine, engine.Config, error) {
		return engine.New(engine.WithLogger(logger), engine.WithMetrics(m)), engineCfg, nil
	}, logger)
	defer registry.Close()
	supervisor := hosting.NewSupervisor(registry, hosting.WithSupervisorLogger(logger))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	att, err := supervisor.Attach(ctx, opts.Config, transformLogger{logger: logger})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start engine", err)
	}
	defer att.Detach()
	eng := att.Session.Engine

	for _, s := range submissions {
		id, err := eng.Submit(s.action, s.data)
		if err != nil {
			return WrapExitError(ExitCommandError, "submit "+s.action, err)
		}
		logger.Info("transition submitted", "runner_id", id, "action", s.action)
	}

	if !opts.Once && opts.Format == "text" {
		fmt.Fprintf(cmd.OutOrStdout(), "Client running (session %s). Press Ctrl-C to stop.\n", eng.Session())
	}

	var final ir.IRObject
	g, gctx := errgroup.WithContext(ctx)
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, opts.MetricsAddr, reg, logger)
		})
	}
	g.Go(func() error {
		if !opts.Once {
			<-gctx.Done()
			return nil
		}
		model, err := waitIdle(gctx, eng, uint64(len(submissions)))
		if err != nil {
			return err
		}
		final = model
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "client error", err)
	}
	if !opts.Once {
		logger.Info("client stopped")
		return nil
	}
	if final == nil {
		return NewExitError(ExitFailure, "interrupted before every runner finished")
	}
	return outputModel(newFormatter(opts.RootOptions, cmd), final)
}

// parseSubmissions reads "action" or "action=<json object>" flags.
func parseSubmissions(flags []string) ([]submission, error) {
	out := make([]submission, 0, len(flags))
	for _, f := range flags {
		action, raw, hasData := strings.Cut(f, "=")
		if action == "" {
			return nil, fmt.Errorf("%q: missing action name", f)
		}
		s := submission{action: action, data: ir.IRObject{}}
		if hasData {
			v, err := ir.UnmarshalIRValue([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", action, err)
			}
			obj, ok := v.(ir.IRObject)
			if !ok {
				return nil, fmt.Errorf("%s: data must be a JSON object", action)
			}
			s.data = obj
		}
		out = append(out, s)
	}
	return out, nil
}

// waitIdle polls until at least issued transitions exist and no runner is
// live, then returns the model.
func waitIdle(ctx context.Context, eng *engine.Engine, issued uint64) (ir.IRObject, error) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		status, err := eng.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.Issued >= issued && status.LiveRunners == 0 {
			return eng.Snapshot(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func outputModel(f *OutputFormatter, model ir.IRObject) error {
	if f.Format == "json" {
		return f.Success(model)
	}
	data, err := ir.MarshalCanonical(model)
	if err != nil {
		return err
	}
	return f.Success(string(data))
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// transformLogger is the host the run command attaches: it logs what a UI
// binding would render.
type transformLogger struct {
	logger *slog.Logger
}

func (h transformLogger) Snapshot(model ir.IRObject) {
	data, err := ir.MarshalCanonical(model)
	if err != nil {
		h.logger.Warn("model snapshot not representable", "error", err)
		return
	}
	hash, err := ir.SnapshotHash(model)
	if err != nil {
		hash = "unknown"
	}
	h.logger.Info("model snapshot", "hash", hash, "model", string(data))
}

func (h transformLogger) Transform(t ir.Transformation) {
	attrs := []any{"action", string(t.Action), "path", t.Path.String()}
	if t.NewValue != nil {
		if data, err := ir.MarshalCanonical(t.NewValue); err == nil {
			attrs = append(attrs, "value", string(data))
		}
	}
	h.logger.Info("transformation", attrs...)
}
