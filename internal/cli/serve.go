package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/authority"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/wire"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Version string
	Reject  map[string]string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference authority",
		Long: `Run the reference authority on a websocket endpoint.

Clients connect to /sync. The authority checks the protocol version sent in
the init handshake, answers pings, and resolves every transition except the
actions listed with --reject, which are rejected with the given reason.

Example:
  lofi serve --addr :8080
  lofi serve --addr :8080 --reject addTodo="list is full"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Version, "protocol-version", ir.ProtocolVersion, "protocol version the authority speaks")
	cmd.Flags().StringToStringVar(&opts.Reject, "reject", nil, "reject an action: action=reason (repeatable)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if wire.Canonical(opts.Version) == "" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid protocol version %q", opts.Version))
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	decider := authority.Decider(authority.AcceptAll)
	if len(opts.Reject) > 0 {
		decider = authority.Rules(opts.Reject)
	}
	srv := authority.New(
		authority.WithVersion(opts.Version),
		authority.WithDecider(decider),
		authority.WithLogger(logger),
	)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Format == "text" {
		fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s. Press Ctrl-C to stop.\n", opts.Addr)
	}
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return WrapExitError(ExitCommandError, "authority stopped", err)
	}
	logger.Info("authority stopped gracefully")
	return nil
}
