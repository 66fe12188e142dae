package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/app"
	"github.com/roach88/calsync/internal/engine"
)

type syncReport struct {
	Flush  engine.FlushResult `json:"flush"`
	Pull   engine.PullResult  `json:"pull"`
	Status engine.Status      `json:"status"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Flush queued mutations, then pull remote changes",
		Long: `Flush queued mutations to the remote, then pull changes made on other
devices. An unreachable remote is not an error: the queue is kept and the
status reports deferred.

With --watch the engine keeps running, flushing on every write and
retrying while deferred, until interrupted.`,
		Example: `  calsync sync
  calsync sync --watch --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				fr, pr := s.app.Engine.Sync(ctx)
				rep := syncReport{Flush: fr, Pull: pr, Status: s.app.Engine.Status(ctx)}
				if err := s.out.Success(rep, func(w io.Writer) { printSync(w, rep) }); err != nil {
					return err
				}
				if !watch {
					return nil
				}
				return watchEngine(ctx, s.app, cmd)
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	return cmd
}

// watchEngine runs the engine loop until SIGINT/SIGTERM or ctx is done.
func watchEngine(parent context.Context, a *app.App, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(cmd.ErrOrStderr(), "Watching for changes. Press Ctrl-C to stop.")
	if err := a.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	return nil
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send queued mutations to the remote without pulling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				fr := s.app.Engine.Flush(ctx)
				return s.out.Success(fr, func(w io.Writer) { printFlush(w, fr) })
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the number of queued mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				st := s.app.Engine.Status(ctx)
				return s.out.Success(st, func(w io.Writer) {
					fmt.Fprintf(w, "Pending mutations: %d\n", st.Pending)
				})
			})
		},
	}
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Run the full data load: sync, capabilities, streak and adjustments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				snap, err := s.app.Load(ctx, s.now)
				if err != nil {
					return err
				}
				return s.out.Success(snap, func(w io.Writer) {
					printSync(w, syncReport{Flush: snap.Flush, Pull: snap.Pull, Status: snap.Status})
					fmt.Fprintf(w, "Streak: %d day(s) (longest %d), %d freeze(s) left\n",
						snap.Streak.Streak, snap.Streak.Longest, snap.Streak.State.FreezesAvailable)
					if snap.PendingAdjustment != nil {
						printAdjustment(w, *snap.PendingAdjustment)
					}
				})
			})
		},
	}
}

func printFlush(w io.Writer, fr engine.FlushResult) {
	fmt.Fprintf(w, "Flushed %d/%d mutation(s), %d remaining\n", fr.Confirmed, fr.Attempted, fr.Remaining)
}

func printSync(w io.Writer, rep syncReport) {
	printFlush(w, rep.Flush)
	fmt.Fprintf(w, "Pulled %d change(s), %d delete(s), %d stale, %d skipped\n",
		rep.Pull.Applied, rep.Pull.Deleted, rep.Pull.Stale, rep.Pull.Skipped)
	fmt.Fprintf(w, "State: %s\n", rep.Status.State)
	if rep.Status.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", rep.Status.LastError)
	}
}
