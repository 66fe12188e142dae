package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/app"
	"github.com/roach88/calsync/internal/config"
	"github.com/roach88/calsync/internal/remote/memory"
	"github.com/roach88/calsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the JSON/HTTP sync server that devices reach through the "http"
remote. Records are stored in the remote configured for this process
(use kind "postgres" in production; "none" or "memory" keep everything
in memory). Requests must carry a bearer token signed with
server.jwt_secret; see "calsync token".`,
		Example: `  CALSYNC_JWT_SECRET=s3cret CALSYNC_DATABASE_URL=postgres://... calsync serve --addr :8080`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return report(out, err)
			}
			if cfg.Server.JWTSecret == "" {
				return report(out, NewExitError(ExitCommandError, "server.jwt_secret is required"))
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			logger := newLogger(rootOpts)
			remoteCfg := cfg.Remote
			if remoteCfg.Kind == config.RemoteNone {
				remoteCfg.Kind = config.RemoteMemory
			}
			backend, closer, err := app.NewRemote(remoteCfg, cfg.Sync.FlushTimeout())
			if err != nil {
				return report(out, WrapExitError(ExitCommandError, "failed to open backend", err))
			}
			if closer != nil {
				defer closer.Close()
			}
			if _, ok := backend.(*memory.Store); ok {
				logger.Warn("serving from memory: records are lost on exit")
			}

			srv := server.New(backend, cfg.Server.JWTSecret, server.WithLogger(logger))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				slog.Info("shutting down sync server")
				_ = srv.Shutdown()
			}()

			fmt.Fprintf(cmd.ErrOrStderr(), "Sync server listening on %s\n", addr)
			if err := srv.Listen(addr); err != nil {
				return report(out, WrapExitError(ExitFailure, "server error", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return report(out, err)
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, cfg.AccountID, ttl)
			if err != nil {
				return report(out, WrapExitError(ExitCommandError, "failed to issue token", err))
			}
			data := map[string]string{"account_id": cfg.AccountID, "token": tok}
			return out.Success(data, func(w io.Writer) { fmt.Fprintln(w, tok) })
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
