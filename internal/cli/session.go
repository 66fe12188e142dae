package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/app"
	"github.com/roach88/calsync/internal/config"
	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

// session is one command invocation's view of the app.
type session struct {
	app *app.App
	out *OutputFormatter
	now time.Time
}

func newLogger(opts *RootOptions) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and environment, then applies the
// global flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.Account != "" {
		cfg.AccountID = opts.Account
	}
	if err := config.Validate(cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// withSession opens the app for the duration of run. Engine errors are
// reported through the formatter and mapped onto exit codes.
func withSession(opts *RootOptions, cmd *cobra.Command, run func(ctx context.Context, s *session) error) error {
	out := formatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return report(out, err)
	}

	appOpts := append([]app.Option{app.WithLogger(newLogger(opts))}, opts.AppOptions...)
	a, err := app.Open(cfg, appOpts...)
	if err != nil {
		return report(out, WrapExitError(ExitCommandError, "failed to open database", err))
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	out.VerboseLog("database: %s, account: %s, remote: %s", cfg.DBPath, cfg.AccountID, cfg.Remote.Kind)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s := &session{app: a, out: out, now: a.Engine.Now()}
	if err := run(ctx, s); err != nil {
		return report(out, err)
	}
	return nil
}

// report prints err and returns it with an exit code attached.
func report(out *OutputFormatter, err error) error {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		exitErr = WrapExitError(ExitFailure, "operation failed", err)
	}
	var details any
	var ee *engine.Error
	if errors.As(err, &ee) && ee.EntityType != "" {
		details = map[string]string{"entity_type": ee.EntityType, "entity_id": ee.EntityID}
	}
	_ = out.Error(ErrorCode(err), err.Error(), details)
	return exitErr
}

// parseDate accepts YYYY-MM-DD or the words today and yesterday.
func parseDate(value string, now time.Time) (string, error) {
	v := strings.TrimSpace(strings.ToLower(value))
	switch v {
	case "", "today":
		return model.DateKey(now), nil
	case "yesterday":
		return model.AddDays(model.DateKey(now), -1), nil
	}
	if _, err := model.ParseDateKey(v, time.UTC); err != nil {
		return "", NewExitError(ExitFailure, "invalid date "+value+" (expected YYYY-MM-DD)")
	}
	return v, nil
}
