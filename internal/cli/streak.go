package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewStreakCommand creates the streak command.
func NewStreakCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the logging streak and freeze allowance",
		Long: `Show the current and longest logging streak. Running this command also
performs the monthly freeze reset and protects a missed yesterday with a
freeze when one is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				res, err := s.app.Streak.Refresh(ctx, s.now)
				if err != nil {
					return err
				}
				return s.out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Streak: %d day(s) (longest %d)\n", res.Streak, res.Longest)
					fmt.Fprintf(w, "Freezes available: %d\n", res.State.FreezesAvailable)
					if res.Froze != "" {
						fmt.Fprintf(w, "Used a freeze on %s\n", res.Froze)
					}
				})
			})
		},
	}
}
