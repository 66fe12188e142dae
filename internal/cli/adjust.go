package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/model"
)

// NewAdjustCommand creates the adjust command group.
func NewAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Review calorie adjustment proposals",
	}
	cmd.AddCommand(newAdjustShowCommand(rootOpts))
	cmd.AddCommand(newAdjustApplyCommand(rootOpts))
	cmd.AddCommand(newAdjustDismissCommand(rootOpts))
	cmd.AddCommand(newAdjustHistoryCommand(rootOpts))
	return cmd
}

func newAdjustShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Evaluate the weight trend and show the pending proposal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if _, err := s.app.Adjustments.Evaluate(ctx, s.now); err != nil {
					return err
				}
				p, err := s.app.Adjustments.Pending(ctx)
				if err != nil {
					return err
				}
				return s.out.Success(p, func(w io.Writer) {
					if p == nil {
						fmt.Fprintln(w, "No adjustment pending")
						return
					}
					printAdjustment(w, *p)
				})
			})
		},
	}
}

func newAdjustApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply a pending proposal to the goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				rec, goal, err := s.app.Adjustments.Apply(ctx, args[0])
				if err != nil {
					return err
				}
				data := map[string]any{"adjustment": rec, "goal": goal}
				return s.out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "Applied %+d kcal; new target %d kcal\n", rec.DeltaCalories, goal.Calories)
				})
			})
		},
	}
}

func newAdjustDismissCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				rec, err := s.app.Adjustments.Dismiss(ctx, args[0])
				if err != nil {
					return err
				}
				return s.out.Success(rec, func(w io.Writer) {
					fmt.Fprintf(w, "Dismissed adjustment %s\n", rec.ID)
				})
			})
		},
	}
}

func newAdjustHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List every proposal, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				list, err := s.app.Adjustments.History(ctx)
				if err != nil {
					return err
				}
				return s.out.Success(list, func(w io.Writer) {
					table(w, "ID\tPROPOSED\tSTATUS\tDELTA", func(tw io.Writer) {
						for _, a := range list {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%+d\n", a.ID, model.DateKey(a.ProposedAt), a.Status, a.DeltaCalories)
						}
					})
				})
			})
		},
	}
}

func printAdjustment(w io.Writer, a model.AdjustmentRecord) {
	fmt.Fprintf(w, "Adjustment %s (%s)\n", a.ID, a.Status)
	fmt.Fprintf(w, "  Change:  %+d kcal\n", a.DeltaCalories)
	fmt.Fprintf(w, "  Actual:  %+.2f kg/week over %d days (%d points)\n",
		a.Basis.ActualRateKgPerWeek, a.Basis.WindowDays, a.Basis.Points)
	fmt.Fprintf(w, "  Target:  %+.2f kg/week\n", a.Basis.TargetRateKgPerWeek)
}
