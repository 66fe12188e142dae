package cli

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/adjust"
	"github.com/roach88/calsync/internal/engine"
	"github.com/roach88/calsync/internal/model"
)

// GoalOptions holds flags for goal set.
type GoalOptions struct {
	*RootOptions
	Calories   int
	ProteinPct float64
	CarbsPct   float64
	FatPct     float64
	Rate       float64
}

// NewGoalCommand creates the goal command group.
func NewGoalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Show or set the calorie and macro target",
	}
	cmd.AddCommand(newGoalSetCommand(rootOpts))
	cmd.AddCommand(newGoalShowCommand(rootOpts))
	return cmd
}

func newGoalSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GoalOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:     "set",
		Short:   "Set the daily calorie target and macro split",
		Example: `  calsync goal set --calories 2000 --protein-pct 30 --carbs-pct 40 --fat-pct 30 --rate -0.5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
				if sum := opts.ProteinPct + opts.CarbsPct + opts.FatPct; math.Abs(sum-100) > 0.01 {
					return engine.NewInvalidInput(model.EntityGoal, model.SingletonID,
						fmt.Errorf("macro percentages sum to %.1f, want 100", sum))
				}
				cur, _, err := s.app.Engine.LoadGoals(ctx)
				if err != nil {
					return err
				}
				g := cur
				g.Calories = opts.Calories
				g.ProteinPct, g.CarbsPct, g.FatPct = opts.ProteinPct, opts.CarbsPct, opts.FatPct
				g.TargetRateKgPerWeek = opts.Rate
				g, err = s.app.Engine.SaveGoals(ctx, adjust.Shift(g, 0))
				if err != nil {
					return err
				}
				return s.out.Success(g, func(w io.Writer) { printGoal(w, g) })
			})
		},
	}
	cmd.Flags().IntVar(&opts.Calories, "calories", 0, "daily calorie target (kcal)")
	cmd.Flags().Float64Var(&opts.ProteinPct, "protein-pct", 30, "protein share of calories (%)")
	cmd.Flags().Float64Var(&opts.CarbsPct, "carbs-pct", 40, "carbohydrate share of calories (%)")
	cmd.Flags().Float64Var(&opts.FatPct, "fat-pct", 30, "fat share of calories (%)")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0, "target weight change (kg/week, negative to lose)")
	_ = cmd.MarkFlagRequired("calories")
	return cmd
}

func newGoalShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current goal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				g, ok, err := s.app.Engine.LoadGoals(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return engine.NewNotFound(model.EntityGoal, model.SingletonID)
				}
				return s.out.Success(g, func(w io.Writer) { printGoal(w, g) })
			})
		},
	}
}

func printGoal(w io.Writer, g model.GoalSnapshot) {
	fmt.Fprintf(w, "Calories: %d kcal\n", g.Calories)
	fmt.Fprintf(w, "Protein:  %.0f g (%.0f%%)\n", g.ProteinG, g.ProteinPct)
	fmt.Fprintf(w, "Carbs:    %.0f g (%.0f%%)\n", g.CarbsG, g.CarbsPct)
	fmt.Fprintf(w, "Fat:      %.0f g (%.0f%%)\n", g.FatG, g.FatPct)
	fmt.Fprintf(w, "Rate:     %+.2f kg/week\n", g.TargetRateKgPerWeek)
}
