package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/model"
)

// MealOptions holds flags for meal add.
type MealOptions struct {
	*RootOptions
	ID       string
	Name     string
	Calories int
	Protein  float64
	Carbs    float64
	Fat      float64
	Date     string
}

// NewMealCommand creates the meal command group.
func NewMealCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meal",
		Short: "Log, list and delete meals",
	}
	cmd.AddCommand(newMealAddCommand(rootOpts))
	cmd.AddCommand(newMealListCommand(rootOpts))
	cmd.AddCommand(newMealDeleteCommand(rootOpts))
	return cmd
}

func newMealAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MealOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log a meal (or update one with --id)",
		Example: `  calsync meal add --name "Oatmeal" --calories 350 --protein 12
  calsync meal add --id <id> --name "Oatmeal" --calories 300 --date yesterday`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
				date, err := parseDate(opts.Date, s.now)
				if err != nil {
					return err
				}
				m, err := s.app.Engine.SaveMeal(ctx, model.MealEntry{
					ID:       opts.ID,
					DateKey:  date,
					Name:     opts.Name,
					Calories: opts.Calories,
					Macros:   model.Macros{ProteinG: opts.Protein, CarbsG: opts.Carbs, FatG: opts.Fat},
				})
				if err != nil {
					return err
				}
				return s.out.Success(m, func(w io.Writer) {
					fmt.Fprintf(w, "Logged meal %s on %s (%d kcal)\n", m.ID, m.DateKey, m.Calories)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "id of an existing meal to update")
	cmd.Flags().StringVar(&opts.Name, "name", "", "meal name")
	cmd.Flags().IntVar(&opts.Calories, "calories", 0, "calories (kcal)")
	cmd.Flags().Float64Var(&opts.Protein, "protein", 0, "protein (g)")
	cmd.Flags().Float64Var(&opts.Carbs, "carbs", 0, "carbohydrates (g)")
	cmd.Flags().Float64Var(&opts.Fat, "fat", 0, "fat (g)")
	cmd.Flags().StringVar(&opts.Date, "date", "today", "date (YYYY-MM-DD, today or yesterday)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

type mealDay struct {
	Date     string            `json:"date"`
	Meals    []model.MealEntry `json:"meals"`
	Calories int               `json:"calories"`
	Macros   model.Macros      `json:"macros"`
}

func newMealListCommand(rootOpts *RootOptions) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the meals logged on a day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				key, err := parseDate(date, s.now)
				if err != nil {
					return err
				}
				meals, err := s.app.Engine.MealsForDate(ctx, key)
				if err != nil {
					return err
				}
				day := mealDay{Date: key, Meals: meals}
				for _, m := range meals {
					day.Calories += m.Calories
					day.Macros.ProteinG += m.Macros.ProteinG
					day.Macros.CarbsG += m.Macros.CarbsG
					day.Macros.FatG += m.Macros.FatG
				}
				return s.out.Success(day, func(w io.Writer) {
					table(w, "ID\tNAME\tKCAL\tP\tC\tF", func(tw io.Writer) {
						for _, m := range meals {
							fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%.1f\t%.1f\n", m.ID, m.Name, m.Calories, m.Macros.ProteinG, m.Macros.CarbsG, m.Macros.FatG)
						}
					})
					fmt.Fprintf(w, "Total %s: %d kcal\n", key, day.Calories)
				})
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "today", "date (YYYY-MM-DD, today or yesterday)")
	return cmd
}

func newMealDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a meal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if err := s.app.Engine.DeleteMeal(ctx, args[0]); err != nil {
					return err
				}
				return s.out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted meal %s\n", args[0])
				})
			})
		},
	}
}
