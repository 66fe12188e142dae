package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/model"
)

// NewWeightCommand creates the weight command group.
func NewWeightCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weight",
		Short: "Record, list and delete weight entries",
	}
	cmd.AddCommand(newWeightAddCommand(rootOpts))
	cmd.AddCommand(newWeightListCommand(rootOpts))
	cmd.AddCommand(newWeightDeleteCommand(rootOpts))
	return cmd
}

func newWeightAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		id   string
		kg   float64
		date string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a weight (or update one with --id)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				key, err := parseDate(date, s.now)
				if err != nil {
					return err
				}
				w, err := s.app.Engine.SaveWeight(ctx, model.WeightEntry{ID: id, Date: key, WeightKg: kg})
				if err != nil {
					return err
				}
				return s.out.Success(w, func(out io.Writer) {
					fmt.Fprintf(out, "Recorded %.1f kg on %s (%s)\n", w.WeightKg, w.Date, w.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "id of an existing entry to update")
	cmd.Flags().Float64Var(&kg, "kg", 0, "weight in kilograms")
	cmd.Flags().StringVar(&date, "date", "today", "date (YYYY-MM-DD, today or yesterday)")
	_ = cmd.MarkFlagRequired("kg")
	return cmd
}

func newWeightListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List weight entries by date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				weights, err := s.app.Engine.LoadWeights(ctx)
				if err != nil {
					return err
				}
				return s.out.Success(weights, func(w io.Writer) {
					table(w, "ID\tDATE\tKG", func(tw io.Writer) {
						for _, e := range weights {
							fmt.Fprintf(tw, "%s\t%s\t%.1f\n", e.ID, e.Date, e.WeightKg)
						}
					})
				})
			})
		},
	}
}

func newWeightDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a weight entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if err := s.app.Engine.DeleteWeight(ctx, args[0]); err != nil {
					return err
				}
				return s.out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted weight entry %s\n", args[0])
				})
			})
		},
	}
}
