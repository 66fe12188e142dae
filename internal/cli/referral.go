package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/ledger"
	"github.com/roach88/calsync/internal/model"
)

// NewReferralCommand creates the referral command group.
func NewReferralCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "referral",
		Short: "Record referral redemptions and show reward entries",
	}
	cmd.AddCommand(newReferralRedeemCommand(rootOpts))
	cmd.AddCommand(newReferralCompleteCommand(rootOpts))
	cmd.AddCommand(newReferralTotalsCommand(rootOpts))
	cmd.AddCommand(newReferralHistoryCommand(rootOpts))
	return cmd
}

func newReferralRedeemCommand(rootOpts *RootOptions) *cobra.Command {
	var referrer, referee string
	cmd := &cobra.Command{
		Use:   "redeem",
		Short: "Record that a referee signed up with a referrer's code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if referee == "" {
					referee = s.app.Engine.AccountID()
				}
				r, err := s.app.Ledger.RecordRedemption(ctx, referrer, referee, s.now)
				if err != nil {
					return err
				}
				return s.out.Success(r, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded redemption %s (%s referred %s)\n", r.ID, r.ReferrerID, r.RefereeID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&referrer, "referrer", "", "account id of the referrer")
	cmd.Flags().StringVar(&referee, "referee", "", "account id of the referee (default: this account)")
	_ = cmd.MarkFlagRequired("referrer")
	return cmd
}

func newReferralCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <redemption-id>",
		Short: "Complete a redemption and grant both sides their entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				rewards, err := s.app.Ledger.Complete(ctx, args[0], s.now)
				if err != nil {
					return err
				}
				return s.out.Success(rewards, func(w io.Writer) {
					for _, r := range rewards {
						fmt.Fprintf(w, "Granted %d entries to %s\n", r.EntriesAwarded, r.RecipientID)
					}
				})
			})
		},
	}
}

func newReferralTotalsCommand(rootOpts *RootOptions) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Show the reward entries an account has earned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if account == "" {
					account = s.app.Engine.AccountID()
				}
				total, err := s.app.Ledger.Totals(ctx, account)
				if err != nil {
					return err
				}
				data := map[string]any{"account_id": account, "entries": total}
				return s.out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s has %d entries\n", account, total)
				})
			})
		},
	}
	cmd.Flags().StringVar(&account, "of", "", "account id (default: this account)")
	return cmd
}

func newReferralHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the redemptions this account took part in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				list, err := s.app.Ledger.History(ctx, s.app.Engine.AccountID())
				if err != nil {
					return err
				}
				return s.out.Success(list, func(w io.Writer) {
					table(w, "ID\tROLE\tWITH\tDATE\tSTATUS\tENTRIES", func(tw io.Writer) {
						for _, h := range list {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", h.RedemptionID, h.Role, h.CounterpartyID,
								model.DateKey(h.RedeemedAt), h.Status, h.EntriesAwarded)
						}
					})
				})
			})
		},
	}
}

// NewBroadcastCommand creates the broadcast command group.
func NewBroadcastCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Record and list push broadcast delivery reports",
	}
	cmd.AddCommand(newBroadcastRecordCommand(rootOpts))
	cmd.AddCommand(newBroadcastListCommand(rootOpts))
	cmd.AddCommand(newBroadcastClicksCommand(rootOpts))
	return cmd
}

func newBroadcastRecordCommand(rootOpts *RootOptions) *cobra.Command {
	var rep ledger.DeliveryReport
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append a delivery report to the broadcast ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				if rep.Timestamp.IsZero() {
					rep.Timestamp = s.now
				}
				p, err := s.app.Ledger.RecordBroadcast(ctx, rep)
				if err != nil {
					return err
				}
				return s.out.Success(p, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded broadcast %s (%d/%d delivered)\n", p.ID, p.SuccessCount, p.TargetCount)
				})
			})
		},
	}
	cmd.Flags().StringVar(&rep.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&rep.Message, "message", "", "notification body")
	cmd.Flags().IntVar(&rep.Target, "target", 0, "devices targeted")
	cmd.Flags().IntVar(&rep.Success, "success", 0, "deliveries that succeeded")
	cmd.Flags().IntVar(&rep.Failure, "failure", 0, "deliveries that failed")
	cmd.Flags().IntVar(&rep.Clicks, "clicks", 0, "clicks so far")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newBroadcastListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded broadcasts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				list, err := s.app.Ledger.Broadcasts(ctx)
				if err != nil {
					return err
				}
				return s.out.Success(list, func(w io.Writer) {
					table(w, "ID\tSENT\tTITLE\tTARGET\tOK\tFAILED\tCLICKS", func(tw io.Writer) {
						for _, p := range list {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n", p.ID, p.Timestamp.Format("2006-01-02 15:04"),
								p.Title, p.TargetCount, p.SuccessCount, p.FailureCount, p.ClickCount)
						}
					})
				})
			})
		},
	}
}

func newBroadcastClicksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clicks <id> <count>",
		Short: "Record a later click count for a broadcast",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				var clicks int
				if _, err := fmt.Sscanf(args[1], "%d", &clicks); err != nil || clicks < 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("invalid click count %q", args[1]))
				}
				p, err := s.app.Ledger.UpdateClicks(ctx, args[0], clicks)
				if err != nil {
					return err
				}
				return s.out.Success(p, func(w io.Writer) {
					fmt.Fprintf(w, "Broadcast %s has %d clicks\n", p.ID, p.ClickCount)
				})
			})
		},
	}
}
