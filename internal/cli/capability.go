package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/calsync/internal/capability"
	"github.com/roach88/calsync/internal/model"
)

// NewCapabilityCommand creates the capabilities command group.
func NewCapabilityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "Show and change the account's capabilities",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				c, err := s.app.Capabilities.Resolve(ctx)
				if err != nil {
					return err
				}
				return printCapabilities(s, c)
			})
		},
	}
	cmd.AddCommand(newCapabilitySetCommand(rootOpts, "unlock", true))
	cmd.AddCommand(newCapabilitySetCommand(rootOpts, "lock", false))
	return cmd
}

func newCapabilitySetCommand(rootOpts *RootOptions, name string, on bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <feature>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " a feature for this account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				set := s.app.Capabilities.Lock
				if on {
					set = s.app.Capabilities.Unlock
				}
				c, err := set(ctx, args[0])
				if err != nil {
					return err
				}
				return printCapabilities(s, c)
			})
		},
	}
}

func printCapabilities(s *session, c model.Capabilities) error {
	return s.out.Success(c, func(w io.Writer) {
		fmt.Fprintf(w, "Account: %s\n", c.AccountID)
		fmt.Fprintf(w, "Owner:   %t\n", c.IsOwner)
		features := capability.Features(c)
		if len(features) == 0 {
			fmt.Fprintln(w, "Unlocked: none")
			return
		}
		fmt.Fprintf(w, "Unlocked: %s\n", strings.Join(features, ", "))
	})
}
