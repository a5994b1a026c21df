package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"creditflow/internal/auth"
	"creditflow/internal/credits"
	"creditflow/pkg/plan"
)

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the signed in user's credits and plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.identity.IsAuthenticated() {
				return credits.ErrNotAuthenticated
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			account, err := a.client.Account(ctx, a.identity.UserID())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:         %s\n", a.identity.UserID())
			fmt.Fprintf(out, "Credits:      %s [%s]\n", plan.Label(account.Credits), plan.BadgeVariant(account.Credits))
			fmt.Fprintf(out, "Plan:         %s\n", account.PlanName)
			fmt.Fprintf(out, "Subscription: %s\n", account.SubscriptionStatus)
			return nil
		},
	}
}

func newDeductCmd(a *app) *cobra.Command {
	var (
		amount int64
		reason string
		notify bool
		refund bool
	)

	cmd := &cobra.Command{
		Use:   "deduct",
		Short: "Spend credits for an action",
		Long: `Spend credits the way the chat client does: the cached balance drops
immediately, the ledger decides, and the cache is rolled back if it refuses.
With --refund the deduction is compensated right after it succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			store := credits.NewStore(a.identity, a.client, credits.WithRefreshTimeout(a.cfg.Credits.RemoteTimeout))
			if a.identity.IsAuthenticated() {
				if err := store.Refresh(ctx); err != nil {
					return err
				}
			}

			ctrl := credits.NewController(credits.ControllerParams{
				Store:    store,
				Identity: a.identity,
				Ledger:   a.client,
				Notifier: a.notifier(),
				Config:   a.cfg,
			})

			res := ctrl.DeductCredits(ctx, credits.DeductOptions{
				Reason:                  reason,
				Amount:                  amount,
				ShowSuccessNotification: notify,
			})
			if !res.Success {
				store.Wait()
				return fmt.Errorf("deduct %d %s: %w", amount, reason, res.Err)
			}

			out := cmd.OutOrStdout()
			if res.NewBalance != nil {
				fmt.Fprintf(out, "Deducted %d, balance %s\n", amount, plan.FormatCredits(*res.NewBalance))
			}

			if refund {
				if err := res.Refund(ctx); err != nil {
					return err
				}
				if err := res.RefundError(); err != nil {
					store.Wait()
					return fmt.Errorf("refund %d: %w", amount, err)
				}
				fmt.Fprintf(out, "Refunded %d\n", amount)
			}

			store.Wait()
			if snap := store.Read(); snap.Balance != nil {
				fmt.Fprintf(out, "Cached balance: %s\n", plan.FormatCredits(*snap.Balance))
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&amount, "amount", "n", 1, "Credits to spend")
	cmd.Flags().StringVarP(&reason, "reason", "r", credits.DefaultReason, "What the credits are spent on")
	cmd.Flags().BoolVar(&notify, "notify", false, "Emit the success notification")
	cmd.Flags().BoolVar(&refund, "refund", false, "Refund the deduction after it succeeds")
	return cmd
}

func newPlansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List subscription plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()

			plans, err := a.client.Plans(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range plans {
				fmt.Fprintf(out, "%-14s $%6s  %s\n", p.Name, p.Price.StringFixed(2), plan.Label(p.CreditLimit))
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Sign a development token for a user",
		Args:  cobra.ExactArgs(1),
		// no ledger or config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		PersistentPostRun: func(*cobra.Command, []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			token, err := auth.SignWithRole(secret, issuer, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (AUTH.JWT_SECRET of the ledger)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Token issuer")
	cmd.Flags().StringVar(&role, "role", auth.RoleAuthenticated, "Token role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
