package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/suite-entitlements/internal/billing"
	billingstripe "github.com/rcourtman/suite-entitlements/internal/billing/stripe"
	"github.com/rcourtman/suite-entitlements/internal/config"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

const maxEventSize = 1 << 20 // 1 MiB

var (
	catalogPath string
	teamID      string
	usageFlags  []string
	paymentRef  string
	cancelMode  string
	memberRole  string
	watchGrace  bool
	metricsAddr string
)

func init() {
	seedCmd.Flags().StringVar(&catalogPath, "catalog", "", "plan catalog file (.yaml or .json); defaults to SUITE_CATALOG")

	resolveCmd.Flags().StringVar(&teamID, "team", "", "team context")
	resolveCmd.Flags().StringArrayVar(&usageFlags, "usage", nil, "observed usage as feature=count, repeatable")
	decideCmd.Flags().StringVar(&teamID, "team", "", "team context")

	activateCmd.Flags().StringVar(&paymentRef, "payment-ref", "", "payment provider subscription reference")
	resubscribeCmd.Flags().StringVar(&paymentRef, "payment-ref", "", "payment provider subscription reference")
	cancelCmd.Flags().StringVar(&cancelMode, "mode", string(billing.CancelNow), "now or period_end")

	teamAddCmd.Flags().StringVar(&memberRole, "role", string(licensing.RoleSalesRep), "member role (ADMIN, MANAGER, SALES_REP)")
	teamCmd.AddCommand(teamCreateCmd, teamAddCmd, teamRemoveCmd, teamListCmd)

	checkoutCmd.AddCommand(checkoutBeginCmd, checkoutReleaseCmd, checkoutPaidCmd)

	enforceGraceCmd.Flags().BoolVar(&watchGrace, "watch", false, "keep running and enforce on an interval")
	enforceGraceCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
}

var seedCmd = &cobra.Command{
	Use:     "seed",
	Short:   "Load the plan catalog into the store",
	Example: `  suitectl seed --catalog plans.yaml`,
	Args:    cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		path := catalogPath
		if path == "" {
			path = a.cfg.CatalogPath
		}
		if path == "" {
			return fmt.Errorf("no catalog given: pass --catalog or set SUITE_CATALOG")
		}
		plans, err := config.LoadCatalog(path)
		if err != nil {
			return err
		}
		if err := a.service.UpsertPlans(ctx, plans); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d plans from %s\n", len(plans), path)
		return nil
	}),
}

type usageReport struct {
	Feature  string                     `json:"feature"`
	Observed int64                      `json:"observed"`
	Limit    licensing.Limit            `json:"limit"`
	Result   licensing.LimitCheckResult `json:"result"`
}

type resolveOutput struct {
	Entitlement licensing.Entitlement   `json:"entitlement"`
	Features    []string                `json:"enabled_features"`
	Behavior    licensing.StateBehavior `json:"behavior"`
	Usage       []usageReport           `json:"usage,omitempty"`
}

var resolveCmd = &cobra.Command{
	Use:     "resolve USER TOOL",
	Short:   "Resolve a user's entitlement for a tool",
	Example: `  suitectl resolve alice crm --team team-1 --usage contacts=480`,
	Args:    cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		ent, err := a.service.ResolveEntitlement(ctx, args[0], args[1], teamID)
		if err != nil {
			return err
		}
		eval := licensing.NewEvaluator(ent)
		out := resolveOutput{Entitlement: ent, Features: ent.FeatureNames(), Behavior: eval.Behavior()}

		for _, raw := range usageFlags {
			feature, observed, err := parseUsage(raw)
			if err != nil {
				return err
			}
			limit, _ := eval.GetLimit(feature)
			out.Usage = append(out.Usage, usageReport{
				Feature:  feature,
				Observed: observed,
				Limit:    limit,
				Result:   eval.CheckLimit(feature, observed),
			})
		}
		return printJSON(cmd.OutOrStdout(), out)
	}),
}

func parseUsage(raw string) (string, int64, error) {
	feature, count, ok := strings.Cut(raw, "=")
	feature = strings.TrimSpace(feature)
	if !ok || feature == "" {
		return "", 0, fmt.Errorf("invalid usage %q: want feature=count", raw)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(count), 10, 64)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid usage count in %q", raw)
	}
	return feature, n, nil
}

var decideCmd = &cobra.Command{
	Use:   "decide USER TOOL",
	Short: "Decide whether a user may open a tool",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		decision, err := a.service.DecideAccess(ctx, args[0], args[1], teamID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), decision)
	}),
}

var trialCmd = &cobra.Command{
	Use:   "trial USER TOOL PLAN",
	Short: "Start a free trial",
	Args:  cobra.ExactArgs(3),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		return svc.StartTrial(ctx, args[0], args[1], args[2])
	}),
}

var activateCmd = &cobra.Command{
	Use:   "activate USER TOOL [PLAN]",
	Short: "Activate a paid subscription; PLAN defaults to the trial's plan",
	Args:  cobra.RangeArgs(2, 3),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		plan := ""
		if len(args) == 3 {
			plan = args[2]
		}
		return svc.Activate(ctx, args[0], args[1], plan, paymentRef)
	}),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel USER TOOL",
	Short: "Cancel a subscription now or at the period end",
	Args:  cobra.ExactArgs(2),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		mode, err := billing.ParseCancelMode(cancelMode)
		if err != nil {
			return billing.TransitionResult{}, err
		}
		id, err := subscriptionID(ctx, svc, args[0], args[1])
		if err != nil {
			return billing.TransitionResult{}, err
		}
		return svc.Cancel(ctx, id, mode)
	}),
}

var switchCmd = &cobra.Command{
	Use:   "switch USER TOOL PLAN",
	Short: "Switch a subscription to another plan of the same tool",
	Args:  cobra.ExactArgs(3),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		id, err := subscriptionID(ctx, svc, args[0], args[1])
		if err != nil {
			return billing.TransitionResult{}, err
		}
		return svc.SwitchPlan(ctx, id, args[2])
	}),
}

var resubscribeCmd = &cobra.Command{
	Use:   "resubscribe USER TOOL PLAN",
	Short: "Reactivate a canceled or expired subscription",
	Args:  cobra.ExactArgs(3),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		id, err := subscriptionID(ctx, svc, args[0], args[1])
		if err != nil {
			return billing.TransitionResult{}, err
		}
		return svc.Resubscribe(ctx, id, args[2], paymentRef)
	}),
}

var hookCmd = &cobra.Command{
	Use:   "hook EVENT USER TOOL",
	Short: "Apply a collaborator event (payment_failed, payment_recovered, grace_period_expired, period_ended)",
	Args:  cobra.ExactArgs(3),
	RunE: transitionCommand(func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error) {
		var apply func(context.Context, string) (billing.TransitionResult, error)
		switch licensing.Event(args[0]) {
		case licensing.EventPaymentFailed:
			apply = svc.OnPaymentFailed
		case licensing.EventPaymentRecovered:
			apply = svc.OnPaymentRecovered
		case licensing.EventGracePeriodExpired:
			apply = svc.OnGracePeriodExpired
		case licensing.EventPeriodEnded:
			apply = svc.OnPeriodEnded
		default:
			return billing.TransitionResult{}, fmt.Errorf("unknown hook event %q", args[0])
		}
		id, err := subscriptionID(ctx, svc, args[1], args[2])
		if err != nil {
			return billing.TransitionResult{}, err
		}
		return apply(ctx, id)
	}),
}

// subscriptionID maps the (USER, TOOL) arguments to the subscription the
// service operates on.
func subscriptionID(ctx context.Context, svc *billing.Service, userID, toolID string) (string, error) {
	sub, err := svc.Subscription(ctx, userID, toolID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", licensing.NotFoundError("lookup", "subscription", userID+"/"+toolID)
	}
	return sub.ID, nil
}

var plansCmd = &cobra.Command{
	Use:   "plans [TOOL]",
	Short: "List the plan catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		tool := ""
		if len(args) == 1 {
			tool = strings.TrimSpace(args[0])
		}
		plans, err := a.service.Plans(ctx, tool)
		if err != nil {
			return err
		}
		if plans == nil {
			plans = []*licensing.Plan{}
		}
		return printJSON(cmd.OutOrStdout(), plans)
	}),
}

var adjustmentsCmd = &cobra.Command{
	Use:   "adjustments USER TOOL",
	Short: "Show the proration ledger of a subscription",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		id, err := subscriptionID(ctx, a.service, args[0], args[1])
		if err != nil {
			return err
		}
		adjustments, err := a.service.Adjustments(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), adjustments)
	}),
}

func transitionCommand(fn func(ctx context.Context, svc *billing.Service, args []string) (billing.TransitionResult, error)) func(*cobra.Command, []string) error {
	return withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := fn(ctx, a.service, trimArgs(args))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Team membership commands",
}

var teamCreateCmd = &cobra.Command{
	Use:   "create TEAM OWNER",
	Short: "Create a team owned by OWNER",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		if err := a.service.CreateTeam(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created team %s owned by %s\n", args[0], args[1])
		return nil
	}),
}

var teamAddCmd = &cobra.Command{
	Use:   "add TEAM TOOL USER",
	Short: "Add a member, checking the owner's seat limit for TOOL",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		role, err := licensing.ParseRole(memberRole)
		if err != nil {
			return err
		}
		if err := a.service.AddTeamMember(ctx, args[0], args[1], args[2], role); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s as %s\n", args[2], args[0], role)
		return nil
	}),
}

var teamRemoveCmd = &cobra.Command{
	Use:   "remove TEAM USER",
	Short: "Remove a non-owner member",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		if err := a.service.RemoveTeamMember(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[1], args[0])
		return nil
	}),
}

var teamListCmd = &cobra.Command{
	Use:   "list OWNER",
	Short: "List the teams OWNER owns",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		ids, err := a.service.OwnedTeams(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}),
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Checkout invoice commands",
}

var checkoutBeginCmd = &cobra.Command{
	Use:   "begin USER TOOL PLAN REF",
	Short: "Open a payment-locked invoice for a checkout",
	Args:  cobra.ExactArgs(4),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		args = trimArgs(args)
		inv, err := a.service.BeginCheckout(ctx, args[0], args[1], args[2], args[3])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), inv)
	}),
}

var checkoutReleaseCmd = &cobra.Command{
	Use:   "release REF",
	Short: "Void the invoice of an abandoned checkout",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return a.service.ReleaseCheckout(ctx, strings.TrimSpace(args[0]))
	}),
}

var checkoutPaidCmd = &cobra.Command{
	Use:   "paid REF",
	Short: "Mark the invoice with REF as paid",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return a.service.OnInvoicePaid(ctx, strings.TrimSpace(args[0]))
	}),
}

var stripeEventCmd = &cobra.Command{
	Use:   "stripe-event FILE",
	Short: "Apply a Stripe event read from FILE, or stdin when FILE is -",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open event: %w", err)
			}
			defer f.Close()
			r = f
		}
		payload, err := io.ReadAll(io.LimitReader(r, maxEventSize))
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		event, err := billingstripe.DecodeEvent(payload)
		if err != nil {
			return err
		}
		outcome, err := billingstripe.NewDispatcher(a.service, a.store).Dispatch(ctx, &event)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", event.ID, event.Type, outcome)
		return nil
	}),
}

var enforceGraceCmd = &cobra.Command{
	Use:   "enforce-grace",
	Short: "Expire subscriptions whose payment grace period has run out",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		enforcer := billing.NewGraceEnforcer(a.service, a.cfg.GracePeriod, a.cfg.GraceCheckInterval)
		if !watchGrace {
			expired, err := enforcer.EnforceOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d subscriptions\n", expired)
			return nil
		}

		ctx, stop := signalContext(ctx)
		defer stop()
		if metricsAddr != "" {
			serveEnforcerMetrics(ctx, metricsAddr, a.service)
		}
		if err := a.service.SyncStatusGauge(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to sync subscription status gauge")
		}
		enforcer.Run(ctx)
		return nil
	}),
}
