package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/suite-entitlements/internal/billing/billingmetrics"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

const (
	defaultGraceCheckInterval = 1 * time.Hour
	defaultGracePeriod        = 7 * 24 * time.Hour
)

// GraceEnforcer periodically expires subscriptions that stayed past_due or
// unpaid for longer than the grace period.
type GraceEnforcer struct {
	service  *Service
	store    Store
	period   time.Duration
	interval time.Duration
}

// NewGraceEnforcer creates a GraceEnforcer. Zero durations use the defaults.
func NewGraceEnforcer(service *Service, period, interval time.Duration) *GraceEnforcer {
	if period <= 0 {
		period = defaultGracePeriod
	}
	if interval <= 0 {
		interval = defaultGraceCheckInterval
	}
	return &GraceEnforcer{service: service, store: service.store, period: period, interval: interval}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (g *GraceEnforcer) Run(ctx context.Context) {
	log.Info().Dur("grace_period", g.period).Dur("interval", g.interval).Msg("Grace period enforcer started")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Grace period enforcer stopped")
			return
		case <-ticker.C:
			if _, err := g.EnforceOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Grace enforcer pass failed")
			}
		}
	}
}

// EnforceOnce runs a single pass and returns how many subscriptions expired.
func (g *GraceEnforcer) EnforceOnce(ctx context.Context) (int, error) {
	var subs []*licensing.Subscription
	for _, status := range []licensing.SubscriptionStatus{licensing.StatusPastDue, licensing.StatusUnpaid} {
		batch, err := g.store.ListByStatus(ctx, status)
		if err != nil {
			return 0, err
		}
		subs = append(subs, batch...)
	}

	cutoff := g.service.now().Add(-g.period)
	expired := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if sub == nil {
			continue
		}

		// Unpaid rows can arrive from the payment provider without a dunning start.
		since := sub.UpdatedAt
		if sub.PastDueSince != nil {
			since = *sub.PastDueSince
		}
		if since.After(cutoff) {
			continue
		}

		log.Warn().
			Str("subscription_id", sub.ID).
			Str("user_id", sub.OwnerUserID).
			Str("tool_id", sub.ToolID).
			Str("status", string(sub.Status)).
			Time("since", since).
			Msg("Grace period expired, expiring subscription")

		if _, err := g.service.OnGracePeriodExpired(ctx, sub.ID); err != nil {
			// Another writer may have recovered it between the list and the write.
			if licensing.IsBusinessRejection(err) {
				continue
			}
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Grace enforcer: failed to expire subscription")
			continue
		}
		billingmetrics.GraceExpirationsTotal.Inc()
		expired++
	}
	return expired, nil
}
