package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrVersionConflict means a compare-and-swap lost to a concurrent writer.
	ErrVersionConflict = errors.New("subscription version conflict")
	// ErrDuplicate means a unique key is already taken.
	ErrDuplicate = errors.New("record already exists")
)

// AdjustmentReason records why a balance adjustment was booked.
type AdjustmentReason string

const (
	AdjustmentSwitch      AdjustmentReason = "switch_plan"
	AdjustmentCancel      AdjustmentReason = "cancel_now"
	AdjustmentResubscribe AdjustmentReason = "resubscribe"
)

// Adjustment is a signed balance change produced by a transition. Positive
// amounts are debits, negative amounts credits.
type Adjustment struct {
	ID             string           `json:"id"`
	SubscriptionID string           `json:"subscription_id"`
	AmountCents    int64            `json:"amount_cents"`
	Reason         AdjustmentReason `json:"reason"`
	FromPlan       string           `json:"from_plan,omitempty"`
	ToPlan         string           `json:"to_plan,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ProcessedEvent is an external webhook event already applied.
type ProcessedEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// NewID returns a sortable, lowercase ULID with a short type prefix,
// e.g. "sub_01hq...".
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
