package licensing

// LimitCheckResult grades an observed count against a feature limit.
type LimitCheckResult string

const (
	LimitAllowed   LimitCheckResult = "allowed"
	LimitSoftBlock LimitCheckResult = "soft_block" // at or above 90% of the limit
	LimitHardBlock LimitCheckResult = "hard_block" // at or above the limit
)

// Evaluator answers feature and limit questions for one resolved entitlement.
type Evaluator struct {
	ent Entitlement
}

// NewEvaluator creates an evaluator over a resolved entitlement.
func NewEvaluator(ent Entitlement) *Evaluator {
	return &Evaluator{ent: ent}
}

// HasFeature checks if the given feature is enabled.
func (e *Evaluator) HasFeature(key string) bool {
	if e == nil {
		return false
	}
	return e.ent.HasFeature(key)
}

// GetLimit returns the limit for key and whether the feature is enabled.
func (e *Evaluator) GetLimit(key string) (Limit, bool) {
	if e == nil {
		return Limit{}, false
	}
	grant, ok := e.ent.Features[key]
	if !ok || !grant.Enabled {
		return Limit{}, false
	}
	return grant.Limit, true
}

// CheckLimit evaluates observed against the limit for key. Disabled features
// are hard blocked; unlimited features are always allowed.
func (e *Evaluator) CheckLimit(key string, observed int64) LimitCheckResult {
	limit, ok := e.GetLimit(key)
	if !ok {
		return LimitHardBlock
	}
	if limit.Unlimited() {
		return LimitAllowed
	}

	if limit.AtCap(observed) {
		return LimitHardBlock
	}

	if observed*10 >= *limit.Value*9 {
		return LimitSoftBlock
	}

	return LimitAllowed
}

// Status returns the entitlement status.
func (e *Evaluator) Status() SubscriptionStatus {
	if e == nil {
		return StatusNone
	}
	return e.ent.Status
}

// Behavior returns the state behavior for the entitlement status. No
// entitlement behaves like an expired one.
func (e *Evaluator) Behavior() StateBehavior {
	return GetBehavior(e.Status())
}
