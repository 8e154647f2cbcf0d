package extension

import "time"

// HookKind names a dispatchable hook for timeout lookup and error reporting.
type HookKind string

const (
	HookPreCheck       HookKind = "capability.preCheck"
	HookPostGrant      HookKind = "capability.postGrant"
	HookOnExpiry       HookKind = "capability.onExpiry"
	HookPreAction      HookKind = "action.preAction"
	HookPostAction     HookKind = "action.postAction"
	HookOnFailure      HookKind = "action.onFailure"
	HookVerifyBehavior HookKind = "monitoring.verifyBehavior"
	HookCollectMetrics HookKind = "monitoring.collectMetrics"
	HookOnAnomaly      HookKind = "monitoring.onAnomaly"
	HookOnRevocation   HookKind = "trust.onRevocation"
	HookAdjustTrust    HookKind = "trust.adjustTrust"
	HookPolicyEvaluate HookKind = "policy.evaluate"
)

// TimeoutSpec bounds one hook kind. Overrides clamp to Max.
type TimeoutSpec struct {
	Default time.Duration
	Max     time.Duration
}

// Timeouts is the per-hook timeout table.
type Timeouts map[HookKind]TimeoutSpec

// DefaultTimeouts returns the contractual timeout table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HookPreCheck:       {100 * time.Millisecond, 500 * time.Millisecond},
		HookPostGrant:      {100 * time.Millisecond, 500 * time.Millisecond},
		HookOnExpiry:       {200 * time.Millisecond, 1000 * time.Millisecond},
		HookPreAction:      {200 * time.Millisecond, 1000 * time.Millisecond},
		HookPostAction:     {500 * time.Millisecond, 2000 * time.Millisecond},
		HookOnFailure:      {200 * time.Millisecond, 1000 * time.Millisecond},
		HookVerifyBehavior: {5 * time.Second, 30 * time.Second},
		HookCollectMetrics: {5 * time.Second, 30 * time.Second},
		HookOnAnomaly:      {1 * time.Second, 5 * time.Second},
		HookOnRevocation:   {500 * time.Millisecond, 2000 * time.Millisecond},
		HookAdjustTrust:    {200 * time.Millisecond, 1000 * time.Millisecond},
		HookPolicyEvaluate: {500 * time.Millisecond, 2000 * time.Millisecond},
	}
}

// For resolves the effective timeout for a hook kind, applying an optional
// override clamped to the hook's maximum.
func (t Timeouts) For(kind HookKind, override time.Duration) time.Duration {
	spec, ok := t[kind]
	if !ok {
		return time.Second
	}
	if override <= 0 {
		return spec.Default
	}
	if override > spec.Max {
		return spec.Max
	}
	return override
}
