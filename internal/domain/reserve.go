package domain

// ReserveResult tags the outcome of a slot reservation attempt. Capacity is a
// domain signal, not an error: callers branch on the kind and only API edges
// translate Queue/Reject into user-facing responses.
type ReserveResult string

const (
	// ReserveOK means a registry row was inserted and the caller now holds a
	// slot. Every ReserveOK must be balanced by exactly one release.
	ReserveOK ReserveResult = "ok"
	// ReserveQueue means the call should wait in the queue (direct calls at a
	// limit are never rejected outright).
	ReserveQueue ReserveResult = "queue"
	// ReserveReject means the item stays queued and the attempt is annotated
	// (campaign calls at a limit).
	ReserveReject ReserveResult = "reject"
)

// Reasons attached to non-OK reservation outcomes.
const (
	ReasonSystemLimit = "system limit"
	ReasonUserLimit   = "user limit"
)

// ReserveOutcome pairs the tagged result with its reason.
type ReserveOutcome struct {
	Result ReserveResult
	Reason string
}

// OK reports whether the outcome reserved a slot.
func (o ReserveOutcome) OK() bool { return o.Result == ReserveOK }
