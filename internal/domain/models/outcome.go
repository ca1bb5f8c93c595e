package models

// Outcome is the result of processing one queue entry.
type Outcome int

const (
	// OutcomeInvalid: malformed event, acked and discarded.
	OutcomeInvalid Outcome = iota
	// OutcomePersisted: high tier, stored; acked.
	OutcomePersisted
	// OutcomePublished: low tier, published; acked.
	OutcomePublished
	// OutcomeRetryable: left in the queue for a later pass.
	OutcomeRetryable
	// OutcomePermanent: rejected by the relational store; acked.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvalid:
		return "invalid"
	case OutcomePersisted:
		return "persisted"
	case OutcomePublished:
		return "published"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Ackable reports whether the entry may be removed from the queue.
func (o Outcome) Ackable() bool {
	return o != OutcomeRetryable
}
