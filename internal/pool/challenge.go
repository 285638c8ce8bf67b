package pool

import "time"

// State represents the lifecycle state of a challenge. Transitions are
// monotonic: Open -> Closed -> Settled -> Retired. A settled challenge is
// never reopened.
type State int

const (
	// StateOpen - challenge accepts submissions and is offered to workers
	StateOpen State = iota
	// StateClosed - deadline reached or withdrawn, no further submissions
	StateClosed
	// StateSettled - reward map computed
	StateSettled
	// StateRetired - settlement exported, challenge kept for retention only
	StateRetired
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateSettled:
		return "settled"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Challenge is a unit of work offered to every eligible worker
// simultaneously until it expires or is withdrawn. The payload is opaque
// to the pool and interpreted only by the scoring oracle.
type Challenge struct {
	ID        string
	Payload   []byte
	CreatedAt time.Time
	Deadline  time.Time
	State     State

	// Offers records the first time each worker was offered this
	// challenge. Bookkeeping only; oversubscription means an offer is
	// never exclusive.
	Offers map[string]time.Time
}

// Expired reports whether the challenge deadline has passed at the given time.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.Deadline)
}

// Active reports whether the challenge is open and not expired, i.e.
// whether it should be offered to workers and accept submissions.
func (c *Challenge) Active(now time.Time) bool {
	return c.State == StateOpen && !c.Expired(now)
}

// clone returns a deep copy so registry callers never share mutable state.
func (c *Challenge) clone() Challenge {
	cp := *c
	if c.Payload != nil {
		cp.Payload = make([]byte, len(c.Payload))
		copy(cp.Payload, c.Payload)
	}
	if c.Offers != nil {
		cp.Offers = make(map[string]time.Time, len(c.Offers))
		for k, v := range c.Offers {
			cp.Offers[k] = v
		}
	}
	return cp
}
