// Package proposal manages human-approval proposals bound to a chat
// reply thread, persisted in proposals.db.
package proposal

import (
	"time"

	"github.com/c360studio/overlord/govern"
)

// State is the proposal lifecycle state.
type State string

// Proposal states.
const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// Valid reports whether the state is a known value.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateExecuting,
		StateCompleted, StateFailed, StateExpired:
		return true
	}
	return false
}

// Proposal is one pending-approval record.
type Proposal struct {
	ID       string
	Title    string
	Reason   string
	Scope    govern.ActionScope
	State    State
	ThreadTS string
	// Channel is the chat channel the proposal was posted to.
	Channel    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt time.Time
	// ResultSummary records the execution outcome once the proposal
	// reaches completed or failed.
	ResultSummary string
}

// DefaultTTL is how long a pending proposal lives before expiry.
const DefaultTTL = 30 * time.Minute

// Reply classification outcomes for HandleReply.
const (
	ReplyApproved  = "approved"
	ReplyDenied    = "denied"
	ReplyUnmatched = "unmatched"
)

var (
	approveWords = map[string]bool{"approve": true, "approved": true, "yes": true, "lgtm": true}
	denyWords    = map[string]bool{"deny": true, "denied": true, "no": true, "reject": true}
)
