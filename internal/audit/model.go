package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actor used for automatic transitions (timer fire, snooze wake).
const ActorSystem = "system"

// Entry is one immutable audit record. AuditID is assigned by the Logger,
// strictly increasing, never reused. EventID is the idempotency key used when
// spooled entries are replayed into the database.
type Entry struct {
	AuditID    uint64    `json:"audit_id"`
	EventID    uuid.UUID `json:"event_id"`
	TS         time.Time `json:"ts"`
	Actor      string    `json:"actor"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Action     string    `json:"action"`
	PrevState  string    `json:"prev_state,omitempty"`
	NewState   string    `json:"new_state,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// SpooledEntry wraps an Entry for JSONL failover spooling.
type SpooledEntry struct {
	EventID   string    `json:"event_id"`
	Payload   Entry     `json:"payload"`
	SpooledAt time.Time `json:"spooled_at"`
}

// Filter narrows read-only queries. Entries always come back in audit_id
// order; there is no mutation surface.
type Filter struct {
	TargetType string
	TargetID   string
	Actor      string
	From       *time.Time
	To         *time.Time
	AfterID    uint64
	Limit      int
}
