package incidents

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/events"
)

type State string

const (
	StateOpen          State = "OPEN"
	StateAcknowledged  State = "ACKNOWLEDGED"
	StateSnoozed       State = "SNOOZED"
	StateEscalated     State = "ESCALATED"
	StateResolved      State = "RESOLVED"
	StateFalsePositive State = "FALSE_POSITIVE"
)

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateFalsePositive
}

// Workflow actions recorded in timelines and audit entries.
const (
	ActionCreate          = "incident.create"
	ActionCorrelate       = "incident.correlate"
	ActionAcknowledge     = "incident.acknowledge"
	ActionSnooze          = "incident.snooze"
	ActionSnoozeExpired   = "incident.snooze_expired"
	ActionEscalate        = "incident.escalate"
	ActionResolve         = "incident.resolve"
	ActionFalsePositive   = "incident.false_positive"
	ActionIdentityRelabel = "identity_relabel"
)

var ErrNotFound = errors.New("incident not found")

// StateConflictError rejects a transition the current state does not permit.
// The incident is left untouched.
type StateConflictError struct {
	IncidentID uuid.UUID
	State      State
	Action     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s not permitted in state %s (incident %s)", e.Action, e.State, e.IncidentID)
}

// IsStateConflict reports whether err is a rejected transition.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

type TimelineEntry struct {
	TS     time.Time `json:"ts"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Incident is the mutable workflow entity correlating one or more events.
// Timeline and LinkedEventIDs only ever grow; Severity never silently
// decreases; Watchlisted is sticky once set.
type Incident struct {
	ID       uuid.UUID       `json:"id"`
	CameraID string          `json:"camera_id"`
	Kind     events.Kind     `json:"kind"`
	Severity events.Severity `json:"severity"`
	State    State           `json:"state"`
	DedupKey string          `json:"dedup_key"`

	CreatedAt    time.Time  `json:"created_at"`
	LastEventAt  time.Time  `json:"last_event_at"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`

	Timeline        []TimelineEntry `json:"timeline"`
	LinkedEventIDs  []uuid.UUID     `json:"linked_event_ids"`
	Watchlisted     bool            `json:"watchlisted"`
	EscalationCount int             `json:"escalation_count"`
	Label           string          `json:"label,omitempty"`
}

// clone returns a deep copy safe to hand to callers outside the store lock.
func (i *Incident) clone() Incident {
	out := *i
	out.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	out.LinkedEventIDs = append([]uuid.UUID(nil), i.LinkedEventIDs...)
	if i.SnoozedUntil != nil {
		t := *i.SnoozedUntil
		out.SnoozedUntil = &t
	}
	return out
}
