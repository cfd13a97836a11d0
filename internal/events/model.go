package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies what the vision collaborator detected
type Kind string

const (
	KindPerson     Kind = "person"
	KindObject     Kind = "object"
	KindActivity   Kind = "activity"
	KindEmotion    Kind = "emotion"
	KindRiskSignal Kind = "risk_signal"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityNormal   Severity = "normal"
	SeverityElevated Severity = "elevated"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank maps severity to a comparable order. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityNormal:
		return 2
	case SeverityElevated:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	}
	return 0
}

// Event is the normalized detection envelope pushed by vision collaborators.
// Immutable after creation; the core never writes back into it.
type Event struct {
	EventID  uuid.UUID `json:"event_id"`
	CameraID string    `json:"camera_id"`

	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Label    string   `json:"label,omitempty"`
	TrackID  string   `json:"track_id,omitempty"`

	Confidence  float64 `json:"confidence,omitempty"`
	Watchlisted bool    `json:"watchlisted,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
	// MonotonicNS is the producer's monotonic clock reading, used to order
	// events from the same camera when wall clocks jump.
	MonotonicNS int64 `json:"monotonic_ns,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`

	DedupKey string `json:"dedup_key"`
}
