package incidents

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/audit"
	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/metrics"
)

// AuditSink records state-changing actions. Append is called while the
// per-incident lock is held, which is what keeps per-incident audit order
// equal to actual transition order.
type AuditSink interface {
	Append(ctx context.Context, e audit.Entry) (uint64, error)
}

// TimerControl is implemented by the escalation engine. The manager invokes
// it after a transition has committed; the engine never blocks these calls on
// a firing timer.
type TimerControl interface {
	IncidentOpened(id uuid.UUID, cameraID string, sev events.Severity)
	IncidentAcknowledged(id uuid.UUID)
	IncidentSnoozed(id uuid.UUID, wakeAt time.Time)
	IncidentEscalated(id uuid.UUID)
	SeverityRaised(id uuid.UUID, sev events.Severity)
	IncidentClosed(id uuid.UUID)
}

// Manager consumes the event stream and drives the incident lifecycle. All
// mutations of one incident serialize on its slot lock; a transition commits
// only after its audit entry is durably recorded.
type Manager struct {
	store  *Store
	audit  AuditSink
	timers TimerControl
	replay *events.ReplayGuard

	window time.Duration
	now    func() time.Time

	// feed receives a snapshot after every committed change (dashboard push).
	feed func(Incident)
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithFeed(feed func(Incident)) ManagerOption {
	return func(m *Manager) { m.feed = feed }
}

func NewManager(store *Store, sink AuditSink, timers TimerControl, replay *events.ReplayGuard, window time.Duration, opts ...ManagerOption) *Manager {
	if window <= 0 {
		window = 60 * time.Second
	}
	m := &Manager{
		store:  store,
		audit:  sink,
		timers: timers,
		replay: replay,
		window: window,
		now:    time.Now,
		feed:   func(Incident) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() *Store { return m.store }

// Ingest correlates one event: attach to a live incident with the same dedup
// key inside the correlation window, or open a new one. Redelivered event ids
// are absorbed silently. Returns the affected incident and whether it was
// created by this event.
func (m *Manager) Ingest(ctx context.Context, e *events.Event) (Incident, bool, error) {
	if e.DedupKey == "" {
		e.DedupKey = events.BuildDedupKey(e.CameraID, e.Kind, e.TrackID, e.OccurredAt)
	}

	// Cheap replay absorption before touching any incident.
	if m.replay != nil && m.replay.Seen(e.EventID.String()) {
		metrics.EventsReplayed.Inc()
		return Incident{}, false, nil
	}

	for {
		sl, created := m.store.lookupOrCreate(e.DedupKey, func() *Incident {
			return m.buildIncident(e)
		})

		if created {
			return m.commitCreate(ctx, sl, e)
		}

		sl.mu.Lock()
		inc := sl.incident

		// A terminal or stale incident no longer correlates; retire its key
		// and loop to open a fresh one.
		if inc.State.Terminal() || m.now().Sub(inc.LastEventAt) > m.window {
			key, id := inc.DedupKey, inc.ID
			sl.mu.Unlock()
			m.store.retire(key, id)
			continue
		}

		return m.commitCorrelate(ctx, sl, e)
	}
}

func (m *Manager) buildIncident(e *events.Event) *Incident {
	now := m.now()
	return &Incident{
		ID:          uuid.New(),
		CameraID:    e.CameraID,
		Kind:        e.Kind,
		Severity:    e.Severity,
		State:       StateOpen,
		DedupKey:    e.DedupKey,
		CreatedAt:   now,
		LastEventAt: e.OccurredAt,
		Watchlisted: e.Watchlisted,
		Label:       e.Label,
	}
}

// commitCreate finalizes a freshly inserted incident: first timeline entry,
// audit record, then timer arming. Audit failure unwinds the insert.
func (m *Manager) commitCreate(ctx context.Context, sl *slot, e *events.Event) (Incident, bool, error) {
	sl.mu.Lock()
	inc := sl.incident

	inc.Timeline = append(inc.Timeline, TimelineEntry{
		TS:     m.now(),
		Actor:  audit.ActorSystem,
		Action: ActionCreate,
		Note:   fmt.Sprintf("first event %s (%s)", e.EventID, e.Kind),
	})
	inc.LinkedEventIDs = append(inc.LinkedEventIDs, e.EventID)
	sl.linked[e.EventID] = true

	_, err := m.audit.Append(ctx, audit.Entry{
		Actor:      audit.ActorSystem,
		TargetType: "incident",
		TargetID:   inc.ID.String(),
		Action:     ActionCreate,
		NewState:   string(StateOpen),
		Note:       fmt.Sprintf("camera=%s kind=%s severity=%s", inc.CameraID, inc.Kind, inc.Severity),
	})
	if err != nil {
		// Unaudited incidents must not exist.
		id, key := inc.ID, inc.DedupKey
		sl.mu.Unlock()
		m.store.remove(key, id)
		return Incident{}, false, fmt.Errorf("create incident: %w", err)
	}

	snap := inc.clone()
	sl.mu.Unlock()

	metrics.IncidentsCreated.Inc()
	m.timers.IncidentOpened(snap.ID, snap.CameraID, snap.Severity)
	m.feed(snap)
	return snap, true, nil
}

// commitCorrelate attaches an event to a live incident. Exactly-once per
// event id: already-linked ids are a silent no-op. Expects sl.mu held;
// releases it.
func (m *Manager) commitCorrelate(ctx context.Context, sl *slot, e *events.Event) (Incident, bool, error) {
	inc := sl.incident

	if sl.linked[e.EventID] {
		snap := inc.clone()
		sl.mu.Unlock()
		return snap, false, nil
	}

	before := inc.clone()

	inc.LinkedEventIDs = append(inc.LinkedEventIDs, e.EventID)
	sl.linked[e.EventID] = true
	if e.OccurredAt.After(inc.LastEventAt) {
		inc.LastEventAt = e.OccurredAt
	}
	if e.Watchlisted {
		inc.Watchlisted = true
	}

	// Severity only moves up. On an equal-rank tie the most recent event's
	// kind wins the incident kind.
	severityRaised := false
	if e.Severity.Rank() > inc.Severity.Rank() {
		inc.Severity = e.Severity
		inc.Kind = e.Kind
		severityRaised = true
	} else if e.Severity.Rank() == inc.Severity.Rank() && e.Kind != inc.Kind {
		inc.Kind = e.Kind
	}

	inc.Timeline = append(inc.Timeline, TimelineEntry{
		TS:     m.now(),
		Actor:  audit.ActorSystem,
		Action: ActionCorrelate,
		Note:   fmt.Sprintf("event %s linked (severity %s)", e.EventID, e.Severity),
	})

	_, err := m.audit.Append(ctx, audit.Entry{
		Actor:      audit.ActorSystem,
		TargetType: "incident",
		TargetID:   inc.ID.String(),
		Action:     ActionCorrelate,
		PrevState:  string(inc.State),
		NewState:   string(inc.State),
		Note:       fmt.Sprintf("event=%s", e.EventID),
	})
	if err != nil {
		*inc = before
		delete(sl.linked, e.EventID)
		sl.mu.Unlock()
		return Incident{}, false, fmt.Errorf("correlate event: %w", err)
	}

	snap := inc.clone()
	sl.mu.Unlock()

	if severityRaised {
		m.timers.SeverityRaised(snap.ID, snap.Severity)
	}
	m.feed(snap)
	return snap, false, nil
}

// transition applies one workflow action under the incident lock. The audit
// entry is appended before the lock is released; on audit failure the
// incident is restored untouched.
func (m *Manager) transition(ctx context.Context, id uuid.UUID, action, actor, note string, permitted func(State) bool, to State, mutate func(*Incident)) (Incident, error) {
	sl, ok := m.store.get(id)
	if !ok {
		return Incident{}, ErrNotFound
	}

	sl.mu.Lock()
	inc := sl.incident

	if !permitted(inc.State) {
		state := inc.State
		sl.mu.Unlock()
		return Incident{}, &StateConflictError{IncidentID: id, State: state, Action: action}
	}

	before := inc.clone()
	prev := inc.State

	inc.State = to
	if mutate != nil {
		mutate(inc)
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		TS:     m.now(),
		Actor:  actor,
		Action: action,
		Note:   note,
	})

	_, err := m.audit.Append(ctx, audit.Entry{
		Actor:      actor,
		TargetType: "incident",
		TargetID:   id.String(),
		Action:     action,
		PrevState:  string(prev),
		NewState:   string(to),
		Note:       note,
	})
	if err != nil {
		*inc = before
		sl.mu.Unlock()
		log.Printf("[ERROR] Incident %s: %s rolled back, audit append failed: %v", id, action, err)
		return Incident{}, fmt.Errorf("%s: %w", action, err)
	}

	snap := inc.clone()
	sl.mu.Unlock()

	metrics.IncidentTransitions.WithLabelValues(action).Inc()
	m.feed(snap)
	return snap, nil
}

// Acknowledge is the operator taking ownership. Valid from OPEN, SNOOZED and
// ESCALATED; cancels the pending auto-escalation timer.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (Incident, error) {
	snap, err := m.transition(ctx, id, ActionAcknowledge, actor, "",
		func(s State) bool { return s == StateOpen || s == StateSnoozed || s == StateEscalated },
		StateAcknowledged,
		func(inc *Incident) { inc.SnoozedUntil = nil },
	)
	if err != nil {
		return snap, err
	}
	m.timers.IncidentAcknowledged(id)
	return snap, nil
}

// Snooze parks an acknowledged incident. The engine arms the wake timer; on
// expiry the incident returns to ACKNOWLEDGED with only the remaining
// escalation budget, so snoozing cannot defer escalation indefinitely.
func (m *Manager) Snooze(ctx context.Context, id uuid.UUID, actor string, d time.Duration) (Incident, error) {
	if d <= 0 {
		return Incident{}, fmt.Errorf("snooze duration must be positive")
	}
	wakeAt := m.now().Add(d)
	snap, err := m.transition(ctx, id, ActionSnooze, actor, fmt.Sprintf("snoozed for %s", d),
		func(s State) bool { return s == StateAcknowledged },
		StateSnoozed,
		func(inc *Incident) { inc.SnoozedUntil = &wakeAt },
	)
	if err != nil {
		return snap, err
	}
	m.timers.IncidentSnoozed(id, wakeAt)
	return snap, nil
}

// WakeFromSnooze is the snooze timer expiring (engine-driven, system actor).
func (m *Manager) WakeFromSnooze(ctx context.Context, id uuid.UUID) error {
	_, err := m.transition(ctx, id, ActionSnoozeExpired, audit.ActorSystem, "",
		func(s State) bool { return s == StateSnoozed },
		StateAcknowledged,
		func(inc *Incident) { inc.SnoozedUntil = nil },
	)
	return err
}

// Escalate is the operator-driven escalation. ESCALATED→ESCALATED is allowed
// and records a repeat escalation. The engine is told so the now-moot
// acknowledgment timer is cancelled and the repeat chain takes over.
func (m *Manager) Escalate(ctx context.Context, id uuid.UUID, actor string) (Incident, error) {
	snap, err := m.transition(ctx, id, ActionEscalate, actor, "",
		func(s State) bool { return !s.Terminal() },
		StateEscalated,
		func(inc *Incident) { inc.EscalationCount++; inc.SnoozedUntil = nil },
	)
	if err != nil {
		return snap, err
	}
	m.timers.IncidentEscalated(id)
	return snap, nil
}

// AutoEscalate is the engine's timeout path (system actor). Deliberately
// narrower than Escalate: once an operator has acknowledged, a stale timer
// losing its cancel race must not re-escalate.
func (m *Manager) AutoEscalate(ctx context.Context, id uuid.UUID) (Incident, error) {
	return m.transition(ctx, id, ActionEscalate, audit.ActorSystem, "ack timeout exceeded",
		func(s State) bool { return s == StateOpen || s == StateEscalated },
		StateEscalated,
		func(inc *Incident) { inc.EscalationCount++ },
	)
}

// AutoEscalateFromWake fires when the budget re-armed after a snooze wake
// runs out. Unlike AutoEscalate it must get out of ACKNOWLEDGED: the
// operator's acknowledgment predates the snooze and the grace is spent. A
// repeat snooze re-arms the wake timer, so a fire racing one is absorbed.
func (m *Manager) AutoEscalateFromWake(ctx context.Context, id uuid.UUID) (Incident, error) {
	return m.transition(ctx, id, ActionEscalate, audit.ActorSystem, "snooze grace exceeded",
		func(s State) bool { return !s.Terminal() && s != StateSnoozed },
		StateEscalated,
		func(inc *Incident) { inc.EscalationCount++ },
	)
}

// Resolve closes the incident. Terminal: the incident stays queryable but
// accepts no further transitions.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, actor, note string) (Incident, error) {
	snap, err := m.transition(ctx, id, ActionResolve, actor, note,
		func(s State) bool { return !s.Terminal() },
		StateResolved, nil,
	)
	if err != nil {
		return snap, err
	}
	m.closeout(snap)
	return snap, nil
}

// MarkFalsePositive closes the incident as noise. Reachable from any
// non-terminal state.
func (m *Manager) MarkFalsePositive(ctx context.Context, id uuid.UUID, actor, note string) (Incident, error) {
	snap, err := m.transition(ctx, id, ActionFalsePositive, actor, note,
		func(s State) bool { return !s.Terminal() },
		StateFalsePositive, nil,
	)
	if err != nil {
		return snap, err
	}
	m.closeout(snap)
	return snap, nil
}

func (m *Manager) closeout(snap Incident) {
	m.timers.IncidentClosed(snap.ID)
	m.store.retire(snap.DedupKey, snap.ID)
}

// Relabel records an identity resolution (unknown → known) as a NEW audit and
// timeline entry. Historical entries are never rewritten; terminal incidents
// may still be relabelled.
func (m *Manager) Relabel(ctx context.Context, id uuid.UUID, actor, newLabel string) (Incident, error) {
	sl, ok := m.store.get(id)
	if !ok {
		return Incident{}, ErrNotFound
	}

	sl.mu.Lock()
	inc := sl.incident
	before := inc.clone()
	oldLabel := inc.Label
	if oldLabel == "" {
		oldLabel = "unknown"
	}

	note := fmt.Sprintf("%s -> %s", oldLabel, newLabel)
	inc.Label = newLabel
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		TS:     m.now(),
		Actor:  actor,
		Action: ActionIdentityRelabel,
		Note:   note,
	})

	_, err := m.audit.Append(ctx, audit.Entry{
		Actor:      actor,
		TargetType: "incident",
		TargetID:   id.String(),
		Action:     ActionIdentityRelabel,
		PrevState:  string(inc.State),
		NewState:   string(inc.State),
		Note:       note,
	})
	if err != nil {
		*inc = before
		sl.mu.Unlock()
		return Incident{}, fmt.Errorf("relabel: %w", err)
	}

	snap := inc.clone()
	sl.mu.Unlock()
	m.feed(snap)
	return snap, nil
}
