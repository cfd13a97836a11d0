package escalation

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/incidents"
	"github.com/technosupport/guardian/internal/metrics"
	"github.com/technosupport/guardian/internal/notify"
)

// minWakeBudget is the floor re-armed after a snooze wake so an incident
// never wakes with a zero escalation budget.
const minWakeBudget = 5 * time.Second

type timerKind int

const (
	timerAck timerKind = iota
	timerReescalate
	timerWake
	// timerWakeAck is the budget re-armed after a snooze wake. It escalates
	// out of ACKNOWLEDGED, which a plain ack timer never may.
	timerWakeAck
)

func (k timerKind) String() string {
	switch k {
	case timerAck:
		return "ack_timeout"
	case timerReescalate:
		return "re_escalate"
	case timerWake:
		return "snooze_wake"
	case timerWakeAck:
		return "snooze_grace"
	}
	return "unknown"
}

// Workflow is the slice of the incident manager the engine drives.
type Workflow interface {
	AutoEscalate(ctx context.Context, id uuid.UUID) (incidents.Incident, error)
	AutoEscalateFromWake(ctx context.Context, id uuid.UUID) (incidents.Incident, error)
	WakeFromSnooze(ctx context.Context, id uuid.UUID) error
}

// Notifier is the dispatch boundary.
type Notifier interface {
	Dispatch(req notify.Request)
	DispatchCapture(req notify.CaptureRequest)
}

// RuleSource yields the current configuration generation. Implemented by
// *config.Store.
type RuleSource interface {
	Current() *config.Generation
}

// deadline is one armed timer. The claimed token is the single authority for
// the cancel/fire race: whichever side wins the compare-and-swap proceeds,
// the loser is a no-op. Rule and generation are pinned at arm time so a
// config reload never silently moves a promise already made to an operator.
type deadline struct {
	incidentID uuid.UUID
	kind       timerKind
	at         time.Time
	rule       config.EscalationRule
	gen        int

	claimed atomic.Bool
	timer   *time.Timer
}

type incidentMeta struct {
	cameraID string
	severity events.Severity
	rule     config.EscalationRule
	gen      int
}

// Engine owns at most one armed timer per open incident and turns timeouts
// into auto-transitions. Timers are independent of ingestion rate: the engine
// blocks only while waiting on deadlines, never on event flow.
type Engine struct {
	rules    RuleSource
	notifier Notifier
	now      func() time.Time

	mu     sync.Mutex
	wf     Workflow
	active map[uuid.UUID]*deadline
	meta   map[uuid.UUID]incidentMeta
	// remaining is the unused ack budget captured when an acknowledgment
	// cancels a timer; a snooze wake re-arms from it instead of a full
	// window.
	remaining map[uuid.UUID]time.Duration
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(rules RuleSource, notifier Notifier, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:     rules,
		notifier:  notifier,
		now:       time.Now,
		active:    make(map[uuid.UUID]*deadline),
		meta:      make(map[uuid.UUID]incidentMeta),
		remaining: make(map[uuid.UUID]time.Duration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bind attaches the workflow after construction; the manager and engine
// reference each other.
func (e *Engine) Bind(wf Workflow) {
	e.mu.Lock()
	e.wf = wf
	e.mu.Unlock()
}

// Stop cancels every armed timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.active {
		e.cancelLocked(id)
	}
}

// IncidentOpened arms the acknowledgment timer from the rule for the
// incident's severity in the current generation.
func (e *Engine) IncidentOpened(id uuid.UUID, cameraID string, sev events.Severity) {
	gen := e.rules.Current()
	rule, ok := gen.Rule(sev)
	if !ok {
		log.Printf("Escalation: no rule for severity %s, incident %s will not auto-escalate", sev, id)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta[id] = incidentMeta{cameraID: cameraID, severity: sev, rule: rule, gen: gen.Version}
	e.armLocked(id, timerAck, rule.AckTimeout(), rule, gen.Version)
}

// IncidentAcknowledged cancels the pending timer and records how much of the
// deadline was left for later snooze-wake accounting.
func (e *Engine) IncidentAcknowledged(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.cancelLocked(id); ok {
		rem := d.at.Sub(e.now())
		if rem < 0 {
			rem = 0
		}
		e.remaining[id] = rem
	}
}

// IncidentSnoozed arms the wake timer. The escalation timer was already
// cancelled by the acknowledge that preceded the snooze.
func (e *Engine) IncidentSnoozed(id uuid.UUID, wakeAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, ok := e.meta[id]
	if !ok {
		return
	}
	// A repeat snooze replaces the budget timer re-armed by the last wake;
	// capture what was left so each wake keeps shrinking the grace.
	if d, armed := e.active[id]; armed && d.kind != timerWake {
		if rem := d.at.Sub(e.now()); rem >= 0 {
			e.remaining[id] = rem
		}
	}
	e.armLocked(id, timerWake, wakeAt.Sub(e.now()), meta.rule, meta.gen)
}

// IncidentEscalated follows an operator-driven escalation: the pending
// acknowledgment timer is obsolete, and the repeat chain takes over per the
// pinned rule.
func (e *Engine) IncidentEscalated(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, ok := e.meta[id]
	if !ok {
		return
	}
	e.cancelLocked(id)
	if meta.rule.AutoEscalateAfter() > 0 {
		e.armLocked(id, timerReescalate, meta.rule.AutoEscalateAfter(), meta.rule, meta.gen)
	}
}

// SeverityRaised re-evaluates against the new severity's rule from the
// CURRENT generation: subsequent arms use the new rule, and an armed
// acknowledgment timer is tightened when the new rule demands a shorter
// deadline. Timers are never loosened by a raise.
func (e *Engine) SeverityRaised(id uuid.UUID, sev events.Severity) {
	gen := e.rules.Current()
	rule, ok := gen.Rule(sev)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	meta, known := e.meta[id]
	if !known {
		return
	}
	meta.severity = sev
	meta.rule = rule
	meta.gen = gen.Version
	e.meta[id] = meta

	if rem, ok := e.remaining[id]; ok && rem > rule.AckTimeout() {
		e.remaining[id] = rule.AckTimeout()
	}

	d, armed := e.active[id]
	if !armed || d.kind == timerWake {
		return
	}
	left := d.at.Sub(e.now())
	if rule.AckTimeout() < left {
		e.armLocked(id, d.kind, rule.AckTimeout(), rule, gen.Version)
	} else {
		// Keep the existing deadline but pin the new rule for the re-arm
		// chain.
		d.rule = rule
		d.gen = gen.Version
	}
}

// IncidentClosed cancels everything for a terminal incident.
func (e *Engine) IncidentClosed(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked(id)
	delete(e.meta, id)
	delete(e.remaining, id)
}

// armLocked replaces any existing timer for the incident: re-arming is
// idempotent, there is never a second concurrent timer for one incident.
func (e *Engine) armLocked(id uuid.UUID, kind timerKind, in time.Duration, rule config.EscalationRule, gen int) {
	e.cancelLocked(id)

	if in < 0 {
		in = 0
	}
	d := &deadline{
		incidentID: id,
		kind:       kind,
		at:         e.now().Add(in),
		rule:       rule,
		gen:        gen,
	}
	d.timer = time.AfterFunc(in, func() { e.fire(d) })
	e.active[id] = d
}

// cancelLocked claims the deadline for the cancel side. If the timer already
// claimed it, the fire is in flight and cancellation is a no-op.
func (e *Engine) cancelLocked(id uuid.UUID) (*deadline, bool) {
	d, ok := e.active[id]
	if !ok {
		return nil, false
	}
	delete(e.active, id)
	if d.claimed.CompareAndSwap(false, true) {
		d.timer.Stop()
		return d, true
	}
	metrics.TimerRacesLost.Inc()
	return nil, false
}

// fire runs on the timer goroutine. It first claims the deadline; losing the
// claim means a cancel won and the fire is a silent no-op.
func (e *Engine) fire(d *deadline) {
	if !d.claimed.CompareAndSwap(false, true) {
		metrics.TimerRacesLost.Inc()
		return
	}

	e.mu.Lock()
	if cur, ok := e.active[d.incidentID]; ok && cur == d {
		delete(e.active, d.incidentID)
	}
	wf := e.wf
	e.mu.Unlock()

	if wf == nil {
		return
	}

	switch d.kind {
	case timerAck, timerReescalate, timerWakeAck:
		e.escalate(wf, d)
	case timerWake:
		e.wake(wf, d)
	}
}

func (e *Engine) escalate(wf Workflow, d *deadline) {
	ctx := context.Background()

	var inc incidents.Incident
	var err error
	if d.kind == timerWakeAck {
		inc, err = wf.AutoEscalateFromWake(ctx, d.incidentID)
	} else {
		inc, err = wf.AutoEscalate(ctx, d.incidentID)
	}
	if err != nil {
		if incidents.IsStateConflict(err) {
			// An operator action landed between arming and firing. By design
			// the losing side of this race disappears without a trace.
			metrics.TimerRacesLost.Inc()
			return
		}
		log.Printf("[ERROR] Escalation: auto-escalate %s failed: %v", d.incidentID, err)
		return
	}

	metrics.EscalationsFired.WithLabelValues(d.kind.String()).Inc()
	log.Printf("Escalation: incident %s escalated (%s, rule gen %d)", d.incidentID, d.kind, d.gen)

	e.emit(inc, d)

	// Repeat escalation while it stays ESCALATED and unacknowledged. Skip if
	// the incident was closed since the fire.
	if d.rule.AutoEscalateAfter() > 0 {
		e.mu.Lock()
		if _, live := e.meta[d.incidentID]; live {
			e.armLocked(d.incidentID, timerReescalate, d.rule.AutoEscalateAfter(), d.rule, d.gen)
		}
		e.mu.Unlock()
	}
}

// emit sends the human-facing alert and the capture request. Quiet hours
// suppress only the alert; the transition and audit already happened.
func (e *Engine) emit(inc incidents.Incident, d *deadline) {
	quiet := false
	if gen := e.rules.Current(); gen != nil {
		quiet = gen.Config.QuietHours.In(e.now()) && !d.rule.QuietHoursOverride
	}

	if quiet {
		metrics.NotificationsSuppressed.Inc()
		log.Printf("Escalation: quiet hours, alert for incident %s suppressed", d.incidentID)
	} else {
		e.notifier.Dispatch(notify.Request{
			IncidentID: inc.ID,
			CameraID:   inc.CameraID,
			Severity:   inc.Severity,
			Targets:    d.rule.NotifyTargets,
			Reason:     d.kind.String(),
		})
	}

	if d.rule.AutoCapture {
		e.notifier.DispatchCapture(notify.CaptureRequest{
			IncidentID: inc.ID,
			CameraID:   inc.CameraID,
		})
	}
}

func (e *Engine) wake(wf Workflow, d *deadline) {
	ctx := context.Background()

	if err := wf.WakeFromSnooze(ctx, d.incidentID); err != nil {
		if !incidents.IsStateConflict(err) {
			log.Printf("[ERROR] Escalation: snooze wake %s failed: %v", d.incidentID, err)
		}
		return
	}

	// Re-arm from the remaining budget, never a fresh full window.
	e.mu.Lock()
	defer e.mu.Unlock()

	meta, ok := e.meta[d.incidentID]
	if !ok {
		return
	}
	rem := e.remaining[d.incidentID]
	if rem < minWakeBudget {
		rem = minWakeBudget
	}
	e.armLocked(d.incidentID, timerWakeAck, rem, meta.rule, meta.gen)
}
