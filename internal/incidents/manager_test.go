package incidents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/guardian/internal/audit"
	"github.com/technosupport/guardian/internal/events"
)

// memAudit records entries in memory and can be told to fail.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	fail    bool
	seq     uint64
}

func (a *memAudit) Append(_ context.Context, e audit.Entry) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return 0, errors.New("audit backend down")
	}
	a.seq++
	e.AuditID = a.seq
	a.entries = append(a.entries, e)
	return a.seq, nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// fakeTimers records engine hook invocations.
type fakeTimers struct {
	mu        sync.Mutex
	opened    []uuid.UUID
	acked     []uuid.UUID
	snoozed   []uuid.UUID
	escalated []uuid.UUID
	raised    []events.Severity
	closed    []uuid.UUID
}

func (f *fakeTimers) IncidentOpened(id uuid.UUID, _ string, _ events.Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
}
func (f *fakeTimers) IncidentAcknowledged(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
}
func (f *fakeTimers) IncidentSnoozed(id uuid.UUID, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snoozed = append(f.snoozed, id)
}
func (f *fakeTimers) IncidentEscalated(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, id)
}
func (f *fakeTimers) SeverityRaised(_ uuid.UUID, sev events.Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, sev)
}
func (f *fakeTimers) IncidentClosed(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func newTestManager(t *testing.T) (*Manager, *memAudit, *fakeTimers) {
	t.Helper()
	sink := &memAudit{}
	timers := &fakeTimers{}
	m := NewManager(NewStore(), sink, timers, events.NewReplayGuard(128, time.Minute), 60*time.Second)
	return m, sink, timers
}

func evt(camera string, kind events.Kind, sev events.Severity, track string, at time.Time) *events.Event {
	return &events.Event{
		EventID:    uuid.New(),
		CameraID:   camera,
		Kind:       kind,
		Severity:   sev,
		TrackID:    track,
		OccurredAt: at,
	}
}

func TestIngest_CorrelatesBurstIntoOneIncident(t *testing.T) {
	m, sink, timers := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	inc1, created, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base))
	require.NoError(t, err)
	assert.True(t, created)

	inc2, created, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inc1.ID, inc2.ID)

	inc3, created, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", base.Add(5*time.Second)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inc1.ID, inc3.ID)

	assert.Len(t, inc3.LinkedEventIDs, 3)
	assert.Equal(t, events.SeverityHigh, inc3.Severity)
	assert.Equal(t, StateOpen, inc3.State)

	// One create, two correlates, in order.
	assert.Equal(t, []string{ActionCreate, ActionCorrelate, ActionCorrelate}, sink.actions())

	// The severity raise reached the engine.
	assert.Equal(t, []events.Severity{events.SeverityHigh}, timers.raised)
	assert.Equal(t, []uuid.UUID{inc1.ID}, timers.opened)
}

func TestIngest_ReplayedEventIsNoOp(t *testing.T) {
	m, sink, _ := newTestManager(t)
	ctx := context.Background()

	e := evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now())
	_, created, err := m.Ingest(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	// Same event id redelivered after a worker restart.
	_, created, err = m.Ingest(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, []string{ActionCreate}, sink.actions())
}

func TestIngest_TerminalIncidentDoesNotAbsorbNewEvents(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base))
	require.NoError(t, err)

	_, err = m.Resolve(ctx, inc.ID, "op-1", "handled")
	require.NoError(t, err)

	inc2, created, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, inc.ID, inc2.ID)
}

func TestIngest_WindowExpiryOpensNewIncident(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	sink := &memAudit{}
	m := NewManager(NewStore(), sink, &fakeTimers{}, events.NewReplayGuard(128, time.Hour), 60*time.Second, WithClock(clock))
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", now))
	require.NoError(t, err)

	// Move past the correlation window. Same dedup key bucket is irrelevant
	// because staleness is judged against LastEventAt.
	now = now.Add(2 * time.Minute)
	inc2, created, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", inc.LastEventAt))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, inc.ID, inc2.ID)
}

func TestIngest_EqualSeverityTieBreakUpdatesKind(t *testing.T) {
	m, _, timers := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	e1 := evt("cam-1", events.KindPerson, events.SeverityElevated, "t1", base)
	_, _, err := m.Ingest(ctx, e1)
	require.NoError(t, err)

	// Same rank, different kind: kind follows the most recent event but the
	// engine is not told severity was raised.
	e2 := evt("cam-1", events.KindPerson, events.SeverityElevated, "t1", base.Add(time.Second))
	e2.Kind = events.KindActivity
	e2.DedupKey = e1.DedupKey
	inc, _, err := m.Ingest(ctx, e2)
	require.NoError(t, err)

	assert.Equal(t, events.KindActivity, inc.Kind)
	assert.Equal(t, events.SeverityElevated, inc.Severity)
	assert.Empty(t, timers.raised)
}

func TestIngest_WatchlistIsSticky(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	e1 := evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base)
	e1.Watchlisted = true
	inc, _, err := m.Ingest(ctx, e1)
	require.NoError(t, err)
	assert.True(t, inc.Watchlisted)

	e2 := evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base.Add(time.Second))
	e2.DedupKey = e1.DedupKey
	inc, _, err = m.Ingest(ctx, e2)
	require.NoError(t, err)
	assert.True(t, inc.Watchlisted)
}

func TestLifecycle_HappyPath(t *testing.T) {
	m, sink, timers := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)

	acked, err := m.Acknowledge(ctx, inc.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)

	snoozed, err := m.Snooze(ctx, inc.ID, "op-1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateSnoozed, snoozed.State)
	require.NotNil(t, snoozed.SnoozedUntil)

	require.NoError(t, m.WakeFromSnooze(ctx, inc.ID))
	woken, ok := m.Store().Get(inc.ID)
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, woken.State)
	assert.Nil(t, woken.SnoozedUntil)

	resolved, err := m.Resolve(ctx, inc.ID, "op-1", "false alarm cleared by patrol")
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)

	assert.Equal(t, []string{
		ActionCreate, ActionAcknowledge, ActionSnooze, ActionSnoozeExpired, ActionResolve,
	}, sink.actions())
	assert.Equal(t, []uuid.UUID{inc.ID}, timers.closed)
	assert.Equal(t, []uuid.UUID{inc.ID}, timers.acked)
	assert.Equal(t, []uuid.UUID{inc.ID}, timers.snoozed)
}

func TestLifecycle_TerminalRejectsTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now()))
	require.NoError(t, err)

	_, err = m.Resolve(ctx, inc.ID, "op-1", "")
	require.NoError(t, err)

	_, err = m.Acknowledge(ctx, inc.ID, "op-1")
	assert.True(t, IsStateConflict(err))

	_, err = m.Resolve(ctx, inc.ID, "op-1", "")
	assert.True(t, IsStateConflict(err))

	_, err = m.MarkFalsePositive(ctx, inc.ID, "op-1", "")
	assert.True(t, IsStateConflict(err))
}

func TestLifecycle_SnoozeOnlyFromAcknowledged(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now()))
	require.NoError(t, err)

	_, err = m.Snooze(ctx, inc.ID, "op-1", time.Minute)
	assert.True(t, IsStateConflict(err))
}

func TestAutoEscalate_RejectedAfterAcknowledge(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)

	_, err = m.Acknowledge(ctx, inc.ID, "op-1")
	require.NoError(t, err)

	// A timer that lost the cancel race fires anyway; the state machine is
	// the final authority.
	_, err = m.AutoEscalate(ctx, inc.ID)
	assert.True(t, IsStateConflict(err))

	got, _ := m.Store().Get(inc.ID)
	assert.Equal(t, StateAcknowledged, got.State)
	assert.Zero(t, got.EscalationCount)
}

func TestAutoEscalate_RepeatsFromEscalated(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)

	first, err := m.AutoEscalate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.EscalationCount)

	second, err := m.AutoEscalate(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.EscalationCount)
}

func TestAuditFailure_RollsBackCreate(t *testing.T) {
	sink := &memAudit{fail: true}
	m := NewManager(NewStore(), sink, &fakeTimers{}, nil, time.Minute)
	ctx := context.Background()

	_, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now()))
	require.Error(t, err)

	assert.Empty(t, m.Store().List(ListFilter{}))
}

func TestAuditFailure_RollsBackTransition(t *testing.T) {
	sink := &memAudit{}
	m := NewManager(NewStore(), sink, &fakeTimers{}, nil, time.Minute)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now()))
	require.NoError(t, err)

	sink.fail = true
	_, err = m.Acknowledge(ctx, inc.ID, "op-1")
	require.Error(t, err)
	assert.False(t, IsStateConflict(err))

	got, _ := m.Store().Get(inc.ID)
	assert.Equal(t, StateOpen, got.State)
	assert.Len(t, got.Timeline, 1)
}

func TestRelabel_AppendsWithoutRewritingHistory(t *testing.T) {
	m, sink, _ := newTestManager(t)
	ctx := context.Background()

	e := evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", time.Now())
	inc, _, err := m.Ingest(ctx, e)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, inc.ID, "op-1", "")
	require.NoError(t, err)

	// Identity resolution can land after closeout.
	relabelled, err := m.Relabel(ctx, inc.ID, "op-2", "J. Doe")
	require.NoError(t, err)
	assert.Equal(t, "J. Doe", relabelled.Label)
	assert.Equal(t, StateResolved, relabelled.State)

	last := sink.entries[len(sink.entries)-1]
	assert.Equal(t, ActionIdentityRelabel, last.Action)
	assert.Equal(t, "unknown -> J. Doe", last.Note)

	// Earlier entries untouched.
	assert.Equal(t, ActionCreate, sink.entries[0].Action)
}

func TestConcurrentIngest_SingleIncidentPerKey(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now()

	key := events.BuildDedupKey("cam-1", events.KindPerson, "t1", base)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := evt("cam-1", events.KindPerson, events.SeverityNormal, "t1", base)
			e.DedupKey = key
			_, _, err := m.Ingest(ctx, e)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list := m.Store().List(ListFilter{})
	require.Len(t, list, 1)
	assert.Len(t, list[0].LinkedEventIDs, 32)
}

func TestEscalate_NotifiesEngine(t *testing.T) {
	m, _, timers := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)

	_, err = m.Escalate(ctx, inc.ID, "op-1")
	require.NoError(t, err)

	timers.mu.Lock()
	defer timers.mu.Unlock()
	assert.Equal(t, []uuid.UUID{inc.ID}, timers.escalated)
}

func TestAutoEscalateFromWake_EscalatesAcknowledged(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)
	_, err = m.Acknowledge(ctx, inc.ID, "op-1")
	require.NoError(t, err)

	// The plain timeout path refuses ACKNOWLEDGED; the spent snooze grace
	// must not.
	_, err = m.AutoEscalate(ctx, inc.ID)
	assert.True(t, IsStateConflict(err))

	got, err := m.AutoEscalateFromWake(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, got.State)
	assert.Equal(t, 1, got.EscalationCount)
}

func TestAutoEscalateFromWake_AbsorbedWhileSnoozed(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inc, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityHigh, "t1", time.Now()))
	require.NoError(t, err)
	_, err = m.Acknowledge(ctx, inc.ID, "op-1")
	require.NoError(t, err)
	_, err = m.Snooze(ctx, inc.ID, "op-1", time.Minute)
	require.NoError(t, err)

	// A stale grace timer racing a fresh snooze loses quietly.
	_, err = m.AutoEscalateFromWake(ctx, inc.ID)
	assert.True(t, IsStateConflict(err))
}

func TestStore_ListNewestFirst(t *testing.T) {
	base := time.Now()
	current := base
	m := NewManager(NewStore(), &memAudit{}, &fakeTimers{}, nil, time.Minute,
		WithClock(func() time.Time { return current }))
	ctx := context.Background()

	for i, track := range []string{"t1", "t2", "t3"} {
		current = base.Add(time.Duration(i) * time.Minute)
		_, _, err := m.Ingest(ctx, evt("cam-1", events.KindPerson, events.SeverityNormal, track, current))
		require.NoError(t, err)
	}

	list := m.Store().List(ListFilter{})
	require.Len(t, list, 3)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
	assert.True(t, list[1].CreatedAt.After(list[2].CreatedAt))
}
