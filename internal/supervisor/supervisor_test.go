package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/events"
)

// scriptedSource runs a per-attempt script: emit n events, then fail, panic
// or block until cancelled.
type scriptedSource struct {
	emit    int
	mode    string // "fail", "panic", "block"
	openErr error

	sent int
}

func (s *scriptedSource) Open(ctx context.Context) error { return s.openErr }

func (s *scriptedSource) Next(ctx context.Context) (*events.Event, error) {
	if s.sent < s.emit {
		s.sent++
		// Pace below the worker's FPS limit so nothing is rate-dropped.
		time.Sleep(20 * time.Millisecond)
		return &events.Event{
			EventID:    uuid.New(),
			CameraID:   "cam-1",
			Kind:       events.KindPerson,
			Severity:   events.SeverityNormal,
			OccurredAt: time.Now(),
		}, nil
	}
	switch s.mode {
	case "panic":
		panic("decoder blew up")
	case "block":
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, errors.New("stream reset")
	}
}

func (s *scriptedSource) Close() error { return nil }

type countingFactory struct {
	mu       sync.Mutex
	attempts int
	build    func() Source
}

func (f *countingFactory) factory(config.Camera) Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.build()
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testCam() config.Camera {
	return config.Camera{ID: "cam-1", Name: "Test", Type: "RTSP", Source: "rtsp://h/1", Enabled: true, FPSLimit: 60}
}

func fastCfg() Config {
	return Config{
		ReconnectBackoff:       5 * time.Millisecond,
		MaxBackoff:             20 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		FailureWindow:          time.Minute,
		HeartbeatTimeoutMult:   3,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorker_EmitsIntoChannel(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{emit: 3, mode: "block"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	waitFor(t, func() bool { return ch.Len() == 3 })

	st, ok := s.Status("cam-1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, uint64(3), st.EventsTotal)
}

func TestWorker_RestartsWithBackoffAfterFailure(t *testing.T) {
	ch := events.NewChannel(64, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{emit: 1} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	// Each attempt emits once then fails; a successful emit resets the
	// failure streak so the worker keeps restarting.
	waitFor(t, func() bool { return f.count() >= 3 })

	st, _ := s.Status("cam-1")
	assert.GreaterOrEqual(t, st.RestartCount, 2)
	assert.NotEqual(t, StatusCrashed, st.Status)
}

func TestWorker_CrashesAfterFailureBudget(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{openErr: errors.New("no route to camera")} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	waitFor(t, func() bool {
		st, _ := s.Status("cam-1")
		return st.Status == StatusCrashed
	})

	st, _ := s.Status("cam-1")
	assert.Contains(t, st.LastError, "no route to camera")

	// No further attempts once CRASHED.
	n := f.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, f.count())
}

func TestWorker_PanicIsContained(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{mode: "panic"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	// The panic becomes a failure, then CRASHED; the process survives.
	waitFor(t, func() bool {
		st, _ := s.Status("cam-1")
		return st.Status == StatusCrashed
	})
	st, _ := s.Status("cam-1")
	assert.Contains(t, st.LastError, "worker panic")
}

func TestWorker_StartAfterCrashResetsBudget(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{openErr: errors.New("down")} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	waitFor(t, func() bool {
		st, _ := s.Status("cam-1")
		return st.Status == StatusCrashed
	})

	// Operator intervention: start again, the worker retries from scratch.
	require.NoError(t, s.Start("cam-1"))
	waitFor(t, func() bool {
		st, _ := s.Status("cam-1")
		return st.Status == StatusCrashed
	})
}

func TestWorker_GracefulStopKeepsQueuedEvents(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{emit: 2, mode: "block"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))

	waitFor(t, func() bool { return ch.Len() == 2 })
	require.NoError(t, s.Stop("cam-1"))

	st, _ := s.Status("cam-1")
	assert.Equal(t, StatusStopped, st.Status)

	// Accepted events survive the stop.
	assert.Equal(t, 2, ch.Len())
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{mode: "block"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	waitFor(t, func() bool { return f.count() == 1 })
	require.NoError(t, s.Start("cam-1"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.count())
}

func TestSupervisor_Reconcile(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{mode: "block"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	cam := testCam()
	require.NoError(t, s.Register(cam))
	require.NoError(t, s.Start(cam.ID))
	defer s.StopAll()

	// New generation disables cam-1 and introduces cam-2.
	cam2 := config.Camera{ID: "cam-2", Name: "Second", Type: "RTSP", Source: "rtsp://h/2", Enabled: true, FPSLimit: 60}
	disabled := cam
	disabled.Enabled = false
	gen := &config.Generation{Config: &config.Config{Cameras: []config.Camera{disabled, cam2}}}

	s.Reconcile(gen)

	waitFor(t, func() bool {
		st1, _ := s.Status("cam-1")
		st2, ok := s.Status("cam-2")
		return st1.Status == StatusStopped && ok && st2.Status != StatusStopped
	})
}

func TestSupervisor_Snapshot(t *testing.T) {
	ch := events.NewChannel(16, nil)
	f := &countingFactory{build: func() Source { return &scriptedSource{mode: "block"} }}
	s := New(fastCfg(), f.factory, ch, nil)

	require.NoError(t, s.Register(testCam()))
	require.NoError(t, s.Register(config.Camera{ID: "cam-2", Name: "B", Type: "USB", Source: "0", FPSLimit: 10}))
	require.NoError(t, s.Start("cam-1"))
	defer s.StopAll()

	waitFor(t, func() bool {
		st, _ := s.Status("cam-1")
		return st.Status == StatusRunning
	})

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Stopped)
}
