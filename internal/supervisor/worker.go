package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/metrics"
)

type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusDegraded Status = "DEGRADED"
	StatusCrashed  Status = "CRASHED"
	StatusStopped  Status = "STOPPED"
)

// WorkerState is owned and mutated only by the supervisor; every other
// component reads snapshots.
type WorkerState struct {
	CameraID            string    `json:"camera_id"`
	Status              Status    `json:"status"`
	RestartCount        int       `json:"restart_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	LastError           string    `json:"last_error,omitempty"`
	FPSEstimate         float64   `json:"fps_estimate"`
	EventsTotal         uint64    `json:"events_total"`
	DroppedTotal        uint64    `json:"dropped_total"`
}

// Source is the capability contract for whatever acquires frames and runs
// inference behind a camera. USB/RTSP/IP details are the implementation's
// concern; the worker only needs open/next/close.
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (*events.Event, error)
	Close() error
}

// SourceFactory builds a fresh Source per (re)connect attempt.
type SourceFactory func(cam config.Camera) Source

// worker is one isolated ingestion unit. An unhandled failure inside it
// (including a panic in the source) is contained here and turned into a
// restart; nothing propagates past the supervisor boundary.
type worker struct {
	cam     config.Camera
	cfg     Config
	factory SourceFactory
	channel *events.Channel

	mu    sync.Mutex
	state WorkerState
	// failures inside cfg.FailureWindow, for the CRASHED decision
	failureTimes []time.Time

	cancel   context.CancelFunc
	stopping bool
	wg       sync.WaitGroup

	// FPS limiting and estimate, carried over from the capture prototype.
	minEmitInterval time.Duration
	lastEmit        time.Time
	fpsWindowStart  time.Time
	fpsWindowCount  int
}

func newWorker(cam config.Camera, cfg Config, factory SourceFactory, ch *events.Channel) *worker {
	fps := cam.FPSLimit
	if fps < 1 {
		fps = 1
	}
	return &worker{
		cam:             cam,
		cfg:             cfg,
		factory:         factory,
		channel:         ch,
		minEmitInterval: time.Second / time.Duration(fps),
		state: WorkerState{
			CameraID: cam.ID,
			Status:   StatusStopped,
		},
	}
}

func (w *worker) snapshot() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setStatus(s Status, lastErr string) {
	w.mu.Lock()
	w.state.Status = s
	if lastErr != "" {
		w.state.LastError = lastErr
	}
	w.mu.Unlock()
}

// supervise restarts runOnce with exponential backoff until stopped or the
// failure budget is exhausted. Runs on its own goroutine per camera.
func (w *worker) supervise(ctx context.Context) {
	defer w.wg.Done()

	backoff := w.cfg.ReconnectBackoff

	for {
		err := w.runOnce(ctx)

		w.mu.Lock()
		stopping := w.stopping
		w.mu.Unlock()

		if stopping || ctx.Err() != nil {
			w.setStatus(StatusStopped, "")
			return
		}

		if err == nil {
			// Source drained cleanly; treat as a reconnect, not a failure.
			err = fmt.Errorf("source closed")
		}

		if w.recordFailure(err) {
			log.Printf("[ERROR] Worker %s: %d consecutive failures within %s, giving up (CRASHED)",
				w.cam.ID, w.cfg.MaxConsecutiveFailures, w.cfg.FailureWindow)
			w.setStatus(StatusCrashed, err.Error())
			return
		}

		metrics.WorkerRestarts.WithLabelValues(w.cam.ID).Inc()
		log.Printf("Worker %s: restarting in %s after: %v", w.cam.ID, backoff, err)

		select {
		case <-ctx.Done():
			w.setStatus(StatusStopped, "")
			return
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * 1.6)
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

// recordFailure bumps the counters and reports whether the worker should
// transition to CRASHED instead of restarting.
func (w *worker) recordFailure(err error) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.RestartCount++
	w.state.ConsecutiveFailures++
	w.state.LastError = err.Error()
	w.state.Status = StatusDegraded

	w.failureTimes = append(w.failureTimes, now)
	cutoff := now.Add(-w.cfg.FailureWindow)
	trimmed := w.failureTimes[:0]
	for _, t := range w.failureTimes {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	w.failureTimes = trimmed

	return len(w.failureTimes) >= w.cfg.MaxConsecutiveFailures
}

// runOnce opens the source and pumps events until an error, stop, or context
// cancellation. Panics in the source are converted to errors here.
func (w *worker) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	w.setStatus(StatusStarting, "")

	src := w.factory(w.cam)
	if err := src.Open(ctx); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	w.mu.Lock()
	w.state.Status = StatusRunning
	w.state.LastError = ""
	w.state.LastHeartbeatAt = time.Now()
	w.fpsWindowStart = time.Now()
	w.fpsWindowCount = 0
	w.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		e, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.mu.Lock()
			w.state.DroppedTotal++
			w.mu.Unlock()
			return fmt.Errorf("read event: %w", err)
		}
		if e == nil {
			continue
		}

		now := time.Now()
		w.heartbeat(now)

		// FPS limiting: do not overwhelm the channel with one noisy camera.
		if now.Sub(w.lastEmit) < w.minEmitInterval {
			continue
		}
		w.lastEmit = now

		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = now
		}
		if e.DedupKey == "" {
			e.DedupKey = events.BuildDedupKey(e.CameraID, e.Kind, e.TrackID, e.OccurredAt)
		}

		if err := w.channel.Publish(e); err != nil {
			w.mu.Lock()
			w.state.DroppedTotal++
			w.mu.Unlock()
			continue
		}

		metrics.EventsIngested.WithLabelValues(w.cam.ID).Inc()
		w.mu.Lock()
		w.state.EventsTotal++
		// A successful emit resets the failure streak.
		w.state.ConsecutiveFailures = 0
		w.failureTimes = w.failureTimes[:0]
		w.mu.Unlock()
	}
}

func (w *worker) heartbeat(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.LastHeartbeatAt = now
	if w.state.Status == StatusDegraded {
		w.state.Status = StatusRunning
	}

	w.fpsWindowCount++
	if dt := now.Sub(w.fpsWindowStart); dt >= time.Second {
		w.state.FPSEstimate = float64(w.fpsWindowCount) / dt.Seconds()
		w.fpsWindowCount = 0
		w.fpsWindowStart = now
	}
}
