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

type Config struct {
	ReconnectBackoff       time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	FailureWindow          time.Duration
	// A worker with no heartbeat for HeartbeatTimeoutMult times its expected
	// frame interval is marked DEGRADED even if its goroutine is alive.
	HeartbeatTimeoutMult int
}

func (c *Config) defaults() {
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 1500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 20 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 2 * time.Minute
	}
	if c.HeartbeatTimeoutMult <= 0 {
		c.HeartbeatTimeoutMult = 3
	}
}

// Snapshot is the aggregate worker census for dashboards.
type Snapshot struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Degraded int `json:"degraded"`
	Crashed  int `json:"crashed"`
	Stopped  int `json:"stopped"`
}

// Supervisor owns one isolated worker per registered camera: start, stop,
// health surfacing, restart with bounded backoff. Worker failures never
// propagate past this boundary.
type Supervisor struct {
	cfg     Config
	factory SourceFactory
	channel *events.Channel

	mu      sync.Mutex
	workers map[string]*worker

	// onState receives a state snapshot whenever the monitor observes it
	// (status cache / dashboard hook).
	onState func(WorkerState)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, factory SourceFactory, ch *events.Channel, onState func(WorkerState)) *Supervisor {
	cfg.defaults()
	if onState == nil {
		onState = func(WorkerState) {}
	}
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		channel:  ch,
		workers:  make(map[string]*worker),
		onState:  onState,
		stopChan: make(chan struct{}),
	}
}

// Register adds a camera without starting it.
func (s *Supervisor) Register(cam config.Camera) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[cam.ID]; ok {
		return fmt.Errorf("camera already registered: %s", cam.ID)
	}
	s.workers[cam.ID] = newWorker(cam, s.cfg, s.factory, s.channel)
	return nil
}

// Start launches the worker goroutine. Starting a running worker is a no-op;
// starting a CRASHED worker resets its failure budget (operator
// intervention).
func (s *Supervisor) Start(cameraID string) error {
	s.mu.Lock()
	w, ok := s.workers[cameraID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("camera not registered: %s", cameraID)
	}

	w.mu.Lock()
	if w.cancel != nil && !w.stopping && w.state.Status != StatusCrashed && w.state.Status != StatusStopped {
		w.mu.Unlock()
		return nil
	}
	if w.state.Status == StatusCrashed {
		w.state.ConsecutiveFailures = 0
		w.failureTimes = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.stopping = false
	w.state.Status = StatusStarting
	w.mu.Unlock()

	w.wg.Add(1)
	go w.supervise(ctx)
	log.Printf("Supervisor: worker %s started", cameraID)
	return nil
}

// Stop gracefully stops one worker. Events it already pushed into the
// ingestion channel stay queued; only the source loop is torn down.
func (s *Supervisor) Stop(cameraID string) error {
	s.mu.Lock()
	w, ok := s.workers[cameraID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("camera not registered: %s", cameraID)
	}

	w.mu.Lock()
	w.stopping = true
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		w.wg.Wait()
	}
	w.setStatus(StatusStopped, "")
	log.Printf("Supervisor: worker %s stopped", cameraID)
	return nil
}

// StartAllEnabled starts every enabled registered camera.
func (s *Supervisor) StartAllEnabled() {
	s.mu.Lock()
	var ids []string
	for id, w := range s.workers {
		if w.cam.Enabled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Start(id); err != nil {
			log.Printf("[ERROR] Supervisor: start %s: %v", id, err)
		}
	}
}

// StopAll stops the monitor and every worker.
func (s *Supervisor) StopAll() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.wg.Wait()

	s.mu.Lock()
	var ids []string
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Stop(id)
	}
}

// Status returns one worker's state snapshot.
func (s *Supervisor) Status(cameraID string) (WorkerState, bool) {
	s.mu.Lock()
	w, ok := s.workers[cameraID]
	s.mu.Unlock()
	if !ok {
		return WorkerState{}, false
	}
	return w.snapshot(), true
}

// List returns every worker's state.
func (s *Supervisor) List() []WorkerState {
	s.mu.Lock()
	ws := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	out := make([]WorkerState, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.snapshot())
	}
	return out
}

// Snapshot aggregates the census.
func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	for _, st := range s.List() {
		snap.Total++
		switch st.Status {
		case StatusRunning, StatusStarting:
			snap.Running++
		case StatusDegraded:
			snap.Degraded++
		case StatusCrashed:
			snap.Crashed++
		case StatusStopped:
			snap.Stopped++
		}
	}
	return snap
}

// Reconcile aligns running workers with a new config generation: register
// and start newly enabled cameras, stop disabled or removed ones.
func (s *Supervisor) Reconcile(gen *config.Generation) {
	desired := make(map[string]config.Camera)
	for _, cam := range gen.Config.Cameras {
		desired[cam.ID] = cam
	}

	s.mu.Lock()
	known := make(map[string]*worker, len(s.workers))
	for id, w := range s.workers {
		known[id] = w
	}
	s.mu.Unlock()

	for id, w := range known {
		cam, stillWanted := desired[id]
		if !stillWanted || !cam.Enabled {
			if st := w.snapshot(); st.Status != StatusStopped {
				_ = s.Stop(id)
			}
			continue
		}
	}

	for id, cam := range desired {
		if !cam.Enabled {
			continue
		}
		if _, ok := known[id]; !ok {
			if err := s.Register(cam); err != nil {
				log.Printf("[ERROR] Supervisor: reconcile register %s: %v", id, err)
				continue
			}
		}
		if st, ok := s.Status(id); ok && (st.Status == StatusStopped) {
			_ = s.Start(id)
		}
	}
}

// StartMonitor runs the heartbeat sweep: a RUNNING worker with a stale
// heartbeat is marked DEGRADED, and every observed state is pushed to the
// onState hook and the status gauges.
func (s *Supervisor) StartMonitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Supervisor) sweep() {
	s.mu.Lock()
	ws := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	counts := map[Status]int{}
	now := time.Now()

	for _, w := range ws {
		w.mu.Lock()
		if w.state.Status == StatusRunning {
			expected := w.minEmitInterval
			timeout := expected * time.Duration(s.cfg.HeartbeatTimeoutMult)
			if timeout < time.Second {
				timeout = time.Second
			}
			if now.Sub(w.state.LastHeartbeatAt) > timeout {
				w.state.Status = StatusDegraded
				w.state.LastError = "heartbeat timeout"
			}
		}
		st := w.state
		w.mu.Unlock()

		counts[st.Status]++
		s.onState(st)
	}

	for _, status := range []Status{StatusStarting, StatusRunning, StatusDegraded, StatusCrashed, StatusStopped} {
		metrics.WorkersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
