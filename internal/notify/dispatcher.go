package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/metrics"
)

// Request is what the core hands to the dispatch boundary. Delivery mechanics
// (email, Slack, webhooks) live behind the transport subjects; the boundary
// only guarantees a bounded local retry and never blocks the caller.
type Request struct {
	IncidentID  uuid.UUID       `json:"incident_id"`
	CameraID    string          `json:"camera_id"`
	Severity    events.Severity `json:"severity"`
	Targets     []string        `json:"targets,omitempty"`
	Reason      string          `json:"reason"` // "ack_timeout", "re_escalate", ...
	SnapshotRef string          `json:"snapshot_ref,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// CaptureRequest asks the media plane for a snapshot/clip of an incident.
type CaptureRequest struct {
	IncidentID  uuid.UUID `json:"incident_id"`
	CameraID    string    `json:"camera_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Dispatcher is the asynchronous notifier boundary. Requests are queued
// without blocking; a worker publishes them with bounded retry/backoff.
// Exhausted retries are logged and counted, never surfaced to incident flow.
type Dispatcher struct {
	pub            Publisher
	notifySubject  string
	captureSubject string
	maxRetries     int

	queue    chan envelope
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type envelope struct {
	subject string
	payload interface{}
}

func NewDispatcher(pub Publisher, notifySubject, captureSubject string, queueSize, maxRetries int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Dispatcher{
		pub:            pub,
		notifySubject:  notifySubject,
		captureSubject: captureSubject,
		maxRetries:     maxRetries,
		queue:          make(chan envelope, queueSize),
		stopChan:       make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains nothing: queued requests not yet published are dropped with a
// log line. Delivery is best-effort by contract.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	d.wg.Wait()
}

// Dispatch enqueues a notification request. Fire-and-forget: a full queue
// drops the request rather than stalling the caller.
func (d *Dispatcher) Dispatch(req Request) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	d.enqueue(envelope{subject: d.notifySubject, payload: req})
}

// DispatchCapture requests a snapshot/clip from the media plane.
func (d *Dispatcher) DispatchCapture(req CaptureRequest) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	d.enqueue(envelope{subject: d.captureSubject, payload: req})
}

func (d *Dispatcher) enqueue(env envelope) {
	select {
	case d.queue <- env:
	default:
		metrics.NotifyFailures.Inc()
		log.Printf("[ERROR] Notifier: queue full, dropping request on %s", env.subject)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case env := <-d.queue:
			if err := d.publish(env); err != nil {
				metrics.NotifyFailures.Inc()
				log.Printf("[ERROR] Notifier: %v", err)
			}
		}
	}
}

func (d *Dispatcher) publish(env envelope) error {
	data, err := json.Marshal(env.payload)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= d.maxRetries; i++ {
		err = d.pub.Publish(env.subject, data)
		if err == nil {
			return nil
		}
		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish to %s failed after %d retries: %w", env.subject, d.maxRetries, err)
}
