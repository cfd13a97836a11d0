package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/guardian/internal/events"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failures  int
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("nats timeout")
	}
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[subject] = append(p.published[subject], data)
	return nil
}

func (p *fakePublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published[subject])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatch_PublishesRequest(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "guardian.notify", "guardian.capture", 16, 3)
	d.Start()
	defer d.Stop()

	req := Request{
		IncidentID: uuid.New(),
		CameraID:   "cam-1",
		Severity:   events.SeverityHigh,
		Targets:    []string{"ops"},
		Reason:     "ack_timeout",
	}
	d.Dispatch(req)

	waitFor(t, func() bool { return pub.count("guardian.notify") == 1 })

	var got Request
	require.NoError(t, json.Unmarshal(pub.published["guardian.notify"][0], &got))
	assert.Equal(t, req.IncidentID, got.IncidentID)
	assert.Equal(t, "ack_timeout", got.Reason)
	assert.False(t, got.RequestedAt.IsZero())
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	d := NewDispatcher(pub, "guardian.notify", "guardian.capture", 16, 3)
	d.Start()
	defer d.Stop()

	d.Dispatch(Request{IncidentID: uuid.New(), CameraID: "cam-1"})

	waitFor(t, func() bool { return pub.count("guardian.notify") == 1 })
}

func TestDispatchCapture_UsesCaptureSubject(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "guardian.notify", "guardian.capture", 16, 3)
	d.Start()
	defer d.Stop()

	d.DispatchCapture(CaptureRequest{IncidentID: uuid.New(), CameraID: "cam-1"})

	waitFor(t, func() bool { return pub.count("guardian.capture") == 1 })
	assert.Equal(t, 0, pub.count("guardian.notify"))
}

func TestDispatch_FullQueueDropsWithoutBlocking(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, "guardian.notify", "guardian.capture", 1, 0)
	// Not started: the queue fills and excess must be dropped, not block.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Dispatch(Request{IncidentID: uuid.New()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
}
