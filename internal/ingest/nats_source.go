package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/guardian/internal/config"
	"github.com/technosupport/guardian/internal/events"
	"github.com/technosupport/guardian/internal/supervisor"
)

// NATSSource adapts a per-camera NATS subject to the supervisor's Source
// contract. Vision collaborators publish normalized events on
// <prefix>.<camera_id>; the worker pulls them off the subscription.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	cam     config.Camera

	sub *nats.Subscription
	ch  chan *nats.Msg
}

// Factory returns a supervisor.SourceFactory bound to one NATS connection.
func Factory(conn *nats.Conn, subjectPrefix string) supervisor.SourceFactory {
	return func(cam config.Camera) supervisor.Source {
		return &NATSSource{
			conn:    conn,
			subject: fmt.Sprintf("%s.%s", subjectPrefix, cam.ID),
			cam:     cam,
		}
	}
}

func (s *NATSSource) Open(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := s.conn.ChanSubscribe(s.subject, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.ch = ch
	return nil
}

func (s *NATSSource) Next(ctx context.Context) (*events.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-s.ch:
			if !ok {
				return nil, fmt.Errorf("subscription closed")
			}
			e, err := decode(msg.Data, s.cam.ID)
			if err != nil {
				// Malformed payloads are a producer bug, not a worker
				// failure; skip and keep reading.
				continue
			}
			return e, nil
		}
	}
}

func (s *NATSSource) Close() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}

func decode(data []byte, cameraID string) (*events.Event, error) {
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.EventID == uuid.Nil {
		return nil, fmt.Errorf("event without id")
	}
	if e.CameraID == "" {
		e.CameraID = cameraID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if e.Severity.Rank() == 0 {
		e.Severity = events.SeverityNormal
	}
	return &e, nil
}
