package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	pubErr   error
	flushes  int
	drained  bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) FlushTimeout(time.Duration) error {
	f.flushes++
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherSubjectPerStatus(t *testing.T) {
	nc := &fakeNATS{}
	p := newNATSPublisher(nc, "")

	err := p.Publish(context.Background(), SessionEvent{SessionID: "s-1", Status: "completed", Destination: "Louvre"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(nc.subjects) != 1 || nc.subjects[0] != "wayfarer.session.completed" {
		t.Fatalf("subjects = %v, want [wayfarer.session.completed]", nc.subjects)
	}
	var got SessionEvent
	if err := json.Unmarshal(nc.payloads[0], &got); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if got.Destination != "Louvre" || got.At.IsZero() {
		t.Fatalf("payload = %+v, want destination and timestamp", got)
	}
	if nc.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", nc.flushes)
	}
	if err := p.Close(); err != nil || !nc.drained {
		t.Fatalf("Close() should drain the connection")
	}
}

func TestNATSPublisherWrapsPublishError(t *testing.T) {
	down := errors.New("nats: connection closed")
	p := newNATSPublisher(&fakeNATS{pubErr: down}, "custom")
	err := p.Publish(context.Background(), SessionEvent{Status: "error"})
	if !errors.Is(err, down) {
		t.Fatalf("err = %v, want wrapped publish error", err)
	}
}

func TestSubjectUnknownStatus(t *testing.T) {
	if got := Subject("x", SessionEvent{}); got != "x.unknown" {
		t.Fatalf("Subject() = %q, want x.unknown", got)
	}
}
