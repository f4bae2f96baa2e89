package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/types"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	payloads  [][]byte
	failures  int
	connected bool
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	f.published = append(f.published, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testEvent() *types.ReservationEvent {
	return &types.ReservationEvent{
		ActivityID: "a1",
		UserID:     "u1",
		Quantity:   1,
		Sequence:   42,
		OrderID:    "ord-42",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestDispatchPublishesToActivitySubject(t *testing.T) {
	pub := &fakePublisher{connected: true}
	d := NewWithPublisher(pub, 8, zerolog.Nop())
	defer d.Close()

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 || pub.published[0] != "seckill.reservations.a1" {
		t.Fatalf("published subjects = %v", pub.published)
	}
	var ev types.ReservationEvent
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.OrderID != "ord-42" || ev.Sequence != 42 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	pub := &fakePublisher{connected: true, failures: 2}
	d := NewWithPublisher(pub, 8, zerolog.Nop())
	defer d.Close()

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("Dispatch after transient failures: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published = %d, want 1", pub.count())
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	pub := &fakePublisher{connected: true, failures: maxAttempts + 1}
	d := NewWithPublisher(pub, 8, zerolog.Nop())
	defer d.Close()

	err := d.Dispatch(context.Background(), testEvent())
	if types.CodeOf(err) != types.CodeBrokerUnavailable {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeBrokerUnavailable)
	}
}

func TestDispatchHonoursContextCancellation(t *testing.T) {
	pub := &fakePublisher{connected: true, failures: maxAttempts + 1}
	d := NewWithPublisher(pub, 8, zerolog.Nop())
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Dispatch(ctx, testEvent())
	if types.CodeOf(err) != types.CodeDeadlineExceeded {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeDeadlineExceeded)
	}
}

func TestDispatchParksWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	d := NewWithPublisher(pub, 8, zerolog.Nop())
	defer d.Close()

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("Dispatch while disconnected: %v", err)
	}
	if pub.count() != 0 {
		t.Fatal("event published while disconnected")
	}
	if len(d.buffer) != 1 {
		t.Fatalf("buffer length = %d, want 1", len(d.buffer))
	}

	pub.mu.Lock()
	pub.connected = true
	pub.mu.Unlock()
	d.signalDrain()

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("buffered event never drained after reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.published[0] != "seckill.reservations.a1" {
		t.Fatalf("drained subject = %s", pub.published[0])
	}
}

func TestDispatchFailsWhenBufferFull(t *testing.T) {
	pub := &fakePublisher{connected: false}
	d := NewWithPublisher(pub, 1, zerolog.Nop())
	defer d.Close()

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	err := d.Dispatch(context.Background(), testEvent())
	if types.CodeOf(err) != types.CodeBrokerUnavailable {
		t.Fatalf("code = %s, want %s", types.CodeOf(err), types.CodeBrokerUnavailable)
	}
	if len(d.buffer) != 1 {
		t.Fatalf("buffer length = %d, want the earlier event kept", len(d.buffer))
	}
}
