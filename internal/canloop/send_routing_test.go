package canloop

import (
	"context"
	"testing"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/supervisor"
)

func newRoutingSupervisor(t *testing.T, main, aux *fakeBoard) *supervisor.Supervisor {
	t.Helper()
	sup := &supervisor.Supervisor{
		Main: &board.Handle{Board: main},
	}
	if aux != nil {
		sup.Aux = &board.Handle{Board: aux}
	}
	return sup
}

func publishSendCan(t *testing.T, pub pubsub.Publisher, frames []message.CanFrame) {
	t.Helper()
	payload, err := message.Encode(message.SendCanEvent{
		LogMonoTime: time.Now(),
		Frames:      frames,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := pub.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// TestSendRoutesToMainWhenMainShiftZero exercises the default routing:
// main_shift 0 means every sendcan batch goes to the main board.
func TestSendRoutesToMainWhenMainShiftZero(t *testing.T) {
	main := &fakeBoard{connected: true}
	aux := &fakeBoard{connected: true}
	sup := newRoutingSupervisor(t, main, aux)
	sup.MainShift.Store(0)

	broker := pubsub.NewBroker()
	pub := broker.Publisher("sendcan")
	sub := broker.Subscriber("sendcan", 4)
	defer sub.Close()

	publishSendCan(t, pub, []message.CanFrame{{Address: 0x1, Data: []byte{1}}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		main.connected = false
	}()
	Send(context.Background(), sup, sub, false)

	if len(main.sent) != 1 {
		t.Fatalf("main.sent = %d batches, want 1", len(main.sent))
	}
	if len(aux.sent) != 0 {
		t.Fatalf("aux.sent = %d batches, want 0", len(aux.sent))
	}
}

// TestSendRoutesToAuxUnderAuxCanDrive exercises the AUX_CAN_DRIVE
// routing: a non-zero main_shift means boardd's own bus is the aux
// one, so sendcan batches are forwarded to the aux board instead.
func TestSendRoutesToAuxUnderAuxCanDrive(t *testing.T) {
	main := &fakeBoard{connected: true}
	aux := &fakeBoard{connected: true}
	sup := newRoutingSupervisor(t, main, aux)
	sup.MainShift.Store(3)

	broker := pubsub.NewBroker()
	pub := broker.Publisher("sendcan")
	sub := broker.Subscriber("sendcan", 4)
	defer sub.Close()

	publishSendCan(t, pub, []message.CanFrame{{Address: 0x2, Data: []byte{2}}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		main.connected = false
	}()
	Send(context.Background(), sup, sub, false)

	if len(aux.sent) != 1 {
		t.Fatalf("aux.sent = %d batches, want 1", len(aux.sent))
	}
	if len(main.sent) != 0 {
		t.Fatalf("main.sent = %d batches, want 0", len(main.sent))
	}
}

// TestSendDropsStaleBatchBeforeRouting confirms a stale sendcan event
// never reaches either board, regardless of main_shift.
func TestSendDropsStaleBatchBeforeRouting(t *testing.T) {
	main := &fakeBoard{connected: true}
	sup := newRoutingSupervisor(t, main, nil)
	sup.MainShift.Store(0)

	broker := pubsub.NewBroker()
	pub := broker.Publisher("sendcan")
	sub := broker.Subscriber("sendcan", 4)
	defer sub.Close()

	payload, err := message.Encode(message.SendCanEvent{
		LogMonoTime: time.Now().Add(-2 * time.Second),
		Frames:      []message.CanFrame{{Address: 0x3, Data: []byte{3}}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := pub.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		main.connected = false
	}()
	Send(context.Background(), sup, sub, false)

	if len(main.sent) != 0 {
		t.Fatalf("main.sent = %d batches, want 0 for a stale event", len(main.sent))
	}
}
