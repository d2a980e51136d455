package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := NewBroker()
	sub := b.Subscriber("can", 4)
	defer sub.Close()
	pub := b.Publisher("can")

	if err := pub.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := sub.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReceiveTimesOutWithNoPublisher(t *testing.T) {
	b := NewBroker()
	sub := b.Subscriber("can", 1)
	defer sub.Close()

	_, err := sub.Receive(context.Background(), 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSlowSubscriberDropsRatherThanBlocksPublisher(t *testing.T) {
	b := NewBroker()
	sub := b.Subscriber("can", 1)
	defer sub.Close()
	pub := b.Publisher("can")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			pub.Send([]byte{byte(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a slow subscriber instead of dropping")
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := NewBroker()
	canSub := b.Subscriber("can", 1)
	stateSub := b.Subscriber("pandaState", 1)
	defer canSub.Close()
	defer stateSub.Close()

	b.Publisher("can").Send([]byte("can-data"))

	if _, err := stateSub.Receive(context.Background(), 10*time.Millisecond); err != ErrTimeout {
		t.Fatalf("pandaState subscriber received a can publish: err=%v", err)
	}
}
