package gpsloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/supervisor"
)

type fakeConnectedBoard struct {
	board.Board // embed nil; every method we don't override panics if called
	connected   atomic.Bool
}

func (f *fakeConnectedBoard) Connected() bool { return f.connected.Load() }

type fakePigeon struct {
	initCount int32
	data      chan []byte
}

func (p *fakePigeon) Init(ctx context.Context) error {
	atomic.AddInt32(&p.initCount, 1)
	return nil
}
func (p *fakePigeon) SetPower(ctx context.Context, on bool) error { return nil }
func (p *fakePigeon) Stop(ctx context.Context) error              { return nil }
func (p *fakePigeon) Receive(ctx context.Context) ([]byte, error) {
	select {
	case d := <-p.data:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type noopPublisher struct{}

func (noopPublisher) Send(payload []byte) error { return nil }

func TestRunPowersOnImmediatelyOnIgnitionRisingEdge(t *testing.T) {
	fb := &fakeConnectedBoard{}
	fb.connected.Store(true)
	sup := &supervisor.Supervisor{Main: &board.Handle{Board: fb}}
	sup.Ignition.Store(true)

	pigeon := &fakePigeon{data: make(chan []byte)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, sup, pigeon, noopPublisher{})
		close(done)
	}()

	// The old behavior gated the real power-on/Init call behind a 10s
	// wall-clock wait from Run's entry; if that regresses, this short
	// wait will observe initCount still at 0.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&pigeon.initCount) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&pigeon.initCount) == 0 {
		t.Fatal("pigeon was not initialized promptly on the ignition rising edge")
	}

	sup.ExitRequested.Store(true)
	<-done
}

func TestRunReinitializesOnNullBytePayload(t *testing.T) {
	fb := &fakeConnectedBoard{}
	fb.connected.Store(true)
	sup := &supervisor.Supervisor{Main: &board.Handle{Board: fb}}
	sup.Ignition.Store(true)

	pigeon := &fakePigeon{data: make(chan []byte, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, sup, pigeon, noopPublisher{})
		close(done)
	}()

	waitForInitCount(t, pigeon, 1)

	pigeon.data <- []byte{0x00, 0xaa, 0xbb}

	waitForInitCount(t, pigeon, 2)

	sup.ExitRequested.Store(true)
	<-done
}

func waitForInitCount(t *testing.T, pigeon *fakePigeon, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&pigeon.initCount) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("initCount = %d, want >= %d", atomic.LoadInt32(&pigeon.initCount), want)
}
