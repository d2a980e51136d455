// Package pubsub implements the publish/subscribe channel abstraction
// boardd's loops use to move "can", "pandaState", "ubloxRaw", "sendcan",
// "deviceState", and "driverCameraState" messages (spec.md §6). The wire
// format is opaque to every other package; Broker is one concrete,
// in-process implementation, fanning raw bytes to per-topic
// subscribers the same way the teacher's uibroadcaster fans JSON
// messages to websocket clients.
package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// ErrTimeout is returned by Subscriber.Receive when no message arrived
// within the requested timeout.
var ErrTimeout = errors.New("pubsub: receive timeout")

// ErrClosed is returned by Subscriber.Receive once that subscriber has
// been closed.
var ErrClosed = errors.New("pubsub: closed")

// Publisher publishes opaque framed messages on one topic.
type Publisher interface {
	Send(payload []byte) error
}

// Subscriber receives opaque framed messages from one topic.
type Subscriber interface {
	// Receive blocks up to timeout for the next message. A timeout of
	// 0 means return immediately if nothing is queued.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Broker is an in-process pub/sub hub: one buffered channel per
// subscriber, filled directly by the publisher's Send (non-blocking),
// with a deadlock-detecting mutex over each topic's subscriber list — the structure of
// the teacher's uibroadcaster, generalized from one websocket-only sink
// to an arbitrary number of typed Go-channel subscribers plus an
// optional websocket debug mirror (see debugws.go).
type Broker struct {
	mu     deadlock.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   deadlock.Mutex
	subs []chan []byte
	last []byte // most recent payload; the debug mirror does not replay it to late joiners
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{topics: map[string]*topic{}}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Publisher returns a Publisher bound to name.
func (b *Broker) Publisher(name string) Publisher {
	return &brokerPublisher{t: b.topicFor(name)}
}

// Subscriber returns a Subscriber bound to name with the given buffer
// depth (messages dropped if the subscriber falls behind — boardd's
// consumers only ever care about the most recent state, matching the
// 100ms/1s timeout semantics spec.md describes rather than a durable
// queue).
func (b *Broker) Subscriber(name string, buffer int) Subscriber {
	t := b.topicFor(name)
	ch := make(chan []byte, buffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return &brokerSubscriber{t: t, ch: ch}
}

type brokerPublisher struct {
	t *topic
}

func (p *brokerPublisher) Send(payload []byte) error {
	p.t.mu.Lock()
	p.t.last = payload
	subs := p.t.subs
	p.t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Subscriber is behind; drop rather than block the
			// publisher, matching boardd's "consumers only want the
			// latest" semantics.
		}
	}
	return nil
}

type brokerSubscriber struct {
	t  *topic
	ch chan []byte
}

func (s *brokerSubscriber) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		select {
		case payload, ok := <-s.ch:
			if !ok {
				return nil, ErrClosed
			}
			return payload, nil
		default:
			return nil, ErrTimeout
		}
	}
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case payload, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *brokerSubscriber) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for i, ch := range s.t.subs {
		if ch == s.ch {
			s.t.subs = append(s.t.subs[:i], s.t.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
