package pubsub

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/net/websocket"
)

// DebugServer mirrors Broker topics to browser websocket clients for
// development, adapted directly from the teacher's uibroadcaster +
// webserver pair: one goroutine per topic drains a Subscriber and fans
// each payload out to every connected socket, pruning sockets whose
// write fails or times out.
type DebugServer struct {
	broker *Broker
	mu     deadlock.Mutex
	socks  map[string][]*websocket.Conn
}

// NewDebugServer wires a websocket handler for each topic under
// /debug/ws/<topic> onto mux, and starts the mirror goroutines.
func NewDebugServer(broker *Broker, mux *http.ServeMux, topics ...string) *DebugServer {
	d := &DebugServer{broker: broker, socks: map[string][]*websocket.Conn{}}
	for _, topic := range topics {
		t := topic
		mux.Handle("/debug/ws/"+t, websocket.Handler(func(conn *websocket.Conn) {
			d.handle(t, conn)
		}))
		go d.mirror(t)
	}
	return d
}

func (d *DebugServer) handle(topic string, conn *websocket.Conn) {
	d.mu.Lock()
	d.socks[topic] = append(d.socks[topic], conn)
	d.mu.Unlock()

	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
}

func (d *DebugServer) mirror(topic string) {
	sub := d.broker.Subscriber(topic, 64)
	defer sub.Close()

	for {
		payload, err := sub.Receive(context.Background(), 1*time.Second)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return
		}
		d.broadcast(topic, payload)
	}
}

func (d *DebugServer) broadcast(topic string, payload []byte) {
	d.mu.Lock()
	conns := d.socks[topic]
	d.mu.Unlock()

	live := make([]*websocket.Conn, 0, len(conns))
	for _, sock := range conns {
		_ = sock.SetWriteDeadline(time.Now().Add(1 * time.Second))
		if _, err := sock.Write(payload); err == nil {
			live = append(live, sock)
		} else {
			log.Printf("pubsub: dropping debug websocket client on %s: %v", topic, err)
		}
	}

	d.mu.Lock()
	d.socks[topic] = live
	d.mu.Unlock()
}
