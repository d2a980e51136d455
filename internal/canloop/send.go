package canloop

import (
	"context"
	"log"
	"time"

	"github.com/commaai/boardd/internal/canenc"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/supervisor"
)

const sendSubscribeTimeout = 100 * time.Millisecond
const staleThreshold = 1 * time.Second

// Send runs the CAN send loop: blocks on the "sendcan" subscriber with
// a 100ms timeout, discards batches whose embedded log timestamp is
// older than 1s, and otherwise forwards to main or aux depending on
// main_shift (spec.md §4.3). fakeSend still drains the subscriber but
// never calls the board, matching FAKESEND.
func Send(ctx context.Context, sup *supervisor.Supervisor, sub pubsub.Subscriber, fakeSend bool) {
	log.Printf("canloop: start send loop")

	for !sup.ExitRequested.Load() && sup.Main.Board.Connected() {
		payload, err := sub.Receive(ctx, sendSubscribeTimeout)
		if err != nil {
			if err == pubsub.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				sup.ExitRequested.Store(true)
				return
			}
			log.Printf("canloop: sendcan receive failed: %v", err)
			sup.ExitRequested.Store(true)
			return
		}

		evt, err := decodeSendCan(payload)
		if err != nil {
			log.Printf("canloop: malformed sendcan message: %v", err)
			continue
		}

		if time.Since(evt.LogMonoTime) >= staleThreshold {
			continue // silently dropped, per spec.md §3 invariant
		}

		if fakeSend {
			continue
		}

		batch := canenc.EncodeBatch(evt.Frames)
		if sup.MainShift.Load() == 0 {
			if err := sup.Main.Board.CanSend(ctx, batch); err != nil {
				log.Printf("canloop: main CanSend failed: %v", err)
			}
		} else if sup.Aux != nil {
			if err := sup.Aux.Board.CanSend(ctx, batch); err != nil {
				log.Printf("canloop: aux CanSend failed: %v", err)
			}
		}
	}
}

func decodeSendCan(payload []byte) (message.SendCanEvent, error) {
	var evt message.SendCanEvent
	err := message.Decode(payload, &evt)
	return evt, err
}
