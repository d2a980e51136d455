// Package canloop implements the CAN receive and send loops: spec.md
// §4.2 and §4.3.
package canloop

import (
	"context"
	"log"
	"time"

	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/supervisor"
)

const recvTick = 10 * time.Millisecond

// Recv runs the 100Hz CAN receive loop: drain main (and aux, if
// present) and publish the bytes verbatim on the "can" topic. It
// terminates on exit_requested or loss of main.Connected.
func Recv(ctx context.Context, sup *supervisor.Supervisor, pub pubsub.Publisher) {
	log.Printf("canloop: start recv loop")

	nextTick := time.Now().Add(recvTick)

	for !sup.ExitRequested.Load() && sup.Main.Board.Connected() {
		recvOnce(ctx, sup, pub)

		sleep, rebased, missed := nextRecvTick(time.Now(), nextTick, recvTick)
		if missed > 0 && sup.Ignition.Load() {
			log.Printf("canloop: missed %d recv cycles", missed)
		}
		nextTick = rebased

		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
		}
	}
}

// nextRecvTick computes the next pacing deadline and how long to sleep
// until it, given the current time and the previous deadline. When the
// loop body ran long enough to blow through one or more ticks, it
// logs nothing itself — it reports missed so the caller can decide
// whether that's worth a warning — and rebases off now instead of
// trying to catch up tick-by-tick.
func nextRecvTick(now, prevTick time.Time, tick time.Duration) (sleep time.Duration, nextTick time.Time, missed int) {
	remaining := prevTick.Sub(now)
	if remaining > 0 {
		return remaining, prevTick.Add(tick), 0
	}
	missed = int(-remaining / tick)
	return 0, now.Add(tick), missed
}

func recvOnce(ctx context.Context, sup *supervisor.Supervisor, pub pubsub.Publisher) {
	mainShift := int(sup.MainShift.Load())
	data, err := sup.Main.Board.CanReceive(ctx, mainShift)
	if err != nil {
		log.Printf("canloop: main CanReceive failed: %v", err)
		return
	}
	if len(data) > 0 {
		pub.Send(data)
	}

	if sup.Aux != nil {
		auxShift := int(sup.AuxShift.Load())
		auxData, err := sup.Aux.Board.CanReceive(ctx, auxShift)
		if err != nil {
			log.Printf("canloop: aux CanReceive failed: %v", err)
			return
		}
		if len(auxData) > 0 {
			pub.Send(auxData)
		}
	}
}
