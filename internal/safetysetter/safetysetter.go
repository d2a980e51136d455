// Package safetysetter implements the safety-setter task: spec.md §4.5.
// It runs once per ignition cycle, progressing both boards from
// ELM327 (diagnostic) through ELM327-locked to the target
// vehicle-specific safety model, gated on CarVin and
// ControlsReady/CarParams readiness flags in the parameter store.
package safetysetter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/paramstore"
	"github.com/commaai/boardd/internal/supervisor"
)

const pollInterval = 100 * time.Millisecond

// CarParams is the decoded shape of the "CarParams" parameter the rest
// of the stack writes once a car has been identified. It is gob-encoded
// by whatever component populates the parameter store. Within boardd,
// only the -bench console (internal/devbench) writes this key; the
// production loops only read it.
type CarParams struct {
	SafetyModel board.SafetyModel
	SafetyParam int16
}

// Run executes one safety-setter cycle to completion (or until
// exit_requested / loss of main.Connected), clearing
// safety_setter_running on return.
func Run(ctx context.Context, sup *supervisor.Supervisor, params paramstore.Store) {
	defer sup.SafetySetterRunning.Store(false)

	log.Printf("safetysetter: starting safety setter")

	if err := sup.Main.Board.SetSafetyModel(ctx, board.SafetyElm327, 0); err != nil {
		log.Printf("safetysetter: main SetSafetyModel(ELM327) failed: %v", err)
	}
	if sup.Aux != nil {
		if err := sup.Aux.Board.SetSafetyModel(ctx, board.SafetyElm327, 0); err != nil {
			log.Printf("safetysetter: aux SetSafetyModel(ELM327) failed: %v", err)
		}
	}

	vin, ok := pollForVIN(ctx, sup, params)
	if !ok {
		return
	}
	if len(vin) != 17 {
		panic(fmt.Sprintf("safetysetter: CarVin has invalid length %d (want 17): %q", len(vin), vin))
	}
	log.Printf("safetysetter: got CarVin %s", vin)

	if err := sup.Main.Board.SetSafetyModel(ctx, board.SafetyElm327, 1); err != nil {
		log.Printf("safetysetter: main SetSafetyModel(ELM327 locked) failed: %v", err)
	}
	if sup.Aux != nil {
		if err := sup.Aux.Board.SetSafetyModel(ctx, board.SafetyElm327, 1); err != nil {
			log.Printf("safetysetter: aux SetSafetyModel(ELM327 locked) failed: %v", err)
		}
	}

	carParams, ok := pollForCarParams(ctx, sup, params)
	if !ok {
		return
	}

	if err := sup.Main.Board.SetUnsafeMode(ctx, 0); err != nil {
		log.Printf("safetysetter: main SetUnsafeMode(0) failed: %v", err)
	}

	log.Printf("safetysetter: setting safety model %v param %d", carParams.SafetyModel, carParams.SafetyParam)
	if err := sup.Main.Board.SetSafetyModel(ctx, carParams.SafetyModel, carParams.SafetyParam); err != nil {
		log.Printf("safetysetter: main SetSafetyModel(target) failed: %v", err)
	}
	if sup.Aux != nil {
		if err := sup.Aux.Board.SetSafetyModel(ctx, carParams.SafetyModel, carParams.SafetyParam); err != nil {
			log.Printf("safetysetter: aux SetSafetyModel(target) failed: %v", err)
		}
	}
}

func pollForVIN(ctx context.Context, sup *supervisor.Supervisor, params paramstore.Store) (string, bool) {
	for {
		if shouldExit(sup) {
			return "", false
		}
		if v, ok := params.Get("CarVin"); ok && len(v) > 0 {
			return string(v), true
		}
		if !sleepOrDone(ctx, pollInterval) {
			return "", false
		}
	}
}

func pollForCarParams(ctx context.Context, sup *supervisor.Supervisor, params paramstore.Store) (CarParams, bool) {
	for {
		if shouldExit(sup) {
			return CarParams{}, false
		}
		if params.GetBool("ControlsReady") {
			if raw, ok := params.Get("CarParams"); ok && len(raw) > 0 {
				var cp CarParams
				if err := message.Decode(raw, &cp); err != nil {
					log.Printf("safetysetter: malformed CarParams: %v", err)
				} else {
					log.Printf("safetysetter: got %d bytes CarParams", len(raw))
					return cp, true
				}
			}
		}
		if !sleepOrDone(ctx, pollInterval) {
			return CarParams{}, false
		}
	}
}

func shouldExit(sup *supervisor.Supervisor) bool {
	return sup.ExitRequested.Load() || !sup.Main.Board.Connected()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
