// Package devbench drives a board.Sim's ignition line from a bench
// operator's keyboard, for running boardd against a SocketCAN interface
// without real vehicle hardware. It borrows the teacher's pressManager
// shape (track press/release, act on the transition rather than on
// every keystroke) but targets Sim.SetIgnition instead of an RC
// channel.
package devbench

import (
	"context"
	"log"

	"github.com/eiannone/keyboard"
	"github.com/MarinX/keylogger"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/paramstore"
	"github.com/commaai/boardd/internal/safetysetter"
)

// fakeVIN and fakeCarParams are what devbench writes into the
// parameter store on an ignition rising edge, standing in for the
// real car-identification pipeline so safetysetter.Run's VIN/CarParams
// gate has something to progress past on a bench rig.
const fakeVIN = "1HGCM82633A004352"

var fakeCarParams = safetysetter.CarParams{
	SafetyModel: board.SafetyNoOutput,
	SafetyParam: 0,
}

// RunTerminal toggles sim's ignition each time the operator presses
// space, for as long as the process has a controlling terminal. Quits
// on 'q' or ctrl-C.
func RunTerminal(ctx context.Context, sim *board.Sim, params paramstore.Store) error {
	if err := keyboard.Open(); err != nil {
		return err
	}
	defer keyboard.Close()

	log.Printf("devbench: terminal console up, space=toggle ignition, q=quit")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r, key, err := keyboard.GetKey()
		if err != nil {
			return err
		}
		switch {
		case key == keyboard.KeyCtrlC, r == 'q':
			return nil
		case r == ' ':
			toggleIgnition(sim, params)
		}
	}
}

// toggleIgnition flips sim's commanded ignition state. Sim doesn't
// expose a getter, so devbench tracks its own last-commanded state. A
// rising edge also seeds a fake CarVin/CarParams pair, the way a real
// car-interface process would once it identified the vehicle.
func toggleIgnition(sim *board.Sim, params paramstore.Store) {
	state = !state
	sim.SetIgnition(state)
	if state {
		log.Printf("devbench: ignition ON")
		injectFakeCar(params)
	} else {
		log.Printf("devbench: ignition OFF")
	}
}

var state bool

func injectFakeCar(params paramstore.Store) {
	if params == nil {
		return
	}
	params.Put("CarVin", []byte(fakeVIN))
	payload, err := message.Encode(fakeCarParams)
	if err != nil {
		log.Printf("devbench: failed to encode fake CarParams: %v", err)
		return
	}
	params.Put("CarParams", payload)
	params.Put("ControlsReady", []byte{1})
	log.Printf("devbench: seeded fake CarVin %s and CarParams", fakeVIN)
}

// RunHID drives sim's ignition from a raw evdev device (a USB button
// box wired as a keyboard HID), for bench rigs with no terminal
// attached. device is a path like "/dev/input/event3"; pass "" to
// probe for the first keyboard-class device. A press paired with its
// release is treated as one ignition-line edge, the way a physical
// switch's full throw would be, rather than toggling on every keydown.
func RunHID(ctx context.Context, sim *board.Sim, params paramstore.Store, device string) error {
	if device == "" {
		device = keylogger.FindKeyboardDevice()
	}

	kl, err := keylogger.New(device)
	if err != nil {
		return err
	}
	defer kl.Close()

	events := kl.Read()

	log.Printf("devbench: HID console up on %s, press+release toggles ignition", device)

	var down bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch {
			case ev.KeyPress():
				down = true
			case ev.KeyRelease():
				if down {
					toggleIgnition(sim, params)
				}
				down = false
			}
		}
	}
}
