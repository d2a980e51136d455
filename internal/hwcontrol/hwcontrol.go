// Package hwcontrol implements the hardware-control loop: spec.md §4.6.
// It reads deviceState/driverCameraState off a subscriber and drives
// the board's fan speed, IR illuminator power, and host-charging USB
// mode.
package hwcontrol

import (
	"context"
	"log"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/platform"
	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/supervisor"
)

const (
	cutoffIL    = 200.0
	saturateIL  = 1600.0
	minIrPower  = 0.0
	maxIrPower  = 0.5
	frameTimeout = 1 * time.Second
	updateTimeout = 1 * time.Second
)

// FirstOrderFilter is a one-pole low-pass filter, ported from the
// original's FirstOrderFilter: y[n] = y[n-1] + (x[n]-y[n-1]) * dt/(dt+RC).
type FirstOrderFilter struct {
	x  float64
	k  float64 // dt / (dt + RC)
	dt float64
}

// NewFirstOrderFilter matches the original's constructor signature
// order (initial value, time constant, sample period).
func NewFirstOrderFilter(initial, timeConstant, samplePeriod float64) *FirstOrderFilter {
	return &FirstOrderFilter{
		x:  initial,
		k:  samplePeriod / (timeConstant + samplePeriod),
		dt: samplePeriod,
	}
}

func (f *FirstOrderFilter) Update(v float64) float64 {
	f.x = f.x + (v-f.x)*f.k
	return f.x
}

// Run executes the hardware-control loop until exit_requested or loss
// of main.Connected.
func Run(ctx context.Context, sup *supervisor.Supervisor, deviceStateSub, driverCamSub pubsub.Subscriber) {
	log.Printf("hwcontrol: start hardware control loop")

	var (
		cnt                uint64
		prevFanSpeed       uint16 = 999
		prevIrPwr          uint16 = 999
		irPwr              uint16
		prevChargingOff    bool
		lastFrontFrameTime time.Time
	)

	filter := NewFirstOrderFilter(0, 30.0, 0.05)

	for !sup.ExitRequested.Load() && sup.Main.Board.Connected() {
		cnt++

		// Both streams are polled against one shared ~1s budget, the
		// Go equivalent of the original's single SubMaster.update(1000)
		// covering deviceState and driverCameraState together.
		tickCtx, cancel := context.WithTimeout(ctx, updateTimeout)
		deviceUpdated, devState := tryReceive[message.DeviceState](tickCtx, deviceStateSub)
		camUpdated, camState := tryReceive[message.DriverCameraState](tickCtx, driverCamSub)
		cancel()

		if !platform.PC() && deviceUpdated {
			if devState.ChargingDisabled != prevChargingOff {
				mode := board.UsbPowerCDP
				if devState.ChargingDisabled {
					mode = board.UsbPowerClient
					log.Printf("hwcontrol: turn off charging")
				} else {
					log.Printf("hwcontrol: turn on charging")
				}
				if err := sup.Main.Board.SetUsbPowerMode(ctx, mode); err != nil {
					log.Printf("hwcontrol: SetUsbPowerMode failed: %v", err)
				}
				prevChargingOff = devState.ChargingDisabled
			}
		}

		hw := sup.Main.Board.HWType()
		if hw != board.HwUno && hw != board.HwDos {
			continue
		}

		if deviceUpdated {
			fanSpeed := devState.FanSpeedPercentDesired
			if fanSpeed != prevFanSpeed || cnt%100 == 0 {
				if err := sup.Main.Board.SetFanSpeed(ctx, fanSpeed); err != nil {
					log.Printf("hwcontrol: SetFanSpeed failed: %v", err)
				}
				prevFanSpeed = fanSpeed
			}
		}

		if camUpdated {
			integLines := float64(camState.IntegLines)
			if platform.TICI() {
				integLines = filter.Update(integLines)
			}
			lastFrontFrameTime = camState.LogMonoTime
			irPwr = uint16(100.0 * irPowerFor(integLines))
		}

		if !lastFrontFrameTime.IsZero() && time.Since(lastFrontFrameTime) > frameTimeout {
			irPwr = 0
		}

		if irPwr != prevIrPwr || cnt%100 == 0 || irPwr >= 50 {
			if err := sup.Main.Board.SetIrPower(ctx, irPwr); err != nil {
				log.Printf("hwcontrol: SetIrPower failed: %v", err)
			}
			prevIrPwr = irPwr
		}
	}
}

// irPowerFor computes the piecewise-linear IR power fraction for a
// given (optionally filtered) integLines reading, per spec.md §4.6.
func irPowerFor(integLines float64) float64 {
	switch {
	case integLines <= cutoffIL:
		return minIrPower
	case integLines > saturateIL:
		return maxIrPower
	default:
		return minIrPower + (integLines-cutoffIL)*(maxIrPower-minIrPower)/(saturateIL-cutoffIL)
	}
}

// tryReceive polls sub for up to updateTimeout and decodes into T,
// returning whether a fresh message arrived this call.
func tryReceive[T any](ctx context.Context, sub pubsub.Subscriber) (bool, T) {
	var zero T
	payload, err := sub.Receive(ctx, updateTimeout)
	if err != nil {
		return false, zero
	}
	var v T
	if err := message.Decode(payload, &v); err != nil {
		log.Printf("hwcontrol: decode failed: %v", err)
		return false, zero
	}
	return true, v
}
