// Package boardstate implements the 2Hz board-state loop: spec.md §4.4.
// It polls board health, derives ignition, drives power-save and safety
// model transitions, launches the safety-setter on ignition rising
// edges, writes the host clock back to the board RTC, and publishes a
// pandaState message every tick.
package boardstate

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/message"
	"github.com/commaai/boardd/internal/paramstore"
	"github.com/commaai/boardd/internal/platform"
	"github.com/commaai/boardd/internal/pubsub"
	"github.com/commaai/boardd/internal/supervisor"
)

const (
	tickPeriod       = 500 * time.Millisecond
	keepAlivePeriod  = 500 * time.Millisecond
	rtcWriteInterval = 120 // no_ignition_cnt % 120 == 1, once/minute at 2Hz
	rtcWriteEpsilon  = 1100 * time.Millisecond
	sysfsReadBudget  = 50 * time.Millisecond
)

// SafetySetterLauncher starts the safety-setter task for one ignition
// cycle. It is expected to return quickly (spawn a goroutine) —
// boardstate only uses it to implement "spawn one, detached" from
// spec.md §4.4 step 6.
type SafetySetterLauncher func(ctx context.Context)

// Run executes the board-state loop until exit_requested or loss of
// main.Connected. spoofIgnition mirrors the STARTED env var
// (forces ignition_line=1 for simulation).
func Run(ctx context.Context, sup *supervisor.Supervisor, pub pubsub.Publisher, params paramstore.Store, launchSafetySetter SafetySetterLauncher, spoofIgnition bool) {
	log.Printf("boardstate: start board-state loop")

	waitForMain(ctx, sup, pub)
	if sup.ExitRequested.Load() {
		return
	}

	var noIgnitionCnt uint32
	var ignitionLast bool

	for !sup.ExitRequested.Load() && sup.Main.Board.Connected() {
		tickStart := time.Now()

		mainHealth, err := sup.Main.Board.GetState(ctx)
		if err != nil {
			log.Printf("boardstate: main GetState failed: %v", err)
			sleepRemaining(ctx, tickStart)
			continue
		}
		coerceSilent(ctx, sup.Main.Board, &mainHealth)

		var auxHealth board.Health
		haveAux := sup.Aux != nil
		if haveAux {
			auxHealth, err = sup.Aux.Board.GetState(ctx)
			if err != nil {
				log.Printf("boardstate: aux GetState failed: %v", err)
			} else {
				coerceSilent(ctx, sup.Aux.Board, &auxHealth)
			}
		}

		if spoofIgnition {
			mainHealth.IgnitionLine = true
		}

		// ignitionPrev is last tick's derived value, still live in
		// sup.Ignition until we overwrite it below. The aux mirror
		// check (spec.md §9's literal Open Question) reads against
		// this stale value, exactly as the original's mixed-negation
		// condition does before it reassigns the shared `ignition`.
		ignitionPrev := sup.Ignition.Load()
		if haveAux && !ignitionPrev && mainHealth.SafetyModel != board.SafetyNoOutput {
			if err := sup.Aux.Board.SetSafetyModel(ctx, board.SafetyNoOutput, 0); err != nil {
				log.Printf("boardstate: aux mirror SetSafetyModel(NO_OUTPUT) failed: %v", err)
			}
		}

		ignition := deriveIgnition(sup, mainHealth, auxHealth, haveAux)
		sup.Ignition.Store(ignition)

		if ignition {
			noIgnitionCnt = 0
		} else {
			noIgnitionCnt++
		}

		applyPowerSave(ctx, sup, mainHealth, haveAux, ignition)
		applySafetyOffWhenParked(ctx, sup, &mainHealth, ignition)

		if ignition && !ignitionLast {
			params.ClearAll(paramstore.TagClearOnIgnitionOn)
			if !sup.SafetySetterRunning.Load() {
				sup.SafetySetterRunning.Store(true)
				launchSafetySetter(ctx)
			} else {
				log.Printf("boardstate: safety setter already running")
			}
		} else if !ignition && ignitionLast {
			params.ClearAll(paramstore.TagClearOnIgnitionOff)
		}

		maybeWriteRTC(ctx, sup.Main.Board, ignition, noIgnitionCnt)

		ignitionLast = ignition

		publishState(ctx, sup, pub, mainHealth)

		sup.Main.Board.SendHeartbeat(ctx)
		if haveAux {
			sup.Aux.Board.SendHeartbeat(ctx)
		}

		sleepRemaining(ctx, tickStart)
	}
}

// waitForMain emits the keep-alive "PandaType=UNKNOWN" message every
// 500ms before main is connected, per spec.md §4.4's first paragraph.
func waitForMain(ctx context.Context, sup *supervisor.Supervisor, pub pubsub.Publisher) {
	for !sup.ExitRequested.Load() && sup.Main == nil {
		msg := message.PandaStateMsg{PandaType: message.PandaType(board.HwUnknown)}
		if payload, err := message.Encode(msg); err == nil {
			pub.Send(payload)
		}
		select {
		case <-time.After(keepAlivePeriod):
		case <-ctx.Done():
			sup.ExitRequested.Store(true)
			return
		}
	}
}

// coerceSilent implements spec.md §4.4 step 2: SILENT does not keep CAN
// peripherals awake on a quiet bus, so it is immediately overridden to
// NO_OUTPUT.
func coerceSilent(ctx context.Context, b board.Board, h *board.Health) {
	if h.SafetyModel == board.SafetySilent {
		if err := b.SetSafetyModel(ctx, board.SafetyNoOutput, 0); err != nil {
			log.Printf("boardstate: coerce SILENT->NO_OUTPUT failed: %v", err)
			return
		}
		h.SafetyModel = board.SafetyNoOutput
	}
}

// deriveIgnition implements spec.md §4.4 step 3: ignition comes from
// the aux board when aux is present and main_shift is non-zero, and
// from main otherwise. The aux mirror condition of spec.md §9 is applied
// in Run, not here.
func deriveIgnition(sup *supervisor.Supervisor, mainHealth, auxHealth board.Health, haveAux bool) bool {
	if haveAux && sup.MainShift.Load() != 0 {
		return auxHealth.IgnitionLine || auxHealth.IgnitionCAN
	}
	return mainHealth.IgnitionLine || mainHealth.IgnitionCAN
}

func applyPowerSave(ctx context.Context, sup *supervisor.Supervisor, mainHealth board.Health, haveAux, ignition bool) {
	desired := !ignition
	if mainHealth.PowerSaveEnabled == desired {
		return
	}
	if err := sup.Main.Board.SetPowerSaving(ctx, desired); err != nil {
		log.Printf("boardstate: main SetPowerSaving failed: %v", err)
	}
	if haveAux {
		if err := sup.Aux.Board.SetPowerSaving(ctx, desired); err != nil {
			log.Printf("boardstate: aux SetPowerSaving failed: %v", err)
		}
	}
}

// applySafetyOffWhenParked implements spec.md §4.4 step 5: when parked,
// command main back to NO_OUTPUT if it isn't already there. The aux
// mirror (spec.md §9's Open Question) is applied earlier in Run, against
// the previous tick's ignition value, to preserve the original's
// literal (and stale-read) condition.
func applySafetyOffWhenParked(ctx context.Context, sup *supervisor.Supervisor, mainHealth *board.Health, ignition bool) {
	if !ignition && mainHealth.SafetyModel != board.SafetyNoOutput {
		if err := sup.Main.Board.SetSafetyModel(ctx, board.SafetyNoOutput, 0); err != nil {
			log.Printf("boardstate: main SetSafetyModel(NO_OUTPUT) failed: %v", err)
		} else {
			mainHealth.SafetyModel = board.SafetyNoOutput
		}
	}
}

// maybeWriteRTC implements spec.md §4.4 step 8.
func maybeWriteRTC(ctx context.Context, b board.Board, ignition bool, noIgnitionCnt uint32) {
	if !b.HasRTC() || ignition || noIgnitionCnt%rtcWriteInterval != 1 {
		return
	}
	sysTime := time.Now().UTC()
	if sysTime.Year() < 2020 {
		return
	}
	rtcTime, err := b.GetRTC(ctx)
	if err != nil {
		log.Printf("boardstate: RTC read failed: %v", err)
		return
	}
	delta := sysTime.Sub(rtcTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= rtcWriteEpsilon {
		return
	}
	log.Printf("boardstate: updating board RTC, dt=%s system=%s rtc=%s", delta, sysTime, rtcTime)
	if err := b.SetRTC(ctx, sysTime); err != nil {
		log.Printf("boardstate: SetRTC failed: %v", err)
	}
}

func publishState(ctx context.Context, sup *supervisor.Supervisor, pub pubsub.Publisher, h board.Health) {
	voltage, current := h.Voltage, h.Current
	if platform.TICI() {
		start := time.Now()
		if v, err := platform.ReadSysfsInt(platform.VoltageSysfsPath); err == nil {
			voltage = uint32(v)
		}
		if c, err := platform.ReadSysfsInt(platform.CurrentSysfsPath); err == nil {
			current = uint32(c)
		}
		if elapsed := time.Since(start); elapsed > sysfsReadBudget {
			log.Printf("boardstate: reading hwmon took %s", elapsed)
		}
	}

	fanSpeed, err := sup.Main.Board.GetFanSpeed(ctx)
	if err != nil {
		log.Printf("boardstate: GetFanSpeed failed: %v", err)
	}

	faults := h.ActiveFaults()
	faultInts := make([]int, len(faults))
	for i, f := range faults {
		faultInts[i] = int(f)
	}

	msg := message.PandaStateMsg{
		Valid:            sup.Main.Board.CommsHealthy(),
		Uptime:           h.Uptime,
		Voltage:          voltage,
		Current:          current,
		IgnitionLine:     sup.Ignition.Load(),
		IgnitionCan:      h.IgnitionCAN,
		ControlsAllowed:  h.ControlsAllowed,
		GasInterceptor:   h.GasInterceptorDetect,
		HasGps:           true,
		CanRxErrs:        h.CanRxErrs,
		CanSendErrs:      h.CanSendErrs,
		CanFwdErrs:       h.CanFwdErrs,
		GmlanSendErrs:    h.GmlanSendErrs,
		PandaType:        message.PandaType(sup.Main.Board.HWType()),
		UsbPowerMode:     int32(h.UsbPowerMode),
		SafetyModel:      int32(h.SafetyModel),
		SafetyParam:      h.SafetyParam,
		FanSpeedRpm:      fanSpeed,
		FaultStatus:      int32(h.FaultStatus),
		PowerSaveEnabled: h.PowerSaveEnabled,
		HeartbeatLost:    h.HeartbeatLost,
		HarnessStatus:    int32(h.HarnessStatus),
		Faults:           faultInts,
	}

	payload, err := message.Encode(msg)
	if err != nil {
		log.Printf("boardstate: encode pandaState failed: %v", err)
		return
	}
	pub.Send(payload)
}

func sleepRemaining(ctx context.Context, tickStart time.Time) {
	remaining := tickPeriod - time.Since(tickStart)
	if remaining <= 0 {
		return
	}
	select {
	case <-time.After(remaining):
	case <-ctx.Done():
	}
}

// Spoofing reads the STARTED env var the way cmd/boardd does for every
// other toggle, exported here so tests can exercise Run without
// depending on process env.
func Spoofing() bool {
	return os.Getenv("STARTED") != ""
}
