// Package supervisor owns the shared process state spec.md §3 and §9
// describe as a process-wide singleton, re-architected as one owned
// Supervisor value: the two optional board slots, the atomic flags read
// by every worker loop, and the connect/discover/classify sequence that
// populates the slots before any worker starts.
package supervisor

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/commaai/boardd/internal/board"
	"github.com/commaai/boardd/internal/paramstore"
	"github.com/commaai/boardd/internal/platform"
)

// Supervisor holds everything spec.md §3 calls "shared process state",
// plus the two board slots. Main/Aux are written only by Connect and
// Teardown, while no worker goroutines are running; every worker treats
// them as read-only for the duration of its run, per spec.md §5's
// locking discipline.
type Supervisor struct {
	Discoverer board.Discoverer
	Params     paramstore.Store

	ExitRequested       atomic.Bool
	Ignition            atomic.Bool
	SafetySetterRunning atomic.Bool

	MainShift atomic.Int32
	AuxShift  atomic.Int32

	Main *board.Handle
	Aux  *board.Handle

	detected  []string
	connected []string

	connectedOnce bool
}

// New returns a Supervisor with the default bus-shift assignment
// (main_shift=0, aux_shift=3), swapped by AUX_CAN_DRIVE in
// cmd/boardd/main.go per spec.md §6.
func New(discoverer board.Discoverer, params paramstore.Store) *Supervisor {
	s := &Supervisor{Discoverer: discoverer, Params: params}
	s.MainShift.Store(0)
	s.AuxShift.Store(3)
	return s
}

// Connect runs the one-shot discover/open/classify sequence of
// spec.md §4.1. It polls discovery every 100ms until at least one board
// is reported, opens and classifies each discovered serial into Main or
// Aux, and returns once every detected serial has been connected (or
// exit was requested). Connect must be called before any worker loop
// starts, and again after Teardown on every reconnect cycle.
func (s *Supervisor) Connect(ctx context.Context) error {
	log.Printf("supervisor: attempting to find boards")

	for len(s.detected) == 0 {
		if s.ExitRequested.Load() {
			return fmt.Errorf("supervisor: exit requested during discovery")
		}
		detected, err := s.Discoverer.List(ctx)
		if err != nil {
			log.Printf("supervisor: list failed: %v", err)
		}
		s.detected = detected
		if len(s.detected) == 0 {
			sleepOrExit(ctx, 100*time.Millisecond, &s.ExitRequested)
		}
	}

	for i, serial := range s.detected {
		log.Printf("supervisor: board #%d USB serial: %s", i, serial)
	}
	log.Printf("supervisor: total boards detected: %d", len(s.detected))

	for !s.ExitRequested.Load() && len(s.connected) != len(s.detected) {
		if err := s.connectNext(ctx); err != nil {
			log.Printf("supervisor: connect attempt failed: %v", err)
		}
		sleepOrExit(ctx, 100*time.Millisecond, &s.ExitRequested)
	}

	if s.Main != nil {
		log.Printf("supervisor: connected to main board: %s", s.Main.Board.USBSerial())
	} else {
		return fmt.Errorf("supervisor: no main board connected")
	}
	if s.Aux != nil {
		log.Printf("supervisor: connected to aux board: %s", s.Aux.Board.USBSerial())
	}
	return nil
}

// connectNext opens the next not-yet-connected serial and classifies
// it. On any error it drops that board; the outer Connect loop retries
// on the next tick, matching spec.md §4.1's failure semantics (no
// retry budget of its own — the outer loop drives reconnect).
func (s *Supervisor) connectNext(ctx context.Context) error {
	next := ""
	for _, serial := range s.detected {
		if !contains(s.connected, serial) {
			next = serial
			break
		}
	}
	if next == "" {
		return nil
	}

	b, err := s.Discoverer.Open(ctx, next)
	if err != nil {
		return fmt.Errorf("open %s: %w", next, err)
	}

	if os.Getenv("BOARDD_LOOPBACK") != "" {
		if err := b.SetLoopback(ctx, true); err != nil {
			log.Printf("supervisor: set loopback on %s failed: %v", next, err)
		}
	}

	if err := s.classifyAndPublish(ctx, b); err != nil {
		b.Close()
		return err
	}

	s.connected = append(s.connected, next)
	return nil
}

func (s *Supervisor) classifyAndPublish(ctx context.Context, b board.Board) error {
	fw, err := b.FirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("firmware read: %w", err)
	}
	s.Params.Put("PandaFirmware", fw[:])
	s.Params.Put("PandaFirmwareHex", []byte(hex.EncodeToString(fw[:])))
	log.Printf("supervisor: fw signature: %s", hex.EncodeToString(fw[:]))

	serial := b.USBSerial()
	if serial == "" {
		return fmt.Errorf("empty serial")
	}
	s.Params.Put("PandaDongleId", []byte(serial))
	log.Printf("supervisor: board serial: %s", serial)

	// Power on host charging, only the first time any board connects;
	// switching mode causes a brief USB disconnection.
	if !s.connectedOnce {
		if err := b.SetUsbPowerMode(ctx, board.UsbPowerCDP); err != nil {
			log.Printf("supervisor: set USB power mode failed: %v", err)
		}
	}
	s.connectedOnce = true

	if b.HasRTC() {
		alignClockFromRTC(ctx, b)
	}

	handle := &board.Handle{Board: b}
	if b.HWType().IsMain() {
		s.Main = handle
	} else {
		s.Aux = handle
	}
	return nil
}

// alignClockFromRTC sets the host clock from the board RTC if the host
// clock looks invalid (before-epoch-plus-slop) and the RTC looks valid,
// per spec.md §4.1.
func alignClockFromRTC(ctx context.Context, b board.Board) {
	sysTime := time.Now().UTC()
	rtcTime, err := b.GetRTC(ctx)
	if err != nil {
		log.Printf("supervisor: RTC read failed: %v", err)
		return
	}
	if !timeValid(sysTime) && timeValid(rtcTime) {
		log.Printf("supervisor: system time wrong, setting from RTC: system=%s rtc=%s", sysTime, rtcTime)
		if err := platform.SetSystemTime(rtcTime); err != nil {
			log.Printf("supervisor: failed to set system time: %v", err)
		}
	}
}

// timeValid rejects clearly-wrong clocks (before this daemon's earliest
// plausible build date), the same sanity bar the original's
// util::time_valid applies.
func timeValid(t time.Time) bool {
	return t.Year() >= 2020
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func sleepOrExit(ctx context.Context, d time.Duration, exit *atomic.Bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		exit.Store(true)
	}
}

// Teardown closes both board handles and clears connect-sequence state,
// in preparation for a fresh Connect on the next reconnect cycle.
func (s *Supervisor) Teardown() {
	if s.Main != nil {
		s.Main.Board.Close()
		s.Main = nil
	}
	if s.Aux != nil {
		s.Aux.Board.Close()
		s.Aux = nil
	}
	s.connected = nil
	s.detected = nil
}
