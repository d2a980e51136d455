package boardstate

import (
	"context"
	"testing"
	"time"

	"github.com/commaai/boardd/internal/board"
)

// fakeBoard implements board.Board with fields tests can poke directly,
// avoiding a real USB or SocketCAN transport.
type fakeBoard struct {
	hw          board.HardwareType
	serial      string
	hasRTC      bool
	connected   bool
	safetyModel board.SafetyModel
	safetyParam int16
	rtc         time.Time
}

func (f *fakeBoard) HWType() board.HardwareType { return f.hw }
func (f *fakeBoard) USBSerial() string           { return f.serial }
func (f *fakeBoard) HasRTC() bool                { return f.hasRTC }
func (f *fakeBoard) Connected() bool             { return f.connected }
func (f *fakeBoard) CommsHealthy() bool          { return true }

func (f *fakeBoard) FirmwareVersion(ctx context.Context) ([8]byte, error) { return [8]byte{}, nil }

func (f *fakeBoard) SetUsbPowerMode(ctx context.Context, mode board.UsbPowerMode) error { return nil }

func (f *fakeBoard) SetSafetyModel(ctx context.Context, model board.SafetyModel, param int16) error {
	f.safetyModel, f.safetyParam = model, param
	return nil
}

func (f *fakeBoard) SetUnsafeMode(ctx context.Context, mode uint16) error    { return nil }
func (f *fakeBoard) SetPowerSaving(ctx context.Context, enabled bool) error  { return nil }
func (f *fakeBoard) SetLoopback(ctx context.Context, enabled bool) error     { return nil }

func (f *fakeBoard) GetRTC(ctx context.Context) (time.Time, error) { return f.rtc, nil }
func (f *fakeBoard) SetRTC(ctx context.Context, t time.Time) error { f.rtc = t; return nil }

func (f *fakeBoard) GetState(ctx context.Context) (board.Health, error) {
	return board.Health{SafetyModel: f.safetyModel, SafetyParam: f.safetyParam}, nil
}

func (f *fakeBoard) CanReceive(ctx context.Context, busShift int) ([]byte, error) { return nil, nil }
func (f *fakeBoard) CanSend(ctx context.Context, batch []byte) error              { return nil }

func (f *fakeBoard) SetFanSpeed(ctx context.Context, rpm uint16) error      { return nil }
func (f *fakeBoard) GetFanSpeed(ctx context.Context) (uint16, error)        { return 0, nil }
func (f *fakeBoard) SetIrPower(ctx context.Context, pct uint16) error       { return nil }
func (f *fakeBoard) SendHeartbeat(ctx context.Context) error                { return nil }
func (f *fakeBoard) Close() error                                           { return nil }

func TestCoerceSilentOverridesToNoOutput(t *testing.T) {
	b := &fakeBoard{connected: true}
	h := board.Health{SafetyModel: board.SafetySilent}
	coerceSilent(context.Background(), b, &h)
	if h.SafetyModel != board.SafetyNoOutput {
		t.Fatalf("SafetyModel = %v, want NO_OUTPUT", h.SafetyModel)
	}
	if b.safetyModel != board.SafetyNoOutput {
		t.Fatalf("board not commanded to NO_OUTPUT: got %v", b.safetyModel)
	}
}

func TestCoerceSilentLeavesOtherModelsAlone(t *testing.T) {
	b := &fakeBoard{connected: true}
	h := board.Health{SafetyModel: board.SafetyHondaNidec}
	coerceSilent(context.Background(), b, &h)
	if h.SafetyModel != board.SafetyHondaNidec {
		t.Fatalf("SafetyModel changed: got %v", h.SafetyModel)
	}
}

func TestMaybeWriteRTCSkipsWhenDeltaBelowEpsilon(t *testing.T) {
	now := time.Now().UTC()
	b := &fakeBoard{connected: true, hasRTC: true, rtc: now.Add(500 * time.Millisecond)}
	maybeWriteRTC(context.Background(), b, false, 1)
	if !b.rtc.Equal(now.Add(500 * time.Millisecond)) {
		t.Fatalf("RTC was rewritten despite delta below epsilon: got %v", b.rtc)
	}
}

func TestMaybeWriteRTCSkipsWhenIgnitionOn(t *testing.T) {
	stale := time.Now().UTC().Add(-1 * time.Hour)
	b := &fakeBoard{connected: true, hasRTC: true, rtc: stale}
	maybeWriteRTC(context.Background(), b, true, 1)
	if !b.rtc.Equal(stale) {
		t.Fatalf("RTC was rewritten while ignition on: got %v", b.rtc)
	}
}

func TestMaybeWriteRTCSkipsOffCadence(t *testing.T) {
	stale := time.Now().UTC().Add(-1 * time.Hour)
	b := &fakeBoard{connected: true, hasRTC: true, rtc: stale}
	maybeWriteRTC(context.Background(), b, false, 2) // 2 % 120 != 1
	if !b.rtc.Equal(stale) {
		t.Fatalf("RTC was rewritten off cadence: got %v", b.rtc)
	}
}

func TestMaybeWriteRTCWritesWhenStale(t *testing.T) {
	stale := time.Now().UTC().Add(-1 * time.Hour)
	b := &fakeBoard{connected: true, hasRTC: true, rtc: stale}
	maybeWriteRTC(context.Background(), b, false, 1)
	if b.rtc.Equal(stale) {
		t.Fatal("RTC was not rewritten despite stale delta and on-cadence tick")
	}
}

func TestMaybeWriteRTCSkipsWithoutRTC(t *testing.T) {
	stale := time.Now().UTC().Add(-1 * time.Hour)
	b := &fakeBoard{connected: true, hasRTC: false, rtc: stale}
	maybeWriteRTC(context.Background(), b, false, 1)
	if !b.rtc.Equal(stale) {
		t.Fatalf("RTC was rewritten on a board with no RTC: got %v", b.rtc)
	}
}
