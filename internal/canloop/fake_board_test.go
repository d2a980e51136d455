package canloop

import (
	"context"
	"time"

	"github.com/commaai/boardd/internal/board"
)

// fakeBoard is a minimal board.Board that records every CanSend batch
// it's given, for asserting which board a Send call routed to.
type fakeBoard struct {
	connected bool
	sent      [][]byte
}

func (f *fakeBoard) HWType() board.HardwareType { return board.HwDos }
func (f *fakeBoard) USBSerial() string          { return "fake" }
func (f *fakeBoard) HasRTC() bool               { return false }
func (f *fakeBoard) Connected() bool            { return f.connected }
func (f *fakeBoard) CommsHealthy() bool         { return true }

func (f *fakeBoard) FirmwareVersion(ctx context.Context) ([8]byte, error) { return [8]byte{}, nil }

func (f *fakeBoard) SetUsbPowerMode(ctx context.Context, mode board.UsbPowerMode) error { return nil }
func (f *fakeBoard) SetSafetyModel(ctx context.Context, model board.SafetyModel, param int16) error {
	return nil
}
func (f *fakeBoard) SetUnsafeMode(ctx context.Context, mode uint16) error   { return nil }
func (f *fakeBoard) SetPowerSaving(ctx context.Context, enabled bool) error { return nil }
func (f *fakeBoard) SetLoopback(ctx context.Context, enabled bool) error    { return nil }

func (f *fakeBoard) GetRTC(ctx context.Context) (time.Time, error) { return time.Time{}, nil }
func (f *fakeBoard) SetRTC(ctx context.Context, t time.Time) error { return nil }

func (f *fakeBoard) GetState(ctx context.Context) (board.Health, error) { return board.Health{}, nil }

func (f *fakeBoard) CanReceive(ctx context.Context, busShift int) ([]byte, error) { return nil, nil }
func (f *fakeBoard) CanSend(ctx context.Context, batch []byte) error {
	f.sent = append(f.sent, batch)
	return nil
}

func (f *fakeBoard) SetFanSpeed(ctx context.Context, rpm uint16) error { return nil }
func (f *fakeBoard) GetFanSpeed(ctx context.Context) (uint16, error)  { return 0, nil }
func (f *fakeBoard) SetIrPower(ctx context.Context, pct uint16) error { return nil }
func (f *fakeBoard) SendHeartbeat(ctx context.Context) error          { return nil }
func (f *fakeBoard) Close() error                                     { return nil }
