package board

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the opaque USB link a real panda is reached over. boardd
// never constructs one directly from a vendor/product ID here — that
// wiring lives in the platform-specific build that supplies a
// TransportFactory, out of scope for this daemon per spec.md §1. USB
// is permitted to block briefly on Control/BulkRead/BulkWrite; callers
// are expected to pass a context with a deadline where that matters.
type Transport interface {
	Serial() string
	Control(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error)
	BulkRead(ctx context.Context, endpoint uint8, buf []byte) (int, error)
	BulkWrite(ctx context.Context, endpoint uint8, data []byte) (int, error)
	Close() error
}

// control request numbers, matching the board firmware's USB control
// endpoint layout (vendor-defined, stable across hardware revisions).
const (
	reqSetSafetyModel uint8 = 0xdc
	reqSetUnsafeMode  uint8 = 0xdf
	reqSetPowerSave   uint8 = 0xe7
	reqSetLoopback    uint8 = 0xdb
	reqSetUsbPower    uint8 = 0xe6
	reqSetFanSpeed    uint8 = 0xb1
	reqGetFanSpeed    uint8 = 0xb2
	reqSetIrPower     uint8 = 0xb0
	reqHeartbeat      uint8 = 0xf3
	reqGetHealth      uint8 = 0xd2
	reqGetRTC         uint8 = 0xa0
	reqSetRTC         uint8 = 0xa1
	reqGetFirmware    uint8 = 0x40

	epCanRecv uint8 = 0x81
	epCanSend uint8 = 0x03
)

// USB is the production Board implementation, talking to a real panda
// over its USB vendor control/bulk endpoints.
type USB struct {
	tr Transport

	mu      sync.Mutex
	hw      HardwareType
	hasRTC  bool
	serial  string

	connected    atomic.Bool
	commsHealthy atomic.Bool
}

// NewUSB wraps an already-opened Transport. Classification (hardware
// type, RTC capability) happens here via a firmware/health probe so the
// supervisor can place the board into main/aux before doing anything
// else.
func NewUSB(ctx context.Context, tr Transport) (*USB, error) {
	b := &USB{tr: tr, serial: tr.Serial()}
	b.connected.Store(true)

	h, err := b.GetState(ctx)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("board: classify probe failed: %w", err)
	}
	b.mu.Lock()
	b.hw = HardwareType(h.FaultStatus) // placeholder until real hw-type byte is read below
	b.mu.Unlock()

	hwBuf := make([]byte, 1)
	if _, err := tr.Control(ctx, 0xc1, 0, 0, hwBuf); err == nil {
		b.mu.Lock()
		b.hw = HardwareType(hwBuf[0])
		b.hasRTC = b.hw == HwUno || b.hw == HwDos || b.hw == HwBlack
		b.mu.Unlock()
	}
	b.commsHealthy.Store(true)
	return b, nil
}

func (b *USB) HWType() HardwareType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hw
}

func (b *USB) USBSerial() string { return b.serial }

func (b *USB) HasRTC() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasRTC
}

func (b *USB) Connected() bool    { return b.connected.Load() }
func (b *USB) CommsHealthy() bool { return b.commsHealthy.Load() }

func (b *USB) FirmwareVersion(ctx context.Context) ([8]byte, error) {
	var out [8]byte
	n, err := b.tr.Control(ctx, reqGetFirmware, 0, 0, out[:])
	if err != nil {
		b.markUnhealthy()
		return out, err
	}
	if n != 8 {
		return out, fmt.Errorf("board: short firmware read (%d bytes)", n)
	}
	return out, nil
}

func (b *USB) SetUsbPowerMode(ctx context.Context, mode UsbPowerMode) error {
	_, err := b.tr.Control(ctx, reqSetUsbPower, uint16(mode), 0, nil)
	return b.wrap(err)
}

func (b *USB) SetSafetyModel(ctx context.Context, model SafetyModel, param int16) error {
	_, err := b.tr.Control(ctx, reqSetSafetyModel, uint16(model), uint16(param), nil)
	return b.wrap(err)
}

func (b *USB) SetUnsafeMode(ctx context.Context, mode uint16) error {
	_, err := b.tr.Control(ctx, reqSetUnsafeMode, mode, 0, nil)
	return b.wrap(err)
}

func (b *USB) SetPowerSaving(ctx context.Context, enabled bool) error {
	v := uint16(0)
	if enabled {
		v = 1
	}
	_, err := b.tr.Control(ctx, reqSetPowerSave, v, 0, nil)
	return b.wrap(err)
}

func (b *USB) SetLoopback(ctx context.Context, enabled bool) error {
	v := uint16(0)
	if enabled {
		v = 1
	}
	_, err := b.tr.Control(ctx, reqSetLoopback, v, 0, nil)
	return b.wrap(err)
}

func (b *USB) GetRTC(ctx context.Context) (time.Time, error) {
	buf := make([]byte, 8)
	if _, err := b.tr.Control(ctx, reqGetRTC, 0, 0, buf); err != nil {
		return time.Time{}, b.wrap(err)
	}
	sec := int64(binary.LittleEndian.Uint64(buf))
	return time.Unix(sec, 0).UTC(), nil
}

func (b *USB) SetRTC(ctx context.Context, t time.Time) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t.UTC().Unix()))
	_, err := b.tr.Control(ctx, reqSetRTC, 0, 0, buf)
	return b.wrap(err)
}

func (b *USB) GetState(ctx context.Context) (Health, error) {
	buf := make([]byte, 64)
	n, err := b.tr.Control(ctx, reqGetHealth, 0, 0, buf)
	if err != nil {
		b.markUnhealthy()
		return Health{}, err
	}
	if n < len(buf) {
		b.markUnhealthy()
		return Health{}, fmt.Errorf("board: short health read (%d bytes)", n)
	}
	b.commsHealthy.Store(true)
	return decodeHealth(buf), nil
}

func decodeHealth(buf []byte) Health {
	le := binary.LittleEndian
	return Health{
		Uptime:               le.Uint32(buf[0:4]),
		Voltage:              le.Uint32(buf[4:8]),
		Current:              le.Uint32(buf[8:12]),
		IgnitionLine:         buf[12] != 0,
		IgnitionCAN:          buf[13] != 0,
		ControlsAllowed:      buf[14] != 0,
		GasInterceptorDetect: buf[15] != 0,
		CanRxErrs:            le.Uint32(buf[16:20]),
		CanSendErrs:          le.Uint32(buf[20:24]),
		CanFwdErrs:           le.Uint32(buf[24:28]),
		GmlanSendErrs:        le.Uint32(buf[28:32]),
		SafetyModel:          SafetyModel(int32(le.Uint32(buf[32:36]))),
		SafetyParam:          int16(le.Uint16(buf[36:38])),
		UsbPowerMode:         UsbPowerMode(int32(le.Uint32(buf[38:42]))),
		FaultStatus:          FaultStatus(int32(buf[42])),
		PowerSaveEnabled:     buf[43] != 0,
		HeartbeatLost:        buf[44] != 0,
		HarnessStatus:        HarnessStatus(int32(buf[45])),
		Faults:               le.Uint64(buf[48:56]),
	}
}

func (b *USB) CanReceive(ctx context.Context, busShift int) ([]byte, error) {
	buf := make([]byte, 16384)
	n, err := b.tr.BulkRead(ctx, epCanRecv, buf)
	if err != nil {
		b.markUnhealthy()
		return nil, err
	}
	return shiftBuses(buf[:n], busShift), nil
}

func (b *USB) CanSend(ctx context.Context, batch []byte) error {
	_, err := b.tr.BulkWrite(ctx, epCanSend, batch)
	return b.wrap(err)
}

func (b *USB) SetFanSpeed(ctx context.Context, rpm uint16) error {
	_, err := b.tr.Control(ctx, reqSetFanSpeed, rpm, 0, nil)
	return b.wrap(err)
}

func (b *USB) GetFanSpeed(ctx context.Context) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := b.tr.Control(ctx, reqGetFanSpeed, 0, 0, buf); err != nil {
		return 0, b.wrap(err)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (b *USB) SetIrPower(ctx context.Context, pct uint16) error {
	_, err := b.tr.Control(ctx, reqSetIrPower, pct, 0, nil)
	return b.wrap(err)
}

func (b *USB) SendHeartbeat(ctx context.Context) error {
	_, err := b.tr.Control(ctx, reqHeartbeat, 0, 0, nil)
	return b.wrap(err)
}

func (b *USB) Close() error {
	b.connected.Store(false)
	return b.tr.Close()
}

func (b *USB) wrap(err error) error {
	if err != nil {
		b.markUnhealthy()
	}
	return err
}

func (b *USB) markUnhealthy() {
	b.commsHealthy.Store(false)
}

// TransportFactory enumerates and opens USB transports to real pandas.
// boardd depends on it only through this narrow interface; libusb/
// platform-specific enumeration is supplied by the process entry point,
// out of scope for this package per spec.md §1.
type TransportFactory interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, serial string) (Transport, error)
}

// USBDiscoverer adapts a TransportFactory into a Discoverer, running
// the classification probe (NewUSB) on every Open.
type USBDiscoverer struct {
	Factory TransportFactory
}

func (d *USBDiscoverer) List(ctx context.Context) ([]string, error) {
	return d.Factory.List(ctx)
}

func (d *USBDiscoverer) Open(ctx context.Context, serial string) (Board, error) {
	tr, err := d.Factory.Open(ctx, serial)
	if err != nil {
		return nil, err
	}
	return NewUSB(ctx, tr)
}

// NullTransportFactory reports no boards ever. It is the default
// production factory until a platform-specific libusb binding is
// wired in; see DESIGN.md.
type NullTransportFactory struct{}

func (NullTransportFactory) List(ctx context.Context) ([]string, error) { return nil, nil }

func (NullTransportFactory) Open(ctx context.Context, serial string) (Transport, error) {
	return nil, ErrNotFound
}

// shiftBuses adds busShift to the one-byte CAN-bus-index field (offset
// 4) of each frame record of an opaque batch, so the caller publishes
// a unified 0/1/2 bus numbering regardless of which physical board
// produced the traffic. The batch layout (one 0x10-byte record per
// frame: addr u32, busIdx u8, len u8, flags u16, data[8]) is the board
// firmware's own framing; boardd does not interpret frame payloads.
func shiftBuses(buf []byte, shift int) []byte {
	if shift == 0 {
		return buf
	}
	const recSize = 16
	out := make([]byte, len(buf))
	copy(out, buf)
	for off := 0; off+recSize <= len(out); off += recSize {
		out[off+4] = byte(int(out[off+4]) + shift)
	}
	return out
}
