package board

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/can"

	"github.com/commaai/boardd/internal/canenc"
	"github.com/commaai/boardd/internal/message"
)

// Sim is a Board backed by a real SocketCAN interface (vcan0 in CI, a
// real CAN interface on a bench rig) via github.com/brutella/can,
// standing in for a panda during development. Its ignition line and
// safety model are driven explicitly (normally by internal/devbench)
// rather than read off hardware.
type Sim struct {
	hw     HardwareType
	serial string
	hasRTC bool

	bus  *can.Bus
	rxMu sync.Mutex
	rx   [][]byte // pending encoded batches, one per CanReceive-worthy burst

	connected    atomic.Bool
	commsHealthy atomic.Bool

	mu           sync.Mutex
	safetyModel  SafetyModel
	safetyParam  int16
	unsafeMode   uint16
	powerSave    bool
	loopback     bool
	usbPowerMode UsbPowerMode
	fanSpeed     uint16
	irPower      uint16
	rtc          time.Time

	ignitionLine atomic.Bool
	ignitionCAN  atomic.Bool
}

// NewSim opens ifaceName (e.g. "vcan0") over SocketCAN and presents it
// as a Board of the given hardware type.
func NewSim(ifaceName string, hw HardwareType, serial string) (*Sim, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("board: sim interface %s: %w", ifaceName, err)
	}
	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("board: sim open %s: %w", ifaceName, err)
	}
	bus := can.NewBus(conn)

	s := &Sim{
		hw:     hw,
		serial: serial,
		hasRTC: hw == HwUno || hw == HwDos || hw == HwBlack,
		bus:    bus,
		rtc:    time.Now().UTC(),
	}
	s.connected.Store(true)
	s.commsHealthy.Store(true)

	bus.SubscribeFunc(s.onFrame)
	go func() {
		_ = bus.ConnectAndPublish()
	}()

	return s, nil
}

func (s *Sim) onFrame(f can.Frame) {
	data := append([]byte{}, f.Data[:f.Length]...)
	frame := message.CanFrame{
		Address:  f.ID &^ (1 << 31),
		Bus:      0,
		Extended: f.ID&(1<<31) != 0,
		Data:     data,
	}
	batch := canenc.EncodeBatch([]message.CanFrame{frame})

	s.rxMu.Lock()
	s.rx = append(s.rx, batch)
	s.rxMu.Unlock()
}

// SetIgnition drives the simulated ignition line, for internal/devbench.
func (s *Sim) SetIgnition(on bool) {
	s.ignitionLine.Store(on)
}

func (s *Sim) HWType() HardwareType { return s.hw }
func (s *Sim) USBSerial() string    { return s.serial }
func (s *Sim) HasRTC() bool         { return s.hasRTC }
func (s *Sim) Connected() bool      { return s.connected.Load() }
func (s *Sim) CommsHealthy() bool   { return s.commsHealthy.Load() }

func (s *Sim) FirmwareVersion(ctx context.Context) ([8]byte, error) {
	var fw [8]byte
	copy(fw[:], []byte("SIMBOARD"))
	return fw, nil
}

func (s *Sim) SetUsbPowerMode(ctx context.Context, mode UsbPowerMode) error {
	s.mu.Lock()
	s.usbPowerMode = mode
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetSafetyModel(ctx context.Context, model SafetyModel, param int16) error {
	s.mu.Lock()
	s.safetyModel, s.safetyParam = model, param
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetUnsafeMode(ctx context.Context, mode uint16) error {
	s.mu.Lock()
	s.unsafeMode = mode
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetPowerSaving(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.powerSave = enabled
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetLoopback(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.loopback = enabled
	s.mu.Unlock()
	return nil
}

func (s *Sim) GetRTC(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtc, nil
}

func (s *Sim) SetRTC(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	s.rtc = t.UTC()
	s.mu.Unlock()
	return nil
}

func (s *Sim) GetState(ctx context.Context) (Health, error) {
	s.mu.Lock()
	h := Health{
		IgnitionLine:     s.ignitionLine.Load(),
		IgnitionCAN:      s.ignitionCAN.Load(),
		SafetyModel:      s.safetyModel,
		SafetyParam:      s.safetyParam,
		UsbPowerMode:     s.usbPowerMode,
		PowerSaveEnabled: s.powerSave,
		Voltage:          12000,
		Current:          500,
	}
	s.mu.Unlock()
	return h, nil
}

func (s *Sim) CanReceive(ctx context.Context, busShift int) ([]byte, error) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	if len(s.rx) == 0 {
		return nil, nil
	}
	var out []byte
	for _, b := range s.rx {
		if busShift != 0 {
			b = shiftBuses(b, busShift)
		}
		out = append(out, b...)
	}
	s.rx = s.rx[:0]
	return out, nil
}

func (s *Sim) CanSend(ctx context.Context, batch []byte) error {
	frames, err := canenc.DecodeBatch(batch)
	if err != nil {
		return err
	}
	for _, f := range frames {
		id := f.Address
		if f.Extended {
			id |= 1 << 31
		}
		frame := can.Frame{ID: id, Length: uint8(len(f.Data))}
		copy(frame.Data[:], f.Data)
		if err := s.bus.Publish(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sim) SetFanSpeed(ctx context.Context, rpm uint16) error {
	s.mu.Lock()
	s.fanSpeed = rpm
	s.mu.Unlock()
	return nil
}

func (s *Sim) GetFanSpeed(ctx context.Context) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fanSpeed, nil
}

func (s *Sim) SetIrPower(ctx context.Context, pct uint16) error {
	s.mu.Lock()
	s.irPower = pct
	s.mu.Unlock()
	return nil
}

func (s *Sim) SendHeartbeat(ctx context.Context) error { return nil }

func (s *Sim) Close() error {
	s.connected.Store(false)
	return s.bus.Disconnect()
}

// SimDiscoverer presents a fixed set of SocketCAN interfaces as if they
// were boards detected over USB, for bench testing (see
// internal/devbench and cmd/boardd's -bench flag).
type SimDiscoverer struct {
	// Ifaces maps a fake USB serial to a (SocketCAN interface, hardware
	// type) pair to bring up on Open.
	Ifaces map[string]SimSpec
}

// SimSpec describes one simulated board.
type SimSpec struct {
	Interface string
	HWType    HardwareType
}

func (d *SimDiscoverer) List(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.Ifaces))
	for serial := range d.Ifaces {
		out = append(out, serial)
	}
	return out, nil
}

func (d *SimDiscoverer) Open(ctx context.Context, serial string) (Board, error) {
	spec, ok := d.Ifaces[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return NewSim(spec.Interface, spec.HWType, serial)
}
