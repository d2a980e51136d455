// Package message defines the payload types carried on boardd's
// publish/subscribe topics (can, pandaState, ubloxRaw, sendcan,
// deviceState, driverCameraState). The wire encoding is opaque to the
// supervisory loops — see internal/pubsub — but every loop needs a
// typed view of a decoded message, which is what lives here.
package message

import (
	"bytes"
	"encoding/gob"
	"time"
)

// Encode gob-encodes v for transport over a pubsub.Publisher. gob (not
// a schema compiler) is the right-sized choice here: every message type
// is a plain exported struct, and boardd never needs cross-language
// interop on these internal topics — the pub/sub fabric and its wire
// format are explicitly opaque to the supervisory loops (spec.md §6).
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(payload []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

// CanFrame is one classical CAN frame, shaped like the frame types in
// github.com/notnil/canbus and github.com/brutella/can: a standard or
// extended identifier, optional RTR, and 0-8 bytes of payload.
type CanFrame struct {
	Bus      int
	Address  uint32
	Extended bool
	RTR      bool
	Data     []byte
}

// CanEvent is a decoded view of a batch of frames drained from one
// board in one receive call. canloop.Recv does not publish this type:
// it publishes the board's raw batch bytes on "can" as-is.
type CanEvent struct {
	LogMonoTime time.Time
	Frames      []CanFrame
}

// SendCanEvent is a received "sendcan" message: a batch of frames the
// rest of the stack wants forwarded to the vehicle, timestamped at the
// moment it was produced so boardd can drop it if it arrives stale.
type SendCanEvent struct {
	LogMonoTime time.Time
	Frames      []CanFrame
}

// PandaType mirrors board.HardwareType for wire purposes so pubsub
// consumers don't need to import internal/board.
type PandaType int32

// PandaStateMsg is the "pandaState" message the board-state loop
// publishes once per tick.
type PandaStateMsg struct {
	Valid bool // comms_healthy

	Uptime          uint32
	Voltage         uint32
	Current         uint32
	IgnitionLine    bool
	IgnitionCan     bool
	ControlsAllowed bool
	GasInterceptor  bool
	HasGps          bool

	CanRxErrs     uint32
	CanSendErrs   uint32
	CanFwdErrs    uint32
	GmlanSendErrs uint32

	PandaType    PandaType
	UsbPowerMode int32
	SafetyModel  int32
	SafetyParam  int16
	FanSpeedRpm  uint16

	FaultStatus      int32
	PowerSaveEnabled bool
	HeartbeatLost    bool
	HarnessStatus    int32
	Faults           []int
}

// DeviceState is a subset of the "deviceState" message hwcontrol reads.
type DeviceState struct {
	ChargingDisabled       bool
	FanSpeedPercentDesired uint16
}

// DriverCameraState is a subset of the "driverCameraState" message
// hwcontrol reads.
type DriverCameraState struct {
	LogMonoTime time.Time
	IntegLines  int
}

// UbloxRaw is the "ubloxRaw" message the GPS loop publishes.
type UbloxRaw struct {
	Data []byte
}
