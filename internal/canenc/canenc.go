// Package canenc encodes and decodes the opaque CAN batches boardd's
// Board interface passes around. The record shape mirrors the classical
// CAN frame modeled by github.com/notnil/canbus (standard/extended ID,
// RTR, 0-8 byte payload) and is what github.com/brutella/can's Frame
// maps onto one-for-one, which lets internal/board's simulation board
// round-trip real SocketCAN traffic through the same wire shape a panda
// would produce.
package canenc

import (
	"encoding/binary"
	"fmt"

	"github.com/notnil/canbus"

	"github.com/commaai/boardd/internal/message"
)

// recSize is the per-frame record length the board firmware uses:
// addr(u32) busIdx(u8) len(u8) flags(u16) data(8 bytes).
const recSize = 16

const (
	flagExtended uint16 = 1 << 0
	flagRTR      uint16 = 1 << 1
)

// EncodeBatch packs frames into the opaque byte layout board.Board.CanSend
// expects and board.Board.CanReceive returns. Each frame is validated
// through github.com/notnil/canbus's Frame shape first (standard vs.
// extended ID range, 0-8 byte length) and silently dropped if it
// doesn't fit a classical CAN frame — the panda's own framing adds a
// per-frame bus index canbus.Frame has no field for, so the two layouts
// aren't identical, but the identifier/length/RTR legality rules are.
func EncodeBatch(frames []message.CanFrame) []byte {
	out := make([]byte, 0, len(frames)*recSize)
	for _, f := range frames {
		cf := canbus.Frame{ID: f.Address, Extended: f.Extended, RTR: f.RTR, Len: uint8(len(f.Data))}
		if err := cf.Validate(); err != nil {
			continue
		}
		rec := make([]byte, recSize)
		binary.LittleEndian.PutUint32(rec[0:4], f.Address)
		rec[4] = byte(f.Bus)
		rec[5] = byte(len(f.Data))
		var flags uint16
		if f.Extended {
			flags |= flagExtended
		}
		if f.RTR {
			flags |= flagRTR
		}
		binary.LittleEndian.PutUint16(rec[6:8], flags)
		copy(rec[8:16], f.Data)
		out = append(out, rec...)
	}
	return out
}

// DecodeBatch unpacks an opaque byte buffer into frames. It is used only
// by the simulation board's CanSend; the debug websocket mirror sends
// payloads as-is, and the production loops (internal/canloop) forward the bytes verbatim and
// never decode them, per spec.md's non-goal on CAN payload
// interpretation.
func DecodeBatch(buf []byte) ([]message.CanFrame, error) {
	if len(buf)%recSize != 0 {
		return nil, fmt.Errorf("canenc: batch length %d not a multiple of %d", len(buf), recSize)
	}
	n := len(buf) / recSize
	out := make([]message.CanFrame, n)
	for i := 0; i < n; i++ {
		off := i * recSize
		dlc := int(buf[off+5])
		if dlc > 8 {
			dlc = 8
		}
		flags := binary.LittleEndian.Uint16(buf[off+6 : off+8])
		data := make([]byte, dlc)
		copy(data, buf[off+8:off+8+dlc])
		out[i] = message.CanFrame{
			Address:  binary.LittleEndian.Uint32(buf[off : off+4]),
			Bus:      int(buf[off+4]),
			Extended: flags&flagExtended != 0,
			RTR:      flags&flagRTR != 0,
			Data:     data,
		}
	}
	return out, nil
}
