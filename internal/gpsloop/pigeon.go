// Package gpsloop implements the GPS loop (spec.md §4.7) and the
// Pigeon interface it drives: a u-blox receiver reached either over a
// direct serial device (TICI) or tunneled through the main board's USB
// link.
package gpsloop

import (
	"context"
	"fmt"
	"os"

	"github.com/commaai/boardd/internal/board"
)

// Pigeon is the narrow interface the GPS loop uses against a u-blox
// receiver, matching spec.md §6.
type Pigeon interface {
	Init(ctx context.Context) error
	Receive(ctx context.Context) ([]byte, error)
	Stop(ctx context.Context) error
	SetPower(ctx context.Context, on bool) error
}

// SerialPigeon reaches the receiver over a direct serial device, used
// on TICI where the GPS module has its own UART off the SoC.
type SerialPigeon struct {
	path string
	f    *os.File
}

// ConnectSerial opens path (e.g. "/dev/ttyHS0").
func ConnectSerial(path string) (*SerialPigeon, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gpsloop: open %s: %w", path, err)
	}
	return &SerialPigeon{path: path, f: f}, nil
}

func (p *SerialPigeon) Init(ctx context.Context) error {
	// u-blox init sequence (baud/config messages) is board-firmware-
	// adjacent and opaque here; a real deployment would write the
	// UBX-CFG messages this receiver needs. Left as a hook.
	return nil
}

func (p *SerialPigeon) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := p.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *SerialPigeon) Stop(ctx context.Context) error { return nil }

func (p *SerialPigeon) SetPower(ctx context.Context, on bool) error {
	// Power control for a directly-wired receiver is out of scope here
	// (platform GPIO); hook retained for parity with TunneledPigeon.
	return nil
}

// TunneledPigeon reaches the receiver through the main board's USB
// link, used off TICI where the u-blox module hangs off the board
// itself rather than the host.
type TunneledPigeon struct {
	main board.Board
}

// ConnectTunneled wraps main as a Pigeon transport.
func ConnectTunneled(main board.Board) *TunneledPigeon {
	return &TunneledPigeon{main: main}
}

func (p *TunneledPigeon) Init(ctx context.Context) error {
	return nil
}

func (p *TunneledPigeon) Receive(ctx context.Context) ([]byte, error) {
	// The board multiplexes GPS bytes onto the same bulk endpoint as
	// CAN traffic using a distinct framing tag; decoding that framing
	// is board-firmware-specific and out of scope (spec.md §1), so the
	// tunnel here is a placeholder that returns no bytes until a real
	// board firmware binding is wired in.
	return nil, nil
}

func (p *TunneledPigeon) Stop(ctx context.Context) error { return nil }

func (p *TunneledPigeon) SetPower(ctx context.Context, on bool) error {
	return nil
}
