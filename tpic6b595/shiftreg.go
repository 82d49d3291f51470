// Package tpic6b595 drives the chained power shift registers that latch the
// H-bridge lines for the corner motors. One bit-serial path feeds both
// registers, so all sixteen outputs are rewritten on every state change.
package tpic6b595

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/dot-corners/homing"
)

// FrameBits is the number of chained register outputs.
const FrameBits = 16

// driveMask covers the upper byte of the frame, where the corner H-bridge
// lines live. The lower byte is left for other loads on the chain.
const driveMask uint16 = 0xFF00

func forwardBit(c homing.Corner) uint { return uint(8 + 2*int(c)) }
func reverseBit(c homing.Corner) uint { return uint(8 + 2*int(c) + 1) }

// Pins are the five control lines of the shift register chain.
type Pins struct {
	SerIn  board.GPIOPin // serial data in
	SRCK   board.GPIOPin // shift clock
	RClk   board.GPIOPin // latch clock
	NSRClr board.GPIOPin // shift register clear, active low
	NOE    board.GPIOPin // output enable, active low
}

func (p Pins) validate() error {
	if p.SerIn == nil || p.SRCK == nil || p.RClk == nil || p.NSRClr == nil || p.NOE == nil {
		return errors.New("all five shift register pins are required")
	}
	return nil
}

// Timing holds the fixed delays of the bus.
type Timing struct {
	// BitDelay separates the serial data and clock edges while shifting.
	BitDelay time.Duration
	// InitDelay pads the clear/enable sequence so the registers power up in
	// a known state.
	InitDelay time.Duration
	// PulseWidth is the drive time of one motor step.
	PulseWidth time.Duration
	// Settle is the stop time after one motor step.
	Settle time.Duration
}

// DefaultTiming matches the device firmware.
var DefaultTiming = Timing{
	BitDelay:   100 * time.Microsecond,
	InitDelay:  100 * time.Millisecond,
	PulseWidth: 10 * time.Millisecond,
	Settle:     25 * time.Millisecond,
}

func (t Timing) withDefaults() Timing {
	if t.BitDelay <= 0 {
		t.BitDelay = DefaultTiming.BitDelay
	}
	if t.InitDelay <= 0 {
		t.InitDelay = DefaultTiming.InitDelay
	}
	if t.PulseWidth <= 0 {
		t.PulseWidth = DefaultTiming.PulseWidth
	}
	if t.Settle <= 0 {
		t.Settle = DefaultTiming.Settle
	}
	return t
}

// Bus owns the shift register chain and the last frame latched onto it. All
// drive state flows through the frame, so there is exactly one writer view of
// what the hardware outputs are.
type Bus struct {
	pins   Pins
	timing Timing
	logger logging.Logger

	mu    sync.Mutex
	frame uint16
}

// NewBus initializes the chain: clears the registers, enables the outputs and
// latches an all-zero frame.
func NewBus(ctx context.Context, pins Pins, timing Timing, logger logging.Logger) (*Bus, error) {
	if err := pins.validate(); err != nil {
		return nil, err
	}
	b := &Bus{pins: pins, timing: timing.withDefaults(), logger: logger}

	// Pulse the active-low clear to flush whatever the registers held.
	if err := b.pins.NSRClr.Set(ctx, false, nil); err != nil {
		return nil, errors.Wrap(err, "clearing shift registers")
	}
	if !utils.SelectContextOrWait(ctx, b.timing.InitDelay) {
		return nil, ctx.Err()
	}
	if err := b.pins.NSRClr.Set(ctx, true, nil); err != nil {
		return nil, errors.Wrap(err, "releasing shift register clear")
	}
	if !utils.SelectContextOrWait(ctx, b.timing.InitDelay) {
		return nil, ctx.Err()
	}

	if err := multierr.Combine(
		b.pins.NOE.Set(ctx, false, nil), // active low, enable outputs
		b.pins.SRCK.Set(ctx, false, nil),
		b.pins.RClk.Set(ctx, false, nil),
	); err != nil {
		return nil, errors.Wrap(err, "initializing shift register control lines")
	}
	if !utils.SelectContextOrWait(ctx, b.timing.InitDelay) {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.latch(ctx, 0); err != nil {
		return nil, errors.Wrap(err, "latching initial all-off frame")
	}
	return b, nil
}

// latch shifts frame out MSB first and pulses the latch clock. The caller
// must hold b.mu.
func (b *Bus) latch(ctx context.Context, frame uint16) error {
	for i := FrameBits - 1; i >= 0; i-- {
		bit := frame&(1<<uint(i)) != 0
		if err := b.pins.SerIn.Set(ctx, bit, nil); err != nil {
			return errors.Wrap(err, "setting serial data")
		}
		time.Sleep(b.timing.BitDelay)
		if err := b.pins.SRCK.Set(ctx, true, nil); err != nil {
			return errors.Wrap(err, "raising shift clock")
		}
		time.Sleep(b.timing.BitDelay)
		if err := b.pins.SRCK.Set(ctx, false, nil); err != nil {
			return errors.Wrap(err, "lowering shift clock")
		}
		time.Sleep(b.timing.BitDelay)
	}

	if err := b.pins.RClk.Set(ctx, true, nil); err != nil {
		return errors.Wrap(err, "raising latch clock")
	}
	time.Sleep(b.timing.BitDelay)
	if err := b.pins.RClk.Set(ctx, false, nil); err != nil {
		return errors.Wrap(err, "lowering latch clock")
	}
	time.Sleep(b.timing.BitDelay)

	b.logger.Debugf("latched frame 0x%04x", frame)
	b.frame = frame
	return nil
}

// SetCornerState latches a drive state for one corner while preserving the
// rest of the frame. Stop deactivates both H-bridge lines for the corner.
func (b *Bus) SetCornerState(ctx context.Context, corner homing.Corner, dir homing.Direction) error {
	if corner < 0 || corner >= homing.NumCorners {
		return errors.Errorf("corner %d out of range [0, %d)", corner, homing.NumCorners)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	frame := b.frame &^ (1<<forwardBit(corner) | 1<<reverseBit(corner))
	switch dir {
	case homing.DirForward:
		frame |= 1 << forwardBit(corner)
	case homing.DirReverse:
		frame |= 1 << reverseBit(corner)
	case homing.DirStop:
	default:
		return errors.Errorf("unknown direction %v", dir)
	}
	return b.latch(ctx, frame)
}

// Pulse performs one motor step: drive for the pulse width, stop, then wait
// for the mechanism to settle.
func (b *Bus) Pulse(ctx context.Context, corner homing.Corner, dir homing.Direction) error {
	if dir != homing.DirForward && dir != homing.DirReverse {
		return errors.Errorf("pulse direction must be forward or reverse, got %v", dir)
	}
	if err := b.SetCornerState(ctx, corner, dir); err != nil {
		return err
	}
	if !utils.SelectContextOrWait(ctx, b.timing.PulseWidth) {
		// Never leave a motor driven when the pulse is cancelled.
		return multierr.Append(ctx.Err(), b.SetCornerState(context.Background(), corner, homing.DirStop))
	}
	if err := b.SetCornerState(ctx, corner, homing.DirStop); err != nil {
		return err
	}
	if !utils.SelectContextOrWait(ctx, b.timing.Settle) {
		return ctx.Err()
	}
	return nil
}

// StopAll deactivates every corner drive line in a single latch.
func (b *Bus) StopAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latch(ctx, b.frame&^driveMask)
}

// Frame returns the last latched frame.
func (b *Bus) Frame() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}
