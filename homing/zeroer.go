// Package homing drives each corner actuator to the peak of its Hall sensor
// reading, giving the device a repeatable zero position without an absolute
// encoder.
package homing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// Corner identifies one of the four actuated corners of the device.
type Corner int

// NumCorners is the number of corner actuators on the device.
const NumCorners = 4

// Key returns the string form of the corner used in command results.
func (c Corner) Key() string { return strconv.Itoa(int(c)) }

// Direction is a drive command for a corner motor.
type Direction int

// Drive directions. Stop deactivates both H-bridge lines for the corner.
const (
	DirStop Direction = iota
	DirForward
	DirReverse
)

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirReverse:
		return "reverse"
	case DirStop:
		return "stop"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection converts a wire-level direction name into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return DirForward, nil
	case "reverse":
		return DirReverse, nil
	case "stop":
		return DirStop, nil
	default:
		return DirStop, errors.Errorf("unknown direction %q", s)
	}
}

// Actuator drives corner motors over the shared drive bus. SetCornerState
// latches a drive state and leaves it applied. Pulse performs one step: drive
// in the given direction for a fixed width, stop, then wait for the mechanism
// to settle.
type Actuator interface {
	SetCornerState(ctx context.Context, corner Corner, dir Direction) error
	Pulse(ctx context.Context, corner Corner, dir Direction) error
}

// Sensor reads the magnetic deviation magnitude for one corner. Readings are
// single noisy samples, already centered by the sensing hardware.
type Sensor interface {
	ReadCorner(ctx context.Context, corner Corner) (uint16, error)
}

// Defaults for Options fields left at their zero value.
const (
	DefaultTimeoutPerMotor = 10 * time.Second
	DefaultMinSampleCount  = 9
)

// Options tunes one zeroing run.
type Options struct {
	// TimeoutPerMotor bounds the wall-clock time spent on each corner.
	TimeoutPerMotor time.Duration
	// MinValidValue is the smallest sample magnitude accepted into the
	// detection window. Smaller readings model a disconnected or saturated
	// sensor and are discarded without resetting the timeout.
	MinValidValue uint16
	// MinSampleCount is the detection window capacity. Must be odd so the
	// window has a well-defined center.
	MinSampleCount int
}

// AggregateHomingFailure reports the corners that could not be homed within
// their time budget. Corners not listed were homed successfully.
type AggregateHomingFailure struct {
	Failed []Corner
}

func (e *AggregateHomingFailure) Error() string {
	return fmt.Sprintf("failed to home corners %v within the per-motor timeout", e.Failed)
}

// Zeroer sequences corners through the homing procedure, one at a time over
// the shared actuation bus and multiplexed sensor.
type Zeroer struct {
	act    Actuator
	sens   Sensor
	clk    clock.Clock
	logger logging.Logger

	// busy rejects overlapping runs; concurrent access would corrupt the
	// shared shift-register and mux state.
	busy sync.Mutex
}

// NewZeroer wires a Zeroer to its actuation and sensing ports.
func NewZeroer(act Actuator, sens Sensor, clk clock.Clock, logger logging.Logger) *Zeroer {
	return &Zeroer{act: act, sens: sens, clk: clk, logger: logger}
}

// Zero homes the given corners in order. Corners that time out are recorded
// and skipped, so one stuck corner does not prevent homing the rest; the
// accumulated failures are returned as an *AggregateHomingFailure once every
// corner has been attempted. Port errors and context cancellation abort the
// run immediately.
func (z *Zeroer) Zero(ctx context.Context, corners []Corner, opts Options) error {
	if len(corners) == 0 {
		return errors.New("no corners requested")
	}
	for _, c := range corners {
		if c < 0 || c >= NumCorners {
			return errors.Errorf("corner %d out of range [0, %d)", c, NumCorners)
		}
	}
	if opts.TimeoutPerMotor == 0 {
		opts.TimeoutPerMotor = DefaultTimeoutPerMotor
	}
	if opts.TimeoutPerMotor < 0 {
		return errors.Errorf("timeout per motor must be positive, got %v", opts.TimeoutPerMotor)
	}
	if opts.MinSampleCount == 0 {
		opts.MinSampleCount = DefaultMinSampleCount
	}
	if opts.MinSampleCount < 1 || opts.MinSampleCount%2 == 0 {
		return errors.Errorf("min sample count must be a positive odd number, got %d", opts.MinSampleCount)
	}

	if !z.busy.TryLock() {
		return errors.New("homing already in progress")
	}
	defer z.busy.Unlock()

	var failed []Corner
	for _, c := range corners {
		homed, err := z.zeroCorner(ctx, c, opts)
		if err != nil {
			return err
		}
		if !homed {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		return &AggregateHomingFailure{Failed: failed}
	}
	return nil
}

// zeroCorner runs the pulse/sample loop for one corner. It returns false
// without an error when the corner timed out.
func (z *Zeroer) zeroCorner(ctx context.Context, corner Corner, opts Options) (bool, error) {
	if err := z.act.SetCornerState(ctx, corner, DirStop); err != nil {
		return false, errors.Wrapf(err, "resetting corner %d before homing", corner)
	}

	win := NewWindow(opts.MinSampleCount)
	start := z.clk.Now()
	for {
		if err := ctx.Err(); err != nil {
			return false, multierr.Append(err, z.act.SetCornerState(context.Background(), corner, DirStop))
		}
		if z.clk.Since(start) > opts.TimeoutPerMotor {
			if err := z.act.SetCornerState(ctx, corner, DirStop); err != nil {
				return false, errors.Wrapf(err, "stopping corner %d after timeout", corner)
			}
			z.logger.CWarnf(ctx, "corner %d: no hall peak within %v, giving up", corner, opts.TimeoutPerMotor)
			return false, nil
		}

		if err := z.act.Pulse(ctx, corner, DirForward); err != nil {
			return false, errors.Wrapf(err, "pulsing corner %d forward", corner)
		}
		sample, err := z.sens.ReadCorner(ctx, corner)
		if err != nil {
			return false, errors.Wrapf(err, "reading hall sensor for corner %d", corner)
		}
		if sample < opts.MinValidValue {
			continue
		}
		win.Push(sample)
		if !win.AtPeak() {
			continue
		}

		// The peak was passed Lag() steps ago; back off onto it.
		for i := 0; i < win.Lag(); i++ {
			if err := z.act.Pulse(ctx, corner, DirReverse); err != nil {
				return false, errors.Wrapf(err, "backing corner %d off onto the peak", corner)
			}
		}
		z.logger.Debugf("corner %d homed in %v", corner, z.clk.Since(start))
		return true, nil
	}
}
