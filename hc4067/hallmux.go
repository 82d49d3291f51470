// Package hc4067 reads the corner Hall sensors through a 16-channel analog
// multiplexer feeding a single ADC.
package hc4067

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/dot-corners/homing"
)

const (
	// NumChannels is the number of mux inputs.
	NumChannels = 16
	// IdleChannel is an unconnected input the mux is parked on between
	// reads, so a stuck selection cannot keep a sensor loaded.
	IdleChannel = 15
	// firstHallChannel is the mux input wired to corner 0's Hall sensor;
	// the remaining corners follow in order.
	firstHallChannel = 8
)

// DefaultSettle is how long the mux output is given to stabilize after a
// channel change before the ADC is trusted.
const DefaultSettle = 10 * time.Millisecond

// Mux selects one of the Hall sensors onto the shared ADC and samples it.
type Mux struct {
	sel    [4]board.GPIOPin
	adc    board.Analog
	settle time.Duration
	logger logging.Logger
}

// NewMux wires the four select lines and the ADC, and parks the mux on the
// idle channel. A settle of zero or less selects DefaultSettle.
func NewMux(ctx context.Context, sel [4]board.GPIOPin, adc board.Analog, settle time.Duration, logger logging.Logger) (*Mux, error) {
	for i, pin := range sel {
		if pin == nil {
			return nil, errors.Errorf("hall select pin %d is required", i)
		}
	}
	if adc == nil {
		return nil, errors.New("hall ADC is required")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	m := &Mux{sel: sel, adc: adc, settle: settle, logger: logger}
	if err := m.selectChannel(ctx, IdleChannel); err != nil {
		return nil, errors.Wrap(err, "parking mux on idle channel")
	}
	return m, nil
}

func channelForCorner(c homing.Corner) int {
	return firstHallChannel + int(c)
}

func (m *Mux) selectChannel(ctx context.Context, ch int) error {
	var errs error
	for i, pin := range m.sel {
		errs = multierr.Append(errs, pin.Set(ctx, ch&(1<<uint(i)) != 0, nil))
	}
	return errs
}

// ReadCorner selects the corner's channel, waits out the settle interval,
// takes one ADC sample and restores the idle channel.
func (m *Mux) ReadCorner(ctx context.Context, corner homing.Corner) (uint16, error) {
	if corner < 0 || corner >= homing.NumCorners {
		return 0, errors.Errorf("corner %d out of range [0, %d)", corner, homing.NumCorners)
	}

	if err := m.selectChannel(ctx, channelForCorner(corner)); err != nil {
		return 0, errors.Wrapf(err, "selecting hall channel for corner %d", corner)
	}
	if !utils.SelectContextOrWait(ctx, m.settle) {
		return 0, ctx.Err()
	}

	v, err := m.adc.Read(ctx, nil)
	if err != nil {
		return 0, multierr.Append(
			errors.Wrapf(err, "reading hall ADC for corner %d", corner),
			m.selectChannel(ctx, IdleChannel),
		)
	}
	if err := m.selectChannel(ctx, IdleChannel); err != nil {
		return 0, errors.Wrap(err, "restoring mux idle channel")
	}

	raw := v.Value
	if raw < 0 {
		raw = 0
	}
	if raw > math.MaxUint16 {
		raw = math.MaxUint16
	}
	m.logger.Debugf("corner %d hall reading: %d", corner, raw)
	return uint16(raw), nil
}
