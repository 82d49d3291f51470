package hc4067

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/testutils/inject"
	"go.viam.com/test"

	"github.com/viam-modules/dot-corners/homing"
)

// fakeMux tracks the selected channel through the four select lines and
// serves ADC readings per channel.
type fakeMux struct {
	channel  int
	history  []int
	readings map[int]int
}

func (f *fakeMux) selectPins() [4]board.GPIOPin {
	var sel [4]board.GPIOPin
	for i := range sel {
		bit := i
		sel[i] = &inject.GPIOPin{SetFunc: func(ctx context.Context, high bool, extra map[string]interface{}) error {
			if high {
				f.channel |= 1 << uint(bit)
			} else {
				f.channel &^= 1 << uint(bit)
			}
			if bit == 3 {
				// The mux writes all four bits per selection; record the
				// channel once the last bit lands.
				f.history = append(f.history, f.channel)
			}
			return nil
		}}
	}
	return sel
}

func (f *fakeMux) adc() board.Analog {
	a := &inject.Analog{}
	a.ReadFunc = func(ctx context.Context, extra map[string]interface{}) (board.AnalogValue, error) {
		val, ok := f.readings[f.channel]
		if !ok {
			return board.AnalogValue{}, errors.Errorf("no reading wired for channel %d", f.channel)
		}
		return board.AnalogValue{Value: val}, nil
	}
	return a
}

func newTestMux(t *testing.T, readings map[int]int) (*Mux, *fakeMux) {
	t.Helper()
	fake := &fakeMux{readings: readings}
	m, err := NewMux(context.Background(), fake.selectPins(), fake.adc(), time.Millisecond, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m, fake
}

func TestNewMuxParksIdle(t *testing.T) {
	_, fake := newTestMux(t, nil)
	test.That(t, fake.channel, test.ShouldEqual, IdleChannel)
}

func TestReadCornerChannelMapping(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestMux(t, map[int]int{8: 100, 9: 200, 10: 300, 11: 400, IdleChannel: 0})

	for corner := homing.Corner(0); corner < homing.NumCorners; corner++ {
		val, err := m.ReadCorner(ctx, corner)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, val, test.ShouldEqual, uint16(100*(int(corner)+1)))
	}

	// Every read selects the corner's channel then restores idle.
	test.That(t, fake.history, test.ShouldResemble, []int{15, 8, 15, 9, 15, 10, 15, 11, 15})
}

func TestReadCornerClampsToUint16(t *testing.T) {
	ctx := context.Background()

	m, _ := newTestMux(t, map[int]int{8: 70000})
	val, err := m.ReadCorner(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, val, test.ShouldEqual, uint16(0xFFFF))

	m, _ = newTestMux(t, map[int]int{8: -12})
	val, err = m.ReadCorner(ctx, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, val, test.ShouldEqual, uint16(0))
}

func TestReadCornerRestoresIdleOnADCError(t *testing.T) {
	ctx := context.Background()
	// No reading wired for channel 8, so the ADC read fails.
	m, fake := newTestMux(t, map[int]int{})

	_, err := m.ReadCorner(ctx, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, fake.channel, test.ShouldEqual, IdleChannel)
}

func TestReadCornerRejectsBadCorner(t *testing.T) {
	m, _ := newTestMux(t, nil)
	_, err := m.ReadCorner(context.Background(), 4)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = m.ReadCorner(context.Background(), -1)
	test.That(t, err, test.ShouldNotBeNil)
}
