package homing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

// fakeRig simulates the actuation bus and Hall sensors: each forward pulse
// advances the corner's position by one step, each reverse pulse retreats it,
// and the sensor value is a function of position. Every sample read advances
// the mock clock, standing in for the real mux settle time.
type fakeRig struct {
	mu         sync.Mutex
	clk        *clock.Mock
	sampleTime time.Duration
	wave       func(corner Corner, pos int) uint16

	pos     map[Corner]int
	forward map[Corner]int
	reverse map[Corner]int
	stops   map[Corner]int
	lastDir map[Corner]Direction
}

func newFakeRig(sampleTime time.Duration, wave func(Corner, int) uint16) *fakeRig {
	return &fakeRig{
		clk:        clock.NewMock(),
		sampleTime: sampleTime,
		wave:       wave,
		pos:        map[Corner]int{},
		forward:    map[Corner]int{},
		reverse:    map[Corner]int{},
		stops:      map[Corner]int{},
		lastDir:    map[Corner]Direction{},
	}
}

func (r *fakeRig) SetCornerState(ctx context.Context, corner Corner, dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir == DirStop {
		r.stops[corner]++
	}
	r.lastDir[corner] = dir
	return nil
}

func (r *fakeRig) Pulse(ctx context.Context, corner Corner, dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch dir {
	case DirForward:
		r.pos[corner]++
		r.forward[corner]++
	case DirReverse:
		r.pos[corner]--
		r.reverse[corner]++
	}
	return nil
}

func (r *fakeRig) ReadCorner(ctx context.Context, corner Corner) (uint16, error) {
	r.mu.Lock()
	pos := r.pos[corner]
	r.mu.Unlock()
	r.clk.Add(r.sampleTime)
	return r.wave(corner, pos), nil
}

// triangular rises strictly for the first 20 steps and falls strictly after.
func triangular(_ Corner, pos int) uint16 {
	if pos <= 20 {
		return uint16(1000 + 100*pos)
	}
	v := 3000 - 100*(pos-20)
	if v < 0 {
		v = 0
	}
	return uint16(v)
}

func TestZeroTriangularWaveform(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, triangular)
	z := NewZeroer(rig, rig, rig.clk, logger)

	err := z.Zero(ctx, []Corner{1}, Options{
		TimeoutPerMotor: 10 * time.Second,
		MinValidValue:   1,
		MinSampleCount:  9,
	})
	test.That(t, err, test.ShouldBeNil)

	// The peak at step 20 is confirmed 9/2 = 4 samples later, at step 24, and
	// the same number of reverse pulses recenters the actuator on the peak.
	test.That(t, rig.forward[1], test.ShouldEqual, 24)
	test.That(t, rig.reverse[1], test.ShouldEqual, 4)
	test.That(t, rig.pos[1], test.ShouldEqual, 20)
}

func TestZeroAllSamplesInvalidTimesOut(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, func(Corner, int) uint16 { return 3 })
	z := NewZeroer(rig, rig, rig.clk, logger)

	err := z.Zero(ctx, []Corner{2}, Options{
		TimeoutPerMotor: time.Second,
		MinValidValue:   10,
		MinSampleCount:  9,
	})
	var agg *AggregateHomingFailure
	test.That(t, errors.As(err, &agg), test.ShouldBeTrue)
	test.That(t, agg.Failed, test.ShouldResemble, []Corner{2})

	// Invalid samples never trigger back-off pulses, and the actuator is left
	// stopped.
	test.That(t, rig.reverse[2], test.ShouldEqual, 0)
	test.That(t, rig.lastDir[2], test.ShouldEqual, DirStop)
}

func TestZeroContinuesPastFailedCorner(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, func(corner Corner, pos int) uint16 {
		if corner == 0 {
			return 0 // corner 0 never produces a valid sample
		}
		return triangular(corner, pos)
	})
	z := NewZeroer(rig, rig, rig.clk, logger)

	err := z.Zero(ctx, []Corner{0, 3}, Options{
		TimeoutPerMotor: time.Second,
		MinValidValue:   10,
		MinSampleCount:  9,
	})
	var agg *AggregateHomingFailure
	test.That(t, errors.As(err, &agg), test.ShouldBeTrue)
	test.That(t, agg.Failed, test.ShouldResemble, []Corner{0})

	// Corner 3 was still homed correctly.
	test.That(t, rig.pos[3], test.ShouldEqual, 20)
	test.That(t, rig.reverse[3], test.ShouldEqual, 4)
}

func TestZeroFlatWaveform(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, func(Corner, int) uint16 { return 800 })
	z := NewZeroer(rig, rig, rig.clk, logger)

	err := z.Zero(ctx, []Corner{0}, Options{
		TimeoutPerMotor: time.Second,
		MinValidValue:   10,
		MinSampleCount:  9,
	})
	test.That(t, err, test.ShouldBeNil)

	// A plateau is treated as a peak as soon as the window fills: 9 forward
	// steps, then the fixed 4-step back-off, and nothing more.
	test.That(t, rig.forward[0], test.ShouldEqual, 9)
	test.That(t, rig.reverse[0], test.ShouldEqual, 4)
}

func TestZeroDefaultsApplied(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, func(Corner, int) uint16 { return 800 })
	z := NewZeroer(rig, rig, rig.clk, logger)

	// Zero-valued options pick up the default 9-sample window.
	err := z.Zero(ctx, []Corner{0}, Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rig.forward[0], test.ShouldEqual, 9)
	test.That(t, rig.reverse[0], test.ShouldEqual, 4)
}

func TestZeroValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := newFakeRig(10*time.Millisecond, triangular)
	z := NewZeroer(rig, rig, rig.clk, logger)
	ctx := context.Background()

	err := z.Zero(ctx, nil, Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no corners")

	err = z.Zero(ctx, []Corner{4}, Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")

	err = z.Zero(ctx, []Corner{0}, Options{MinSampleCount: 6})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "odd")

	err = z.Zero(ctx, []Corner{0}, Options{TimeoutPerMotor: -time.Second})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "positive")

	// No pulses were issued by any of the rejected calls.
	test.That(t, rig.forward[0], test.ShouldEqual, 0)
}

// blockingActuator parks the first Pulse call until released, so a test can
// observe the zeroer mid-run.
type blockingActuator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingActuator) SetCornerState(ctx context.Context, corner Corner, dir Direction) error {
	return nil
}

func (a *blockingActuator) Pulse(ctx context.Context, corner Corner, dir Direction) error {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *blockingActuator) ReadCorner(ctx context.Context, corner Corner) (uint16, error) {
	return 0, nil
}

func TestZeroRejectsConcurrentRun(t *testing.T) {
	logger := logging.NewTestLogger(t)
	act := &blockingActuator{started: make(chan struct{}), release: make(chan struct{})}
	z := NewZeroer(act, act, clock.New(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- z.Zero(ctx, []Corner{0}, Options{TimeoutPerMotor: time.Minute})
	}()
	<-act.started

	err := z.Zero(context.Background(), []Corner{1}, Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already in progress")

	cancel()
	err = <-errCh
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, context.Canceled.Error())
}
