// Package controller implements the dot-corners device controller: it owns
// the shift-register drive bus and the multiplexed Hall reader, and exposes
// zeroing and manual drive operations to callers.
package controller

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/dot-corners/hc4067"
	"github.com/viam-modules/dot-corners/homing"
	"github.com/viam-modules/dot-corners/tpic6b595"
)

// Model for the dot-corners device controller.
var Model = resource.NewModel("viam", "dot-corners", "controller")

// PinConfig names the GPIO pins wired to the shift registers and the Hall
// multiplexer.
type PinConfig struct {
	SerIn      string   `json:"ser_in"`
	SRCK       string   `json:"srck"`
	RClk       string   `json:"rclk"`
	NSRClr     string   `json:"n_srclr"`
	NOE        string   `json:"n_oe"`
	HallSelect []string `json:"hall_select"`
}

// Config describes the configuration of the controller.
type Config struct {
	BoardName      string    `json:"board"`
	Pins           PinConfig `json:"pins"`
	AnalogReader   string    `json:"analog_reader"`
	BitDelayUS     int       `json:"bit_delay_us,omitempty"`
	PulseMs        int       `json:"pulse_ms,omitempty"`
	SettleMs       int       `json:"settle_ms,omitempty"`
	MuxSettleMs    int       `json:"mux_settle_ms,omitempty"`
	HomeTimeoutMs  int       `json:"home_timeout_ms,omitempty"`
	MinValidValue  int       `json:"min_valid_value,omitempty"`
	MinSampleCount int       `json:"min_sample_count,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if conf.AnalogReader == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "analog_reader")
	}
	if conf.Pins.SerIn == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.ser_in")
	}
	if conf.Pins.SRCK == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.srck")
	}
	if conf.Pins.RClk == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.rclk")
	}
	if conf.Pins.NSRClr == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.n_srclr")
	}
	if conf.Pins.NOE == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.n_oe")
	}
	if len(conf.Pins.HallSelect) != 4 {
		return nil, nil, errors.Errorf("pins.hall_select needs exactly 4 pins, got %d", len(conf.Pins.HallSelect))
	}
	if conf.MinSampleCount != 0 && (conf.MinSampleCount < 1 || conf.MinSampleCount%2 == 0) {
		return nil, nil, errors.Errorf("min_sample_count must be a positive odd number, got %d", conf.MinSampleCount)
	}
	if conf.MinValidValue < 0 || conf.MinValidValue > 0xFFFF {
		return nil, nil, errors.Errorf("min_valid_value must fit in 16 bits, got %d", conf.MinValidValue)
	}
	return []string{conf.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newController,
	})
}

// driveBus is what the controller needs from the actuation hardware. It is
// satisfied by *tpic6b595.Bus and by fakes in tests.
type driveBus interface {
	homing.Actuator
	StopAll(ctx context.Context) error
}

// Controller is the device resource. One instance owns the whole actuation
// and sensing path for all four corners.
type Controller struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	bus      driveBus
	sens     homing.Sensor
	zeroer   *homing.Zeroer
	defaults homing.Options
	logger   logging.Logger
}

// newController builds the controller against real board pins.
func newController(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}

	pinByName := func(name string) (board.GPIOPin, error) {
		return b.GPIOPinByName(name)
	}
	var pins tpic6b595.Pins
	if pins.SerIn, err = pinByName(conf.Pins.SerIn); err != nil {
		return nil, err
	}
	if pins.SRCK, err = pinByName(conf.Pins.SRCK); err != nil {
		return nil, err
	}
	if pins.RClk, err = pinByName(conf.Pins.RClk); err != nil {
		return nil, err
	}
	if pins.NSRClr, err = pinByName(conf.Pins.NSRClr); err != nil {
		return nil, err
	}
	if pins.NOE, err = pinByName(conf.Pins.NOE); err != nil {
		return nil, err
	}

	var sel [4]board.GPIOPin
	for i, name := range conf.Pins.HallSelect {
		if sel[i], err = pinByName(name); err != nil {
			return nil, err
		}
	}

	adc, err := b.AnalogByName(conf.AnalogReader)
	if err != nil {
		return nil, err
	}

	timing := tpic6b595.Timing{
		BitDelay:   time.Duration(conf.BitDelayUS) * time.Microsecond,
		PulseWidth: time.Duration(conf.PulseMs) * time.Millisecond,
		Settle:     time.Duration(conf.SettleMs) * time.Millisecond,
	}
	bus, err := tpic6b595.NewBus(ctx, pins, timing, logger)
	if err != nil {
		return nil, err
	}

	mux, err := hc4067.NewMux(ctx, sel, adc, time.Duration(conf.MuxSettleMs)*time.Millisecond, logger)
	if err != nil {
		return nil, err
	}

	return makeController(ctx, *conf, c.ResourceName(), logger, bus, mux, clock.New())
}

// makeController is separate from newController so tests can inject fake
// actuation and sensing ports.
func makeController(ctx context.Context, conf Config, name resource.Name, logger logging.Logger,
	bus driveBus, sens homing.Sensor, clk clock.Clock,
) (*Controller, error) {
	defaults := homing.Options{
		TimeoutPerMotor: time.Duration(conf.HomeTimeoutMs) * time.Millisecond,
		MinValidValue:   uint16(conf.MinValidValue),
		MinSampleCount:  conf.MinSampleCount,
	}
	if defaults.TimeoutPerMotor == 0 {
		logger.CWarn(ctx, "home_timeout_ms not set, defaulting to 10s per corner")
		defaults.TimeoutPerMotor = homing.DefaultTimeoutPerMotor
	}
	if defaults.MinSampleCount == 0 {
		defaults.MinSampleCount = homing.DefaultMinSampleCount
	}

	return &Controller{
		Named:    name.AsNamed(),
		bus:      bus,
		sens:     sens,
		zeroer:   homing.NewZeroer(bus, sens, clk, logger),
		defaults: defaults,
		logger:   logger,
	}, nil
}

// options fills zero-valued fields from the configured defaults.
func (c *Controller) options(o homing.Options) homing.Options {
	if o.TimeoutPerMotor == 0 {
		o.TimeoutPerMotor = c.defaults.TimeoutPerMotor
	}
	if o.MinValidValue == 0 {
		o.MinValidValue = c.defaults.MinValidValue
	}
	if o.MinSampleCount == 0 {
		o.MinSampleCount = c.defaults.MinSampleCount
	}
	return o
}

// ZeroCorners homes the given corners in order, using the configured defaults
// for any zero-valued option.
func (c *Controller) ZeroCorners(ctx context.Context, corners []homing.Corner, opts homing.Options) error {
	return c.zeroer.Zero(ctx, corners, c.options(opts))
}

// Drive latches a continuous drive state for one corner.
func (c *Controller) Drive(ctx context.Context, corner homing.Corner, dir homing.Direction) error {
	return c.bus.SetCornerState(ctx, corner, dir)
}

// Pulse performs one motor step for one corner.
func (c *Controller) Pulse(ctx context.Context, corner homing.Corner, dir homing.Direction) error {
	return c.bus.Pulse(ctx, corner, dir)
}

// Halt stops one corner.
func (c *Controller) Halt(ctx context.Context, corner homing.Corner) error {
	return c.bus.SetCornerState(ctx, corner, homing.DirStop)
}

// StopAll stops every corner in a single latch.
func (c *Controller) StopAll(ctx context.Context) error {
	return c.bus.StopAll(ctx)
}

// ReadHall samples one corner's Hall sensor.
func (c *Controller) ReadHall(ctx context.Context, corner homing.Corner) (uint16, error) {
	return c.sens.ReadCorner(ctx, corner)
}

// Sweep briefly exercises each corner in both directions, for bring-up and
// cabling checks.
func (c *Controller) Sweep(ctx context.Context) error {
	for corner := homing.Corner(0); corner < homing.NumCorners; corner++ {
		if err := c.bus.Pulse(ctx, corner, homing.DirForward); err != nil {
			return multierr.Append(errors.Wrapf(err, "sweeping corner %d forward", corner), c.bus.StopAll(ctx))
		}
		if err := c.bus.Pulse(ctx, corner, homing.DirReverse); err != nil {
			return multierr.Append(errors.Wrapf(err, "sweeping corner %d reverse", corner), c.bus.StopAll(ctx))
		}
	}
	return nil
}

// DoCommand() related constants.
const (
	Command      = "command"
	Zero         = "zero"
	Drive        = "drive"
	Stop         = "stop"
	ReadHall     = "read_hall"
	ReadAllHalls = "read_all_halls"
	Sweep        = "sweep"
)

// DoCommand dispatches the closed command table of the controller.
func (c *Controller) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Zero:
		corners, err := cornersFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		opts, err := optionsFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		if err := c.ZeroCorners(ctx, corners, opts); err != nil {
			return nil, err
		}
		return map[string]interface{}{"homed": cornersToIfaces(corners)}, nil
	case Drive:
		corner, err := cornerFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		dir, err := directionFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		return nil, c.Drive(ctx, corner, dir)
	case Stop:
		if _, ok := cmd["corner"]; !ok {
			return nil, c.StopAll(ctx)
		}
		corner, err := cornerFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		return nil, c.Halt(ctx, corner)
	case ReadHall:
		corner, err := cornerFromCmd(cmd)
		if err != nil {
			return nil, err
		}
		val, err := c.ReadHall(ctx, corner)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": int(val)}, nil
	case ReadAllHalls:
		values := map[string]interface{}{}
		for corner := homing.Corner(0); corner < homing.NumCorners; corner++ {
			val, err := c.ReadHall(ctx, corner)
			if err != nil {
				return nil, err
			}
			values[corner.Key()] = int(val)
		}
		return values, nil
	case Sweep:
		return nil, c.Sweep(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func cornerFromCmd(cmd map[string]interface{}) (homing.Corner, error) {
	raw, ok := cmd["corner"]
	if !ok {
		return 0, errors.New("need corner value")
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, errors.New("corner value must be a number")
	}
	corner := homing.Corner(f)
	if corner < 0 || corner >= homing.NumCorners {
		return 0, errors.Errorf("corner %d out of range [0, %d)", corner, homing.NumCorners)
	}
	return corner, nil
}

// cornersFromCmd reads the requested corner list; all four corners are
// homed in order when the list is omitted.
func cornersFromCmd(cmd map[string]interface{}) ([]homing.Corner, error) {
	raw, ok := cmd["corners"]
	if !ok {
		return []homing.Corner{0, 1, 2, 3}, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("corners value must be a list of numbers")
	}
	corners := make([]homing.Corner, 0, len(list))
	for _, entry := range list {
		f, ok := entry.(float64)
		if !ok {
			return nil, errors.New("corners value must be a list of numbers")
		}
		corner := homing.Corner(f)
		if corner < 0 || corner >= homing.NumCorners {
			return nil, errors.Errorf("corner %d out of range [0, %d)", corner, homing.NumCorners)
		}
		corners = append(corners, corner)
	}
	return corners, nil
}

func directionFromCmd(cmd map[string]interface{}) (homing.Direction, error) {
	raw, ok := cmd["direction"]
	if !ok {
		return homing.DirStop, errors.New("need direction value")
	}
	s, ok := raw.(string)
	if !ok {
		return homing.DirStop, errors.New("direction value must be a string")
	}
	return homing.ParseDirection(s)
}

func optionsFromCmd(cmd map[string]interface{}) (homing.Options, error) {
	var opts homing.Options
	intFromCmd := func(key string) (int, error) {
		raw, ok := cmd[key]
		if !ok {
			return 0, nil
		}
		f, ok := raw.(float64)
		if !ok {
			return 0, errors.Errorf("%s value must be a number", key)
		}
		return int(f), nil
	}

	timeoutMs, err := intFromCmd("timeout_ms")
	if err != nil {
		return opts, err
	}
	opts.TimeoutPerMotor = time.Duration(timeoutMs) * time.Millisecond

	minValid, err := intFromCmd("min_valid_value")
	if err != nil {
		return opts, err
	}
	if minValid < 0 || minValid > 0xFFFF {
		return opts, errors.Errorf("min_valid_value must fit in 16 bits, got %d", minValid)
	}
	opts.MinValidValue = uint16(minValid)

	opts.MinSampleCount, err = intFromCmd("min_sample_count")
	if err != nil {
		return opts, err
	}
	return opts, nil
}

func cornersToIfaces(corners []homing.Corner) []interface{} {
	out := make([]interface{}, len(corners))
	for i, c := range corners {
		out[i] = int(c)
	}
	return out
}
