// Package cornermotor exposes a single corner of the dot-corners device as a
// standard motor component. The drive is on/off through the shared shift
// register bus and has no encoder, so only power-style control is supported.
package cornermotor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/dot-corners/homing"
)

// Model for a single corner motor of the dot-corners device.
var Model = resource.NewModel("viam", "dot-corners", "corner-motor")

// Config describes the configuration of a corner motor.
type Config struct {
	Controller string `json:"controller"`
	Corner     *int   `json:"corner"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.Controller == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "controller")
	}
	if conf.Corner == nil {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "corner")
	}
	if *conf.Corner < 0 || *conf.Corner >= homing.NumCorners {
		return nil, nil, errors.Errorf("corner must be between 0 and %d, got %d", homing.NumCorners-1, *conf.Corner)
	}
	return []string{conf.Controller}, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// cornerDriver is what the motor needs from the controller resource. It is
// satisfied by *controller.Controller and by fakes in tests.
type cornerDriver interface {
	Drive(ctx context.Context, corner homing.Corner, dir homing.Direction) error
	Pulse(ctx context.Context, corner homing.Corner, dir homing.Direction) error
	ReadHall(ctx context.Context, corner homing.Corner) (uint16, error)
	ZeroCorners(ctx context.Context, corners []homing.Corner, opts homing.Options) error
}

// Motor drives one corner through the shared controller.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	drv       cornerDriver
	corner    homing.Corner
	logger    logging.Logger
	opMgr     *operation.SingleOperationManager
	motorName string

	mu       sync.Mutex
	lastDir  homing.Direction
	powerPct float64
}

// newMotor looks up the controller dependency and wraps one of its corners.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	res, err := generic.FromDependencies(deps, conf.Controller)
	if err != nil {
		return nil, err
	}
	drv, ok := res.(cornerDriver)
	if !ok {
		return nil, errors.Errorf("%q is not a dot-corners controller", conf.Controller)
	}
	return makeMotor(*conf, c.ResourceName(), logger, drv), nil
}

// makeMotor is separate from newMotor so tests can inject a fake controller.
func makeMotor(conf Config, name resource.Name, logger logging.Logger, drv cornerDriver) *Motor {
	return &Motor{
		Named:     name.AsNamed(),
		drv:       drv,
		corner:    homing.Corner(*conf.Corner),
		logger:    logger,
		opMgr:     operation.NewSingleOperationManager(),
		motorName: name.ShortName(),
	}
}

// SetPower latches a continuous drive in the direction of powerPct's sign.
// The drive is on/off, so any non-zero magnitude is full power.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)

	dir := homing.DirStop
	switch {
	case powerPct > 0:
		dir = homing.DirForward
	case powerPct < 0:
		dir = homing.DirReverse
	}
	if dir != homing.DirStop && math.Abs(powerPct) < 1 {
		m.logger.CWarnf(ctx, "corner drive is on/off, treating power %.2f as full power", powerPct)
	}

	if err := m.drv.Drive(ctx, m.corner, dir); err != nil {
		return errors.Wrapf(err, "error in SetPower from motor (%s)", m.motorName)
	}

	m.mu.Lock()
	m.lastDir = dir
	m.powerPct = powerPct
	m.mu.Unlock()
	return nil
}

// Stop stops the motor.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if err := m.drv.Drive(ctx, m.corner, homing.DirStop); err != nil {
		return errors.Wrapf(err, "error in Stop from motor (%s)", m.motorName)
	}
	m.mu.Lock()
	m.lastDir = homing.DirStop
	m.powerPct = 0
	m.mu.Unlock()
	return nil
}

// IsMoving returns true if a drive state is currently latched.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDir != homing.DirStop, nil
}

// IsPowered returns whether the motor is driven and the last requested power.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDir != homing.DirStop, m.powerPct, nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: false,
	}, nil
}

// Position is unsupported; the corner has no encoder.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, errors.Errorf("motor (%s) does not support Position: no encoder", m.motorName)
}

// GoFor is unsupported; the corner has no encoder.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support GoFor: no encoder", m.motorName)
}

// GoTo is unsupported; the corner has no encoder.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support GoTo: no encoder", m.motorName)
}

// SetRPM is unsupported; the drive has no speed control.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support SetRPM: no speed control", m.motorName)
}

// ResetZeroPosition is unsupported; zeroing is done against the Hall peak via
// the home command instead.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not support ResetZeroPosition: home against the hall peak instead", m.motorName)
}

// DoCommand() related constants.
const (
	Command   = "command"
	Home      = "home"
	PulseCmd  = "pulse"
	ReadHall  = "read_hall"
	Direction = "direction"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Home:
		ctx, done := m.opMgr.New(ctx)
		defer done()
		opts := homing.Options{}
		if raw, ok := cmd["timeout_ms"]; ok {
			f, ok := raw.(float64)
			if !ok {
				return nil, errors.New("timeout_ms value must be a number")
			}
			opts.TimeoutPerMotor = time.Duration(f) * time.Millisecond
		}
		return nil, m.drv.ZeroCorners(ctx, []homing.Corner{m.corner}, opts)
	case PulseCmd:
		raw, ok := cmd[Direction]
		if !ok {
			return nil, errors.Errorf("need %s value for pulse", Direction)
		}
		s, ok := raw.(string)
		if !ok {
			return nil, errors.New("direction value must be a string")
		}
		dir, err := homing.ParseDirection(s)
		if err != nil {
			return nil, err
		}
		return nil, m.drv.Pulse(ctx, m.corner, dir)
	case ReadHall:
		val, err := m.drv.ReadHall(ctx, m.corner)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": int(val)}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
