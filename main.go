// Package main is a module exposing the dot-corners four-corner actuator device.
package main

import (
	"context"

	"github.com/viam-modules/dot-corners/controller"
	"github.com/viam-modules/dot-corners/cornermotor"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("dot-corners"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	module, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, generic.API, controller.Model); err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, motor.API, cornermotor.Model); err != nil {
		return err
	}

	err = module.Start(ctx)
	defer module.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
