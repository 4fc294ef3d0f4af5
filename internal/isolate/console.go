package isolate

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/logging"
)

var consoleMethods = []string{"log", "info", "warn", "error", "debug"}

// setupGlobals configures global objects and security
func (e *Environment) setupGlobals() error {
	// Host module loaders never exist inside an isolate
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := e.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := e.vm.NewObject()
	for _, method := range consoleMethods {
		if err := console.Set(method, e.makeConsoleFunc(method)); err != nil {
			return err
		}
	}
	return e.vm.Set("console", console)
}

// makeConsoleFunc creates a console function. Console calls are safe points
// for interrupts.
func (e *Environment) makeConsoleFunc(method string) func(goja.FunctionCall) goja.Value {
	level := logging.ConsoleLevel(method)
	return func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}

		if ce := e.logger.Check(level, strings.Join(args, " ")); ce != nil {
			ce.Write(zap.String("console", method))
		}
		e.broadcastConsole(method, args)

		if exec := e.Current(); exec != nil {
			exec.ServiceInterrupts()
		}
		return goja.Undefined()
	}
}
