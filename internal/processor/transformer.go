package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"project-feed/internal/config"
	"project-feed/internal/models"
)

// ErrEventRejected is returned when the processor suppresses an event, either because
// the script returned null or undefined or because the record status is dropped
var ErrEventRejected = errors.New("event rejected by transformer")

// Transformer applies the configured script or status filter to change events
// before they are fanned out
type Transformer struct {
	config       *config.ProcessorConfig
	logger       *logrus.Logger
	program      *goja.Program
	dropStatuses map[string]bool
	natsConn     *nats.Conn // NATS connection for JavaScript bindings
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:       cfg,
		logger:       logger,
		dropStatuses: make(map[string]bool),
		natsConn:     natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := transformer.LoadScript(cfg.Script, string(scriptContent)); err != nil {
			return nil, err
		}
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, status := range cfg.DropStatuses {
		transformer.dropStatuses[strings.ToLower(status)] = true
	}
	return transformer, nil
}

// LoadScript compiles and validates a transform script
func (t *Transformer) LoadScript(name, src string) error {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	if _, err := t.resolve(goja.New(), program); err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	t.program = program
	return nil
}

// resolve runs the program and returns the transform function. The script can be:
// 1. An anonymous function: (function(record) { return record; })
// 2. A named function: function transform(record) { return record; }
func (t *Transformer) resolve(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	if named := vm.Get("transform"); named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the transformation to a change event
func (t *Transformer) Transform(event models.ChangeEvent) (models.ChangeEvent, error) {
	if t.config == nil || !t.config.Enabled {
		return event, nil
	}
	if t.program != nil {
		return t.transformWithJavaScript(event)
	}
	if t.dropStatuses[strings.ToLower(event.Record.Status)] {
		t.logger.Debugf("Dropping change for project %d in status %q", event.ID(), event.Record.Status)
		return event, ErrEventRejected
	}
	return event, nil
}

func (t *Transformer) transformWithJavaScript(event models.ChangeEvent) (models.ChangeEvent, error) {
	recordJSON, err := json.Marshal(event.Record)
	if err != nil {
		return event, fmt.Errorf("failed to marshal record to JSON: %w", err)
	}

	// goja.Runtime is not thread-safe, every event gets its own
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return event, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return event, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := t.resolve(vm, t.program)
	if err != nil {
		return event, err
	}

	if err := vm.Set("recordJSON", string(recordJSON)); err != nil {
		return event, fmt.Errorf("failed to set record JSON: %w", err)
	}
	recordObj, err := vm.RunString("JSON.parse(recordJSON)")
	if err != nil {
		return event, fmt.Errorf("failed to parse record JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), recordObj)
	if err != nil {
		return event, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event rejected by JavaScript transformer: project %d", event.ID())
		return event, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return event, fmt.Errorf("failed to marshal result: %w", err)
	}
	var transformed models.Record
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return event, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if transformed.ID != event.ID() {
		return event, fmt.Errorf("transform changed proid from %d to %d", event.ID(), transformed.ID)
	}

	t.logger.Debugf("JavaScript transformation result: %s", string(resultJSON))
	event.Record = transformed
	return event, nil
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish(subject, data) to scripts
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}

		dataArg := call.Argument(1)
		if goja.IsUndefined(dataArg) || goja.IsNull(dataArg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		var dataBytes []byte
		switch v := dataArg.Export().(type) {
		case string:
			dataBytes = []byte(v)
		case []byte:
			dataBytes = v
		default:
			var err error
			dataBytes, err = json.Marshal(v)
			if err != nil {
				panic(vm.NewTypeError("nats.publish: failed to marshal data: %v", err))
			}
		}

		if err := t.natsConn.Publish(subject, dataBytes); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}

	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}
