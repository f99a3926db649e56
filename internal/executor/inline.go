package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/pkg/logger"
)

// InlineExecutor evaluates the active version's code in-process on a fresh
// goja VM per call. The stored code is the body of handler(input); anything
// written through console.log is captured as stdout.
type InlineExecutor struct {
	resolver Resolver
	timeout  time.Duration
	log      *logger.Logger
}

// NewInline constructs the in-process backend.
func NewInline(resolver Resolver, timeout time.Duration, log *logger.Logger) *InlineExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.NewDefault("inline")
	}
	return &InlineExecutor{resolver: resolver, timeout: timeout, log: log}
}

func (e *InlineExecutor) Kind() module.EnvKind { return module.EnvInline }

func (e *InlineExecutor) Cleanup() error { return nil }

// Validate requires only that the active version carries code; the VM is
// created per call.
func (e *InlineExecutor) Validate(ctx context.Context, moduleName string) bool {
	_, ver, err := e.resolver.ResolveActive(ctx, moduleName)
	return err == nil && ver.Code != ""
}

func (e *InlineExecutor) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	start := time.Now()

	_, ver, err := e.resolver.ResolveActive(ctx, req.ModuleName)
	if err != nil {
		return execution.Result{}, err
	}

	vm := goja.New()

	var stdout []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		stdout = append(stdout, strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	// Interrupt on wall-clock expiry or caller cancellation.
	done := make(chan struct{})
	defer close(done)
	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt(timeoutMessage) })
	defer timer.Stop()
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	finish := func(result any, exitCode int, stderr string) execution.Result {
		return execution.Result{
			Result:   result,
			ExitCode: exitCode,
			Stderr:   stderr,
			Stdout:   strings.Join(stdout, "\n"),
			Duration: time.Since(start).Seconds(),
		}
	}

	if _, err := vm.RunString(wrapHandler(ver.Code)); err != nil {
		return finish(nil, 1, err.Error()), nil
	}

	fn, ok := goja.AssertFunction(vm.Get("handler"))
	if !ok {
		return finish(nil, 1, "module must define a handler function"), nil
	}

	value, err := fn(goja.Undefined(), vm.ToValue(req.Input))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return execution.Result{}, ctx.Err()
			}
			return finish(nil, execution.ExitTimeout, timeoutMessage), nil
		}
		return finish(nil, 1, fmt.Sprintf("Error executing module: %v", err)), nil
	}

	return finish(exportResult(value), 0, ""), nil
}

// wrapHandler turns the stored body into a function definition, indenting
// each line by one level.
func wrapHandler(code string) string {
	var b strings.Builder
	b.WriteString("function handler(input) {\n")
	for _, line := range strings.Split(code, "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// exportResult converts the VM value, wrapping non-object returns as
// {"result": value}.
func exportResult(value goja.Value) any {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return map[string]any{}
	}
	exported := value.Export()
	if obj, ok := exported.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": exported}
}
