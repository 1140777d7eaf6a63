// Package script hosts the user-supplied scripting hook: a single-threaded
// JS interpreter (goja) loaded from a file, exposing up to five well-known
// functions that the raw and HTTP engines invoke at defined lifecycle
// points, with hot reload on file change.
package script

import (
	"fmt"
	"os"

	"github.com/dop251/goja"
)

// loadedModule is one loaded, evaluated script: its VM and the function
// references discovered by well-known name. A goja VM is not safe for
// concurrent use, which is why every call into a module goes through
// Hook's global lock (see hook.go).
type loadedModule struct {
	vm        *goja.Runtime
	terminate goja.Value

	rawOpen         goja.Callable
	clientRawFilter goja.Callable
	serverRawFilter goja.Callable
	httpOpen        goja.Callable
	httpRequest     goja.Callable
	httpResponse    goja.Callable
}

// loadModule reads and evaluates the script at path into a fresh VM.
func loadModule(path string) (*loadedModule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: reading %s: %w", path, err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	terminate := vm.NewObject()
	if err := vm.Set("TERMINATE", terminate); err != nil {
		return nil, fmt.Errorf("script: setting TERMINATE sentinel: %w", err)
	}

	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, fmt.Errorf("script: evaluating %s: %w", path, err)
	}

	lm := &loadedModule{
		vm:              vm,
		terminate:       terminate,
		rawOpen:         lookupFunc(vm, "raw_open"),
		clientRawFilter: lookupFunc(vm, "client_raw_filter"),
		serverRawFilter: lookupFunc(vm, "server_raw_filter"),
		httpOpen:        lookupFunc(vm, "http_open"),
		httpRequest:     lookupFunc(vm, "http_request"),
		httpResponse:    lookupFunc(vm, "http_response"),
	}
	return lm, nil
}

// lookupFunc returns the named global as a callable, or nil if it is not
// defined or not a function — hook discovery is by well-known name, and an
// absent hook is simply never invoked.
func lookupFunc(vm *goja.Runtime, name string) goja.Callable {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

// isTerminate reports whether v is the module's terminate sentinel,
// compared by identity (not by value), not structural/value equality.
func (m *loadedModule) isTerminate(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) && v.SameAs(m.terminate)
}
