package script

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
)

// globalLock serializes every hook invocation across every flow and every
// loaded Hook in the process: the scripting runtime is a
// single, process-global interpreter lock.
var globalLock sync.Mutex

// Hook owns one script's lifecycle: the loaded module, reloadable behind a
// reader/writer lock, and the logger used for the "log, treat as None"
// error policy.
type Hook struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	mod *loadedModule
}

// Load reads and evaluates the script at path, returning a Hook ready to
// dispatch calls. Use Watch separately to enable hot reload.
func Load(path string, logger *slog.Logger) (*Hook, error) {
	mod, err := loadModule(path)
	if err != nil {
		return nil, err
	}
	return &Hook{path: path, logger: logger, mod: mod}, nil
}

// current returns the currently active module under the reader lock.
func (h *Hook) current() *loadedModule {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mod
}

// reload re-reads and re-evaluates the script, atomically swapping the
// module pointer on success. On failure the previous module stays in
// force; the caller (the watcher) is responsible for logging.
func (h *Hook) reload() error {
	mod, err := loadModule(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.mod = mod
	h.mu.Unlock()
	return nil
}

// callGuarded invokes fn while holding the global interpreter lock, and
// translates a script-level panic or error into the "log, treat as no
// verdict" policy: a misbehaving hook must never take down the proxy.
func (h *Hook) callGuarded(name string, fn func() (goja.Value, error)) (val goja.Value, ok bool) {
	globalLock.Lock()
	defer globalLock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "hook", name, "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	ret, err := fn()
	if err != nil {
		h.logger.Error("hook call failed", "hook", name, "error", err)
		return nil, false
	}
	return ret, true
}

// RawOpen fires once when a raw flow starts. It reports whether the script
// requested termination.
func (h *Hook) RawOpen(snapshot RawFlowSnapshot) bool {
	mod := h.current()
	if mod == nil || mod.rawOpen == nil {
		return false
	}
	ret, ok := h.callGuarded("raw_open", func() (goja.Value, error) {
		return mod.rawOpen(goja.Undefined(), mod.vm.ToValue(snapshot))
	})
	return ok && mod.isTerminate(ret)
}

// RawFilterResult is the outcome of a client/server raw filter call.
type RawFilterResult struct {
	Replace   bool
	NewBytes  []byte
	Terminate bool
}

// ClientRawFilter fires after each client-side chunk.
func (h *Hook) ClientRawFilter(snapshot RawFlowSnapshot, chunk []byte) RawFilterResult {
	return h.rawFilter(h.current(), "client_raw_filter", snapshot, chunk, func(m *loadedModule) goja.Callable {
		return m.clientRawFilter
	})
}

// ServerRawFilter fires after each server-side chunk.
func (h *Hook) ServerRawFilter(snapshot RawFlowSnapshot, chunk []byte) RawFilterResult {
	return h.rawFilter(h.current(), "server_raw_filter", snapshot, chunk, func(m *loadedModule) goja.Callable {
		return m.serverRawFilter
	})
}

func (h *Hook) rawFilter(mod *loadedModule, name string, snapshot RawFlowSnapshot, chunk []byte, pick func(*loadedModule) goja.Callable) RawFilterResult {
	if mod == nil {
		return RawFilterResult{}
	}
	fn := pick(mod)
	if fn == nil {
		return RawFilterResult{}
	}

	// Chunks are exposed to scripts as JS strings (byte-preserving for the
	// ASCII/UTF-8 text that dominates the scripting use case — see
	// DESIGN.md for the tradeoff against a full ArrayBuffer surface).
	chunkVal := mod.vm.ToValue(string(chunk))
	ret, ok := h.callGuarded(name, func() (goja.Value, error) {
		return fn(goja.Undefined(), mod.vm.ToValue(snapshot), chunkVal)
	})
	if !ok {
		return RawFilterResult{}
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return RawFilterResult{}
	}
	if mod.isTerminate(ret) {
		return RawFilterResult{Terminate: true}
	}

	b, err := exportBytes(ret)
	if err != nil {
		h.logger.Error("hook returned non-byte value", "hook", name, "error", err)
		return RawFilterResult{}
	}
	if bytes.Equal(b, chunk) {
		// The hook returned the input chunk unchanged (the common case is
		// literal identity — returning the same string value — but any
		// byte-equal result is behaviorally a no-op since ReplaceLastChunk
		// preserves the original timestamp regardless).
		return RawFilterResult{}
	}
	return RawFilterResult{Replace: true, NewBytes: b}
}

// HTTPOpen fires once after the upstream HTTP handshake succeeds.
func (h *Hook) HTTPOpen(flowID string) bool {
	mod := h.current()
	if mod == nil || mod.httpOpen == nil {
		return false
	}
	ret, ok := h.callGuarded("http_open", func() (goja.Value, error) {
		return mod.httpOpen(goja.Undefined(), mod.vm.ToValue(flowID))
	})
	return ok && mod.isTerminate(ret)
}

// HTTPFilterResult is the outcome of a request/response hook call.
type HTTPFilterResult struct {
	Replace   bool
	Response  *Response
	Terminate bool
}

// HTTPRequest fires once a request has been received and recorded.
func (h *Hook) HTTPRequest(flowID string, req *Request) HTTPFilterResult {
	mod := h.current()
	if mod == nil || mod.httpRequest == nil {
		return HTTPFilterResult{}
	}
	return h.httpFilter(mod, "http_request", mod.httpRequest, flowID, req, nil)
}

// HTTPResponse fires once a response has been received and recorded.
func (h *Hook) HTTPResponse(flowID string, req *Request, resp *Response) HTTPFilterResult {
	mod := h.current()
	if mod == nil || mod.httpResponse == nil {
		return HTTPFilterResult{}
	}
	return h.httpFilter(mod, "http_response", mod.httpResponse, flowID, req, resp)
}

func (h *Hook) httpFilter(mod *loadedModule, name string, fn goja.Callable, flowID string, req *Request, resp *Response) HTTPFilterResult {
	var respVal goja.Value
	if resp == nil {
		respVal = goja.Undefined()
	} else {
		respVal = mod.vm.ToValue(resp)
	}

	ret, ok := h.callGuarded(name, func() (goja.Value, error) {
		return fn(goja.Undefined(), mod.vm.ToValue(flowID), mod.vm.ToValue(req), respVal)
	})
	if !ok {
		return HTTPFilterResult{}
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return HTTPFilterResult{}
	}
	if mod.isTerminate(ret) {
		return HTTPFilterResult{Terminate: true}
	}

	var out Response
	if err := mod.vm.ExportTo(ret, &out); err != nil {
		h.logger.Error("hook returned unparseable response", "hook", name, "error", err)
		return HTTPFilterResult{}
	}
	return HTTPFilterResult{Replace: true, Response: &out}
}

// exportBytes converts a hook's return value back into raw bytes. A JS
// string (or a value that exports as a Go []byte) is accepted; any other
// type, an ArrayBuffer included, is rejected with an error.
func exportBytes(v goja.Value) ([]byte, error) {
	switch x := v.Export().(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("unsupported return type %T", x)
	}
}
