package script

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "hook.js")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestClientRawFilter_Rewrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `
		function client_raw_filter(flow, chunk) {
			return chunk.toString().split("foo").join("BAR");
		}
	`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res := h.ClientRawFilter(RawFlowSnapshot{ID: "x"}, []byte("foo+foo"))
	if !res.Replace || string(res.NewBytes) != "BAR+BAR" {
		t.Fatalf("got %+v, want replace with BAR+BAR", res)
	}
}

func TestClientRawFilter_IdentityReturnTreatedAsNone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `
		function client_raw_filter(flow, chunk) {
			return chunk;
		}
	`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res := h.ClientRawFilter(RawFlowSnapshot{}, []byte("unchanged"))
	if res.Replace {
		t.Fatalf("expected identity return to be treated as no-op, got %+v", res)
	}
}

func TestRawOpen_TerminateSentinel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `
		function raw_open(flow) {
			return TERMINATE;
		}
	`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !h.RawOpen(RawFlowSnapshot{}) {
		t.Fatal("expected raw_open to signal termination")
	}
}

func TestHook_MissingFunctionIsNoOp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `// no hooks defined`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if h.RawOpen(RawFlowSnapshot{}) {
		t.Fatal("expected no-op raw_open to not terminate")
	}
	res := h.ClientRawFilter(RawFlowSnapshot{}, []byte("data"))
	if res.Replace || res.Terminate {
		t.Fatalf("expected no-op filter, got %+v", res)
	}
}

func TestHook_PanickingScriptIsSwallowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `
		function client_raw_filter(flow, chunk) {
			throw new Error("boom");
		}
	`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	res := h.ClientRawFilter(RawFlowSnapshot{}, []byte("data"))
	if res.Replace || res.Terminate {
		t.Fatalf("expected hook error to be swallowed as no-op, got %+v", res)
	}
}

func TestWatcher_HotReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScript(t, dir, `
		function client_raw_filter(flow, chunk) {
			return chunk.toString().toUpperCase();
		}
	`)

	h, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := Watch(h, testLogger())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	res := h.ClientRawFilter(RawFlowSnapshot{}, []byte("abc"))
	if string(res.NewBytes) != "ABC" {
		t.Fatalf("got %q, want ABC", res.NewBytes)
	}

	writeScript(t, dir, `
		function client_raw_filter(flow, chunk) {
			return chunk.toString().toLowerCase();
		}
	`)

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		res = h.ClientRawFilter(RawFlowSnapshot{}, []byte("XYZ"))
		if string(res.NewBytes) == "xyz" {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("script was not hot-reloaded within deadline, last result: %+v", res)
}
