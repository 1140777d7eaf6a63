// Package rawengine implements the raw (unparsed) flow mode: two
// directional pumps copying chunks between client and upstream, each
// chunk recorded into history and offered to the scripting hook before
// being forwarded.
package rawengine

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tcpflux/tcpflux/internal/flow"
	"github.com/tcpflux/tcpflux/internal/script"
	"github.com/tcpflux/tcpflux/internal/streamio"
)

// Errors surfaced by Run, distinguishing the reason a flow ended.
var (
	ErrClientHistoryTooBig = errors.New("rawengine: client history ceiling exceeded")
	ErrServerHistoryTooBig = errors.New("rawengine: server history ceiling exceeded")
	ErrFilterKilled        = errors.New("rawengine: terminated by hook")
)

// Config carries the raw-mode knobs. Each write timeout bounds a forwarding
// write to that side: ClientWriteTimeout applies when relaying upstream
// data out to the client, ServerWriteTimeout when relaying client data out
// to the upstream.
type Config struct {
	ClientIdleTimeout  time.Duration
	ServerIdleTimeout  time.Duration
	ClientWriteTimeout time.Duration
	ServerWriteTimeout time.Duration
}

// Engine pumps one accepted client connection against one upstream
// connection in raw mode, recording both directions into flow's
// histories and consulting hook at each chunk boundary.
type Engine struct {
	cfg    Config
	hook   *script.Hook
	logger *slog.Logger
	flow   *flow.Flow
}

// New constructs an Engine for one client<->upstream connection pair.
func New(cfg Config, hook *script.Hook, logger *slog.Logger, f *flow.Flow) *Engine {
	return &Engine{cfg: cfg, hook: hook, logger: logger, flow: f}
}

// Run drives both directions until one side closes, goes idle, trips a
// history ceiling, or a hook terminates the flow. It closes both
// connections before returning.
func (e *Engine) Run(clientConn, upstreamConn net.Conn) error {
	clientStream := streamio.New(clientConn)
	upstreamStream := streamio.New(upstreamConn)

	if e.hook != nil && e.hook.RawOpen(e.snapshot()) {
		clientStream.Close()
		upstreamStream.Close()
		return ErrFilterKilled
	}

	// closeAll half-closes both streams rather than hard-closing them: the
	// caller (serviceproc) owns the underlying net.Conns and fully closes
	// them once Run returns, but a graceful half-close here lets the peer
	// see an orderly FIN rather than an abrupt reset.
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientStream.Shutdown()
			upstreamStream.Shutdown()
		})
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := e.pump("client->upstream", clientStream, upstreamStream, e.flow.ClientHistory, e.cfg.ClientIdleTimeout, e.cfg.ServerWriteTimeout, e.hookClient)
		closeAll()
		errs <- err
	}()

	go func() {
		defer wg.Done()
		err := e.pump("upstream->client", upstreamStream, clientStream, e.flow.ServerHistory, e.cfg.ServerIdleTimeout, e.cfg.ClientWriteTimeout, e.hookServer)
		closeAll()
		errs <- err
	}()

	wg.Wait()
	close(errs)

	// Both directions report; a nil result means that side ended for an
	// ordinary reason (idle timeout or orderly close). Surface the first
	// genuinely exceptional reason, if any.
	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (e *Engine) snapshot() script.RawFlowSnapshot {
	return script.RawFlowSnapshot{
		ID:                 e.flow.ID.String(),
		ClientHistoryBytes: len(e.flow.ClientHistory.Bytes),
		ServerHistoryBytes: len(e.flow.ServerHistory.Bytes),
	}
}

func (e *Engine) hookClient(chunk []byte) script.RawFilterResult {
	if e.hook == nil {
		return script.RawFilterResult{}
	}
	return e.hook.ClientRawFilter(e.snapshot(), chunk)
}

func (e *Engine) hookServer(chunk []byte) script.RawFilterResult {
	if e.hook == nil {
		return script.RawFilterResult{}
	}
	return e.hook.ServerRawFilter(e.snapshot(), chunk)
}

// pump copies chunks from src into history and on to dst, applying the
// hook filter named by label after each read and before forwarding.
// writeTimeout bounds the forwarding write to dst.
func (e *Engine) pump(label string, src, dst *streamio.Stream, history *flow.RawHistory, idleTimeout, writeTimeout time.Duration, filter func([]byte) script.RawFilterResult) error {
	for {
		readErr := flow.ReadIntoHistory(src, history, idleTimeout)
		if readErr != nil && !errors.Is(readErr, flow.ErrHistoryTooBig) {
			// Timeout, orderly close, or a benign I/O error: end the flow
			// quietly either way.
			return nil
		}

		// The chunk that tripped the ceiling was already appended to
		// history before ReadIntoHistory returned it; that write still
		// completes before the flow is torn down.
		result := filter(history.LastChunkView())
		if result.Terminate {
			e.logger.Debug("raw flow terminated by hook", "direction", label, "flow", e.flow.ID)
			return ErrFilterKilled
		}
		if result.Replace {
			history.ReplaceLastChunk(result.NewBytes)
		}

		if err := flow.WriteLastChunk(dst, history, writeTimeout); err != nil {
			return nil // forwarding failed because the peer is gone; not exceptional
		}

		if readErr != nil {
			e.logger.Debug("raw history ceiling exceeded", "direction", label, "flow", e.flow.ID)
			return historyTooBigError(history, e.flow)
		}
	}
}

// historyTooBigError maps a tripped ceiling back to the direction-specific
// sentinel so callers can tell which side overflowed.
func historyTooBigError(history *flow.RawHistory, f *flow.Flow) error {
	if history == f.ClientHistory {
		return ErrClientHistoryTooBig
	}
	return ErrServerHistoryTooBig
}
