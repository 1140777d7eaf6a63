// Package flow holds the per-connection data model shared by the raw and
// HTTP engines: bounded byte histories, the Flow record, and the
// history-bound read/write helpers the engines drive their select loops
// with.
package flow

import (
	"errors"
	"net/http"
	"time"

	"github.com/tcpflux/tcpflux/internal/streamio"
)

// Sentinel errors surfaced by ReadIntoHistory / WriteLastChunk.
var (
	ErrTimeout       = errors.New("flow: idle timeout")
	ErrClosed        = errors.New("flow: connection closed")
	ErrHistoryTooBig = errors.New("flow: history ceiling exceeded")
)

// Chunk is a contiguous slice of a History's byte buffer, tagged with the
// wall-clock time the read that produced it completed.
type Chunk struct {
	Start int
	End   int
	At    time.Time
}

// RawHistory is an append-only record of one direction's bytes, plus a
// parallel chunk index. Invariant: chunks are contiguous, non-overlapping,
// and cover [0, len(Bytes)) exactly; timestamps are monotonically
// non-decreasing.
type RawHistory struct {
	Bytes   []byte
	Chunks  []Chunk
	MaxSize int
}

// NewRawHistory returns an empty history bounded at maxSize bytes.
func NewRawHistory(maxSize int) *RawHistory {
	return &RawHistory{MaxSize: maxSize}
}

// LastChunkView returns the byte slice of the most recent chunk, or nil if
// the history is empty. The returned slice aliases h.Bytes and must not be
// retained across a subsequent mutation of h.
func (h *RawHistory) LastChunkView() []byte {
	if len(h.Chunks) == 0 {
		return nil
	}
	c := h.Chunks[len(h.Chunks)-1]
	return h.Bytes[c.Start:c.End]
}

// ReplaceLastChunk truncates Bytes back to the start of the last chunk and
// re-appends newBytes, preserving the original chunk's timestamp. This is
// how a hook's rewrite of the most recent chunk stays chronologically
// ordered in the history.
func (h *RawHistory) ReplaceLastChunk(newBytes []byte) {
	if len(h.Chunks) == 0 {
		return
	}
	idx := len(h.Chunks) - 1
	start := h.Chunks[idx].Start
	at := h.Chunks[idx].At

	h.Bytes = append(h.Bytes[:start], newBytes...)
	h.Chunks[idx] = Chunk{Start: start, End: start + len(newBytes), At: at}
}

// appendChunk records a freshly read span of n bytes ending at the current
// length of h.Bytes.
func (h *RawHistory) appendChunk(n int, at time.Time) {
	end := len(h.Bytes)
	start := end - n
	h.Chunks = append(h.Chunks, Chunk{Start: start, End: end, At: at})
}

// ReadIntoHistory performs one read_chunk against stream, under an idle
// timeout, appending the result to history. Possible outcomes: timeout,
// I/O error, orderly close (n==0), or a successful read that either stays
// under the ceiling or trips it.
func ReadIntoHistory(stream *streamio.Stream, history *RawHistory, timeout time.Duration) error {
	if err := stream.SetReadDeadline(timeout); err != nil {
		return err
	}

	n, err := stream.ReadChunk(&history.Bytes)
	if err != nil {
		if streamio.IsTimeout(err) {
			return ErrTimeout
		}
		return err
	}
	if n == 0 {
		return ErrClosed
	}

	history.appendChunk(n, time.Now())

	if len(history.Bytes) >= history.MaxSize {
		return ErrHistoryTooBig
	}
	return nil
}

// WriteLastChunk writes history's most recent chunk to stream under
// timeout and flushes it to the wire.
func WriteLastChunk(stream *streamio.Stream, history *RawHistory, timeout time.Duration) error {
	if err := stream.SetWriteDeadline(timeout); err != nil {
		return err
	}
	return stream.WriteChunk(history.LastChunkView())
}

// TimestampedRequest pairs a parsed HTTP request with the time it was
// recorded into history.
type TimestampedRequest struct {
	Req *http.Request
	At  time.Time
}

// TimestampedResponse pairs a parsed HTTP response with the time it was
// recorded into history.
type TimestampedResponse struct {
	Resp *http.Response
	At   time.Time
}

// HTTPHistory tracks the request/response traffic of one HTTP connection,
// bounded independently per direction. |Requests| >= |Responses| is not
// required: a response-without-request (e.g. a synthesized 413) is
// permitted.
type HTTPHistory struct {
	Requests  []TimestampedRequest
	Responses []TimestampedResponse

	ClientMax, ServerMax             int
	ClientBytesUsed, ServerBytesUsed int
}

// NewHTTPHistory returns an empty history bounded at clientMax/serverMax
// bytes per direction.
func NewHTTPHistory(clientMax, serverMax int) *HTTPHistory {
	return &HTTPHistory{ClientMax: clientMax, ServerMax: serverMax}
}

// PushRequest appends req iff doing so would not exceed the client-side
// ceiling; it reports whether the append happened.
func (h *HTTPHistory) PushRequest(req *http.Request, length int, at time.Time) bool {
	if h.ClientBytesUsed+length > h.ClientMax {
		return false
	}
	h.ClientBytesUsed += length
	h.Requests = append(h.Requests, TimestampedRequest{Req: req, At: at})
	return true
}

// PushResponse appends resp iff doing so would not exceed the server-side
// ceiling; it reports whether the append happened.
func (h *HTTPHistory) PushResponse(resp *http.Response, length int, at time.Time) bool {
	if h.ServerBytesUsed+length > h.ServerMax {
		return false
	}
	h.ServerBytesUsed += length
	h.Responses = append(h.Responses, TimestampedResponse{Resp: resp, At: at})
	return true
}

// ReplaceLastResponse swaps the most recently stored response, used when a
// hook supplies a replacement. The timestamp of the original entry is
// preserved.
func (h *HTTPHistory) ReplaceLastResponse(resp *http.Response) bool {
	if len(h.Responses) == 0 {
		return false
	}
	idx := len(h.Responses) - 1
	h.Responses[idx].Resp = resp
	return true
}
