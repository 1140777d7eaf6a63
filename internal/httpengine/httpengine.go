// Package httpengine implements the per-connection HTTP/1.1 request/response
// pump: header-read and server-round-trip timeouts, a bounded body ceiling,
// Transfer-Encoding normalization, and scripting hook integration.
package httpengine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tcpflux/tcpflux/internal/flow"
	"github.com/tcpflux/tcpflux/internal/script"
)

// Errors surfaced by Run.
var (
	ErrClientHistoryTooBig = errors.New("httpengine: client history too big")
	ErrServerHistoryTooBig = errors.New("httpengine: server history too big")
	ErrServerTimeout       = errors.New("httpengine: server timeout elapsed")
	ErrFilterKilled        = errors.New("httpengine: FILTER_KILLED")
	ErrInvalidFilterOutput = errors.New("httpengine: invalid filter output")
	ErrResponseTooBig      = errors.New("httpengine: response body exceeds max_body")
)

// Config carries the HTTP mode knobs.
type Config struct {
	KeepAlive      bool
	HalfClose      bool
	AutoDateHeader bool
	MaxBody        int
	ClientTimeout  time.Duration
	ServerTimeout  time.Duration
}

// Engine drives one accepted client connection sharing one upstream
// connection.
type Engine struct {
	cfg    Config
	hook   *script.Hook
	logger *slog.Logger

	mu       sync.Mutex
	flow     *flow.Flow
	poisoned error
}

// New constructs an Engine for one client<->upstream connection pair.
func New(cfg Config, hook *script.Hook, logger *slog.Logger, f *flow.Flow) *Engine {
	return &Engine{cfg: cfg, hook: hook, logger: logger, flow: f}
}

// Run performs the upstream handshake notification and pumps requests off
// clientConn to upstreamConn until the connection closes, keep-alive is
// disabled, or an unrecoverable error occurs.
func (e *Engine) Run(clientConn, upstreamConn net.Conn) error {
	if e.hook != nil {
		if e.hook.HTTPOpen(e.flow.ID.String()) {
			return nil // hook requested termination before serving anything
		}
	}

	clientReader := bufio.NewReader(clientConn)
	upstreamReader := bufio.NewReader(upstreamConn)

	for {
		if err := e.checkPoison(); err != nil {
			return err
		}

		clientConn.SetReadDeadline(time.Now().Add(e.cfg.ClientTimeout))
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("httpengine: reading request: %w", err)
		}

		keepGoing, err := e.handleOneRequest(req, clientConn, upstreamConn, upstreamReader)
		if err != nil {
			return err
		}
		if !keepGoing || !e.cfg.KeepAlive {
			if e.cfg.HalfClose {
				_ = closeWrite(clientConn)
			}
			return nil
		}
	}
}

func (e *Engine) checkPoison() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poisoned
}

// handleOneRequest drives the body-read/hook/round-trip/hook/write pipeline for a single request.
// It returns keepGoing=false when the connection should not be reused for a
// further request (poisoned, hook termination, or a fatal protocol error).
func (e *Engine) handleOneRequest(req *http.Request, clientConn, upstreamConn net.Conn, upstreamReader *bufio.Reader) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	// Step 1: drain the request body under the ceiling.
	body, overLimit, err := readBodyCapped(req.Body, e.cfg.MaxBody)
	if err != nil {
		return false, fmt.Errorf("httpengine: reading request body: %w", err)
	}
	req.Body.Close()

	if overLimit {
		placeholder := cloneWithBody(req, nil)
		rewriteContentLength(placeholder.Header, 0)
		e.flow.HTTP.PushRequest(placeholder, 0, now)

		resp413 := synthesizeResponse(http.StatusRequestEntityTooLarge, "Payload Too Large", nil)
		e.flow.HTTP.PushResponse(resp413, 0, now)

		if err := writeResponse(clientConn, resp413, e.cfg.AutoDateHeader, e.cfg.ClientTimeout); err != nil {
			return false, fmt.Errorf("httpengine: writing 413: %w", err)
		}
		e.poisoned = fmt.Errorf("httpengine: poisoned after 413 on this connection")
		return false, nil
	}

	// Step 2: history record with Transfer-Encoding -> Content-Length.
	reqCopy := cloneWithBody(req, body)
	rewriteContentLength(reqCopy.Header, len(body))
	reqLen := len(body) + headerBytes(reqCopy.Header)
	if !e.flow.HTTP.PushRequest(reqCopy, reqLen, now) {
		return false, ErrClientHistoryTooBig
	}

	// Step 3: request hook. The lock is released across the call so a
	// slow or misbehaving script can't block other in-flight requests;
	// the history append above already committed under the lock.
	if e.hook != nil {
		e.mu.Unlock()
		result := e.hook.HTTPRequest(e.flow.ID.String(), scriptRequest(reqCopy, body))
		e.mu.Lock()

		if result.Terminate {
			resp := blockedResponse(result.Response)
			if err := writeResponse(clientConn, resp, e.cfg.AutoDateHeader, e.cfg.ClientTimeout); err != nil {
				return false, fmt.Errorf("httpengine: writing blocked response: %w", err)
			}
			return false, nil
		}
	}

	// Step 4: upstream round-trip under server_timeout.
	upstreamConn.SetWriteDeadline(time.Now().Add(e.cfg.ServerTimeout))
	outReq := cloneWithBody(req, body)
	if err := outReq.Write(upstreamConn); err != nil {
		return false, fmt.Errorf("httpengine: forwarding request: %w", err)
	}

	upstreamConn.SetReadDeadline(time.Now().Add(e.cfg.ServerTimeout))
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, ErrServerTimeout
		}
		return false, fmt.Errorf("httpengine: reading response: %w", err)
	}

	// Step 5: drain response body under the ceiling — hard error, no 413.
	respBody, respOverLimit, err := readBodyCapped(resp.Body, e.cfg.MaxBody)
	resp.Body.Close()
	if err != nil {
		return false, fmt.Errorf("httpengine: reading response body: %w", err)
	}
	if respOverLimit {
		return false, ErrResponseTooBig
	}

	// Step 6: history record the response.
	respCopy := cloneResponseWithBody(resp, respBody)
	rewriteContentLength(respCopy.Header, len(respBody))
	respLen := len(respBody) + headerBytes(respCopy.Header)
	respAt := time.Now()
	if !e.flow.HTTP.PushResponse(respCopy, respLen, respAt) {
		return false, ErrServerHistoryTooBig
	}

	// Step 7: response hook.
	finalResp := respCopy
	if e.hook != nil {
		e.mu.Unlock()
		result := e.hook.HTTPResponse(e.flow.ID.String(), scriptRequest(reqCopy, body), scriptResponse(respCopy, respBody))
		e.mu.Lock()

		if result.Terminate {
			return false, ErrFilterKilled
		}
		if result.Replace {
			if result.Response == nil {
				return false, ErrInvalidFilterOutput
			}
			replaced := responseFromScript(result.Response)
			e.flow.HTTP.ReplaceLastResponse(replaced)
			finalResp = replaced
		}
	}

	// Step 8: serialize the (possibly replaced) response back to the client.
	if finalResp == nil {
		return false, ErrInvalidFilterOutput
	}
	if err := writeResponse(clientConn, finalResp, e.cfg.AutoDateHeader, e.cfg.ClientTimeout); err != nil {
		return false, fmt.Errorf("httpengine: writing response: %w", err)
	}

	return true, nil
}

// readBodyCapped reads at most max+1 bytes from body; a read of exactly
// max+1 bytes signals the ceiling was exceeded.
func readBodyCapped(body io.ReadCloser, max int) (data []byte, overLimit bool, err error) {
	if body == nil {
		return nil, false, nil
	}
	limited := io.LimitReader(body, int64(max)+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > max {
		return data[:max], true, nil
	}
	return data, false, nil
}

func rewriteContentLength(h http.Header, n int) {
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", fmt.Sprintf("%d", n))
}

func headerBytes(h http.Header) int {
	total := 0
	for k, vs := range h {
		for _, v := range vs {
			total += len(k) + len(v) + 4 // ": " + "\r\n"
		}
	}
	return total
}

func cloneWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	// The body is always fully materialized (bounded by max_body), so
	// chunked transfer-encoding from the original request no longer
	// applies to the forwarded/recorded copy.
	clone.TransferEncoding = nil
	return clone
}

func cloneResponseWithBody(resp *http.Response, body []byte) *http.Response {
	clone := *resp
	clone.Header = resp.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	// Response.Write consults Request.Method to decide whether to suppress
	// the body (HEAD); keep that linkage across the clone.
	clone.Request = resp.Request
	return &clone
}

func synthesizeResponse(status int, statusText string, body []byte) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, statusText),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Length": {fmt.Sprintf("%d", len(body))}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// blockedResponse prefers the hook-supplied response when present,
// otherwise synthesizes a plain 403.
func blockedResponse(scriptResp *script.Response) *http.Response {
	if scriptResp != nil {
		return responseFromScript(scriptResp)
	}
	return synthesizeResponse(http.StatusForbidden, "Forbidden", nil)
}

func writeResponse(w io.Writer, resp *http.Response, autoDate bool, timeout time.Duration) error {
	if autoDate && resp.Header.Get("Date") == "" {
		resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if conn, ok := w.(net.Conn); ok {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return resp.Write(w)
}

func closeWrite(conn net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// scriptRequest/scriptResponse/responseFromScript bridge net/http types and
// the plain-object shape the scripting VM sees (script package).

func scriptRequest(req *http.Request, body []byte) *script.Request {
	return &script.Request{
		Method:  req.Method,
		URI:     script.ParseURI(req.URL.String()),
		Headers: flattenHeader(req.Header),
		Body:    string(body),
	}
}

func scriptResponse(resp *http.Response, body []byte) *script.Response {
	return &script.Response{
		Status:  resp.StatusCode,
		Headers: flattenHeader(resp.Header),
		Body:    string(body),
	}
}

func responseFromScript(r *script.Response) *http.Response {
	h := http.Header{}
	for k, v := range r.Headers {
		h.Set(k, v)
	}
	body := []byte(r.Body)
	rewriteContentLength(h, len(body))
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode: r.Status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
