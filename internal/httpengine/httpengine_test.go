package httpengine

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/tcpflux/tcpflux/internal/flow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		KeepAlive:      true,
		AutoDateHeader: false,
		MaxBody:        1024,
		ClientTimeout:  2 * time.Second,
		ServerTimeout:  3 * time.Second,
	}
}

// startUpstreamEcho simulates the upstream: reads one request, replies 200
// with a fixed body, for each request it sees until the pipe closes.
func startUpstreamEcho(conn net.Conn, body string) {
	go func() {
		r := bufio.NewReader(conn)
		for {
			req, err := http.ReadRequest(r)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			req.Body.Close()

			resp := &http.Response{
				StatusCode: 200,
				Proto:      "HTTP/1.1",
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     http.Header{"Content-Length": {strconv.Itoa(len(body))}},
				Body:       io.NopCloser(bytes.NewReader([]byte(body))),
				Request:    req,
			}
			resp.Write(conn)
		}
	}()
}

func TestEngine_PassthroughGET(t *testing.T) {
	t.Parallel()

	clientSide, engineClientConn := net.Pipe()
	engineUpstreamConn, upstreamSide := net.Pipe()

	startUpstreamEcho(upstreamSide, "pong")

	f := flow.NewHTTP(nil, nil, 1<<20, 1<<20)
	e := New(testConfig(), nil, testLogger(), f)

	done := make(chan error, 1)
	go func() { done <- e.Run(engineClientConn, engineUpstreamConn) }()

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	go req.Write(clientSide)

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("got body %q, want pong", body)
	}
	if len(f.HTTP.Requests) != 1 || len(f.HTTP.Responses) != 1 {
		t.Fatalf("expected 1 request and 1 response recorded, got %d/%d", len(f.HTTP.Requests), len(f.HTTP.Responses))
	}

	clientSide.Close()
	upstreamSide.Close()
	<-done
}

func TestEngine_FinalResponseWriteUsesClientTimeout(t *testing.T) {
	t.Parallel()

	clientSide, engineClientConn := net.Pipe()
	engineUpstreamConn, upstreamSide := net.Pipe()
	defer upstreamSide.Close()
	defer clientSide.Close()

	startUpstreamEcho(upstreamSide, "pong")

	cfg := testConfig()
	cfg.ClientTimeout = 50 * time.Millisecond
	cfg.ServerTimeout = 5 * time.Second

	f := flow.NewHTTP(nil, nil, 1<<20, 1<<20)
	e := New(cfg, nil, testLogger(), f)

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- e.Run(engineClientConn, engineUpstreamConn) }()

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	go req.Write(clientSide)

	// The client never reads the response, so the write back to it blocks
	// until its deadline fires. If that deadline were set from
	// ServerTimeout instead of ClientTimeout, this would take ~5s.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return within the expected ClientTimeout window")
	}
	if elapsed := time.Since(start); elapsed >= cfg.ServerTimeout {
		t.Fatalf("Run took %v, want it bounded by ClientTimeout (%v), not ServerTimeout", elapsed, cfg.ClientTimeout)
	}
}

func TestEngine_413OnOversizedBody(t *testing.T) {
	t.Parallel()

	clientSide, engineClientConn := net.Pipe()
	engineUpstreamConn, upstreamSide := net.Pipe()
	defer upstreamSide.Close()

	cfg := testConfig()
	cfg.MaxBody = 8

	f := flow.NewHTTP(nil, nil, 1<<20, 1<<20)
	e := New(cfg, nil, testLogger(), f)

	done := make(chan error, 1)
	go func() { done <- e.Run(engineClientConn, engineUpstreamConn) }()

	big := bytes.Repeat([]byte("a"), 64)
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/upload", bytes.NewReader(big))
	req.ContentLength = int64(len(big))
	go req.Write(clientSide)

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), req)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("got status %d, want 413", resp.StatusCode)
	}

	if len(f.HTTP.Requests) != 1 || len(f.HTTP.Responses) != 1 {
		t.Fatalf("expected placeholder request + synthetic response recorded, got %d/%d", len(f.HTTP.Requests), len(f.HTTP.Responses))
	}

	clientSide.Close()
	<-done
}
