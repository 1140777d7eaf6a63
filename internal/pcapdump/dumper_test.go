package pcapdump

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tcpflux/tcpflux/internal/flow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawFlowWithPingPong(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.NewRaw(tcpAddr("10.0.0.1", 55000), tcpAddr("10.0.0.2", 8080), 1<<20, 1<<20)
	now := time.Now()
	f.ClientHistory.Bytes = []byte("ping\n")
	f.ClientHistory.Chunks = []flow.Chunk{{Start: 0, End: 5, At: now}}
	f.ServerHistory.Bytes = []byte("pong\n")
	f.ServerHistory.Chunks = []flow.Chunk{{Start: 0, End: 5, At: now.Add(time.Millisecond)}}
	return f
}

func TestDumper_RotatesOnMaxPacketsAndWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{
		ServiceName: "echo",
		DumpPath:    dir,
		Format:      "{service}-{client_ip}-{timestamp}.pcap",
		Interval:    time.Hour,
		MaxPackets:  4, // handshake(3) alone won't rotate; the data+FIN packets will push past it
	}
	d := New(cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(rawFlowWithPingPong(t))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".pcap" {
				cancel()
				<-done
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("no .pcap file was written within deadline")
}

func TestDumper_SubmitDropsFlowsWithNoData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{ServiceName: "echo", DumpPath: dir, Format: "{service}.pcap", Interval: time.Hour, MaxPackets: 512}
	d := New(cfg, testLogger())

	empty := flow.NewRaw(tcpAddr("10.0.0.1", 1), tcpAddr("10.0.0.2", 2), 1<<20, 1<<20)
	d.Submit(empty)

	select {
	case f := <-d.ch:
		t.Fatalf("expected empty flow to be dropped, got %v", f)
	default:
	}
}
