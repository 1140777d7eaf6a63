package pcapdump

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tcpflux/tcpflux/internal/flow"
)

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func testResponse(status int) *http.Response {
	return &http.Response{
		Status:     http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Length": {"0"}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
}

func TestSynthesizeFlow_RawPingPong(t *testing.T) {
	t.Parallel()

	f := flow.NewRaw(tcpAddr("10.0.0.1", 55000), tcpAddr("10.0.0.2", 8080), 1<<20, 1<<20)
	now := time.Now()
	f.ClientHistory.Bytes = []byte("ping\n")
	f.ClientHistory.Chunks = []flow.Chunk{{Start: 0, End: 5, At: now}}
	f.ServerHistory.Bytes = []byte("pong\n")
	f.ServerHistory.Chunks = []flow.Chunk{{Start: 0, End: 5, At: now.Add(time.Millisecond)}}

	pkts, err := synthesizeFlow(f, defaultMTU)
	if err != nil {
		t.Fatalf("synthesizeFlow: %v", err)
	}
	// 3-packet handshake + 1 client data segment + 1 server data segment + 1 FIN.
	if len(pkts) != 6 {
		t.Fatalf("got %d packets, want 6", len(pkts))
	}

	for i, p := range pkts {
		pkt := gopacket.NewPacket(p.data, layers.LayerTypeEthernet, gopacket.Default)
		if pkt.ErrorLayer() != nil {
			t.Fatalf("packet %d failed to parse: %v", i, pkt.ErrorLayer().Error())
		}
		if pkt.Layer(layers.LayerTypeTCP) == nil {
			t.Fatalf("packet %d has no TCP layer", i)
		}
	}

	synPacket := gopacket.NewPacket(pkts[0].data, layers.LayerTypeEthernet, gopacket.Default)
	syn := synPacket.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !syn.SYN || syn.ACK {
		t.Fatalf("first packet should be a bare SYN, got %+v", syn)
	}

	finPacket := gopacket.NewPacket(pkts[5].data, layers.LayerTypeEthernet, gopacket.Default)
	fin := finPacket.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !fin.FIN {
		t.Fatalf("last packet should carry FIN, got %+v", fin)
	}
}

func TestSynthesizeFlow_NonIPv4EndpointSkipped(t *testing.T) {
	t.Parallel()

	f := flow.NewRaw(&net.UnixAddr{Name: "/tmp/sock"}, tcpAddr("10.0.0.2", 8080), 1<<20, 1<<20)
	f.ClientHistory.Bytes = []byte("x")
	f.ClientHistory.Chunks = []flow.Chunk{{Start: 0, End: 1, At: time.Now()}}

	_, err := synthesizeFlow(f, defaultMTU)
	if err != errNotIPv4 {
		t.Fatalf("got %v, want errNotIPv4", err)
	}
}

func TestSynthesizeFlow_FragmentsLargeChunk(t *testing.T) {
	t.Parallel()

	f := flow.NewRaw(tcpAddr("10.0.0.1", 55000), tcpAddr("10.0.0.2", 8080), 1<<20, 1<<20)
	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	f.ClientHistory.Bytes = big
	f.ClientHistory.Chunks = []flow.Chunk{{Start: 0, End: len(big), At: time.Now()}}

	pkts, err := synthesizeFlow(f, defaultMTU)
	if err != nil {
		t.Fatalf("synthesizeFlow: %v", err)
	}
	// handshake(3) + >=3 fragments (3000 bytes over a ~1446-byte payload budget) + FIN(1).
	if len(pkts) < 3+3+1 {
		t.Fatalf("got %d packets, want at least 7 for a fragmented chunk", len(pkts))
	}
}

// TestInterleaveHTTP_OrdersByTimestampNotIndex builds a request/response
// pair whose recorded timestamps are out of index order and checks the
// merged sequence follows wall-clock time rather than pairing request i
// with response i.
func TestInterleaveHTTP_OrdersByTimestampNotIndex(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	req0 := httptest.NewRequest(http.MethodGet, "/a", nil)
	req1 := httptest.NewRequest(http.MethodGet, "/b", nil)
	resp0 := testResponse(200)
	resp1 := testResponse(204)

	h := flow.NewHTTPHistory(1<<20, 1<<20)
	h.PushRequest(req0, 0, t0)
	h.PushRequest(req1, 0, t0.Add(10*time.Millisecond))
	h.PushResponse(resp1, 0, t0.Add(5*time.Millisecond))
	h.PushResponse(resp0, 0, t0.Add(20*time.Millisecond))

	segs, err := interleaveHTTP(h)
	if err != nil {
		t.Fatalf("interleaveHTTP: %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4", len(segs))
	}

	// Chronological order: req0 (t0), resp1 (t0+5ms), req1 (t0+10ms),
	// resp0 (t0+20ms). Index-parity interleaving would instead produce
	// req0, resp0, req1, resp1.
	wantFromClient := []bool{true, false, true, false}
	wantAt := []time.Time{t0, t0.Add(5 * time.Millisecond), t0.Add(10 * time.Millisecond), t0.Add(20 * time.Millisecond)}
	for i, seg := range segs {
		if seg.fromClient != wantFromClient[i] {
			t.Fatalf("segment %d: fromClient = %v, want %v", i, seg.fromClient, wantFromClient[i])
		}
		if !seg.at.Equal(wantAt[i]) {
			t.Fatalf("segment %d: at = %v, want %v", i, seg.at, wantAt[i])
		}
	}
}
