package pcapdump

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tcpflux/tcpflux/internal/flow"
)

// Fixed dummy link-layer addresses, fixed initial
// sequence numbers, and the Ethernet/IP/TCP header sizes used to derive
// the per-segment MTU budget.
var (
	dummyClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dummyServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

const (
	clientInitialSeq uint32 = 1000
	serverInitialSeq uint32 = 1000000

	ethernetHeaderLen = 14
	ipHeaderLen       = 20
	tcpHeaderLen      = 20
)

// errNotIPv4 signals a flow whose endpoints are not resolvable to IPv4
// addresses; such flows are skipped by the dumper, not fatal to it.
var errNotIPv4 = fmt.Errorf("pcapdump: flow endpoints are not IPv4")

// segment is one in-order payload to synthesize, tagged by originating
// side and the wall-clock time it was recorded.
type segment struct {
	fromClient bool
	payload    []byte
	at         time.Time
}

// packet is one fully serialized link-layer frame ready for pcapgo.
type packet struct {
	data []byte
	at   time.Time
}

// synthesizeFlow builds the full packet sequence for one completed flow:
// handshake, data segments in chronological order, and a closing FIN.
// It reports errNotIPv4 for flows whose endpoints it cannot address.
func synthesizeFlow(f *flow.Flow, mtu int) ([]packet, error) {
	clientAddr, serverAddr, ok := resolveIPv4(f)
	if !ok {
		return nil, errNotIPv4
	}

	segs, err := collectSegments(f)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, nil
	}

	b := &builder{
		clientAddr: clientAddr,
		serverAddr: serverAddr,
		clientSeq:  clientInitialSeq,
		serverSeq:  serverInitialSeq,
		maxPayload: mtu - (ethernetHeaderLen + ipHeaderLen + tcpHeaderLen),
	}
	if b.maxPayload <= 0 {
		return nil, fmt.Errorf("pcapdump: mtu %d too small for TCP/IP/Ethernet headers", mtu)
	}

	handshakeAt := segs[0].at
	pkts, err := b.handshake(handshakeAt)
	if err != nil {
		return nil, err
	}

	lastFromClient := true
	for _, s := range segs {
		frames, err := b.dataSegments(s)
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, frames...)
		lastFromClient = s.fromClient
	}

	finAt := segs[len(segs)-1].at
	fin, err := b.fin(lastFromClient, finAt)
	if err != nil {
		return nil, err
	}
	pkts = append(pkts, fin)

	return pkts, nil
}

// resolveIPv4 extracts the IPv4 address/port pair for each side of f. Per
// design, a flow whose endpoints aren't IPv4 is skipped entirely.
func resolveIPv4(f *flow.Flow) (client, server *net.TCPAddr, ok bool) {
	c, cok := asIPv4(f.ClientAddr)
	s, sok := asIPv4(f.ServerAddr)
	if !cok || !sok {
		return nil, nil, false
	}
	return c, s, true
}

func asIPv4(addr net.Addr) (*net.TCPAddr, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr.IP == nil {
		return nil, false
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return nil, false
	}
	return &net.TCPAddr{IP: v4, Port: tcpAddr.Port}, true
}

// collectSegments linearizes a flow's recorded traffic into a single
// side-tagged, time-ordered sequence.
func collectSegments(f *flow.Flow) ([]segment, error) {
	switch f.Kind {
	case flow.KindRaw:
		return mergeRawChunks(f.ClientHistory, f.ServerHistory), nil
	case flow.KindHTTP:
		return interleaveHTTP(f.HTTP)
	default:
		return nil, fmt.Errorf("pcapdump: unknown flow kind %v", f.Kind)
	}
}

// mergeRawChunks merges both directions' chunk histories in global
// chronological order; timestamp ties break toward the client side.
func mergeRawChunks(client, server *flow.RawHistory) []segment {
	segs := make([]segment, 0, len(client.Chunks)+len(server.Chunks))
	for _, c := range client.Chunks {
		segs = append(segs, segment{fromClient: true, payload: client.Bytes[c.Start:c.End], at: c.At})
	}
	for _, c := range server.Chunks {
		segs = append(segs, segment{fromClient: false, payload: server.Bytes[c.Start:c.End], at: c.At})
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].at.Equal(segs[j].at) {
			return segs[i].fromClient && !segs[j].fromClient
		}
		return segs[i].at.Before(segs[j].at)
	})
	return segs
}

// interleaveHTTP serializes each stored request/response to wire bytes and
// merges them into a single chronological sequence by recorded timestamp,
// mirroring mergeRawChunks; timestamp ties break toward the client side.
func interleaveHTTP(h *flow.HTTPHistory) ([]segment, error) {
	segs := make([]segment, 0, len(h.Requests)+len(h.Responses))
	for _, tr := range h.Requests {
		data, err := serializeRequest(tr.Req)
		if err != nil {
			return nil, err
		}
		segs = append(segs, segment{fromClient: true, payload: data, at: tr.At})
	}
	for _, tr := range h.Responses {
		data, err := serializeResponse(tr.Resp)
		if err != nil {
			return nil, err
		}
		segs = append(segs, segment{fromClient: false, payload: data, at: tr.At})
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].at.Equal(segs[j].at) {
			return segs[i].fromClient && !segs[j].fromClient
		}
		return segs[i].at.Before(segs[j].at)
	})
	return segs, nil
}

// serializeRequest renders req to HTTP/1.1 wire bytes. Called once per
// flow during synthesis, so consuming req.Body here is safe.
func serializeRequest(req *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, fmt.Errorf("pcapdump: serializing request: %w", err)
	}
	return buf.Bytes(), nil
}

func serializeResponse(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return nil, fmt.Errorf("pcapdump: serializing response: %w", err)
	}
	return buf.Bytes(), nil
}

// builder accumulates TCP sequencing state while emitting one flow's
// packet sequence.
type builder struct {
	clientAddr, serverAddr *net.TCPAddr
	clientSeq, serverSeq   uint32
	maxPayload             int
}

func (b *builder) handshake(at time.Time) ([]packet, error) {
	syn, err := b.frame(true, tcpFlags{syn: true}, nil, at)
	if err != nil {
		return nil, err
	}
	b.clientSeq++

	synAck, err := b.frame(false, tcpFlags{syn: true, ack: true}, nil, at)
	if err != nil {
		return nil, err
	}
	b.serverSeq++

	ack, err := b.frame(true, tcpFlags{ack: true}, nil, at)
	if err != nil {
		return nil, err
	}

	return []packet{syn, synAck, ack}, nil
}

// dataSegments fragments one recorded chunk into MTU-bounded TCP segments,
// advancing sequence numbers as it goes. Only the final fragment carries
// PSH.
func (b *builder) dataSegments(s segment) ([]packet, error) {
	if len(s.payload) == 0 {
		return nil, nil
	}

	var pkts []packet
	for off := 0; off < len(s.payload); off += b.maxPayload {
		end := off + b.maxPayload
		if end > len(s.payload) {
			end = len(s.payload)
		}
		chunk := s.payload[off:end]
		isLast := end == len(s.payload)

		pkt, err := b.frame(s.fromClient, tcpFlags{ack: true, psh: isLast}, chunk, s.at)
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, pkt)

		if s.fromClient {
			b.clientSeq += uint32(len(chunk))
		} else {
			b.serverSeq += uint32(len(chunk))
		}
	}
	return pkts, nil
}

func (b *builder) fin(fromClient bool, at time.Time) (packet, error) {
	pkt, err := b.frame(fromClient, tcpFlags{fin: true, ack: true}, nil, at)
	if err != nil {
		return packet{}, err
	}
	if fromClient {
		b.clientSeq++
	} else {
		b.serverSeq++
	}
	return pkt, nil
}

// layersLinkType is the fixed link type (Ethernet II) used for every
// synthesized packet.
func layersLinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// pcapCaptureInfo builds the per-packet header pcapgo.Writer expects.
func pcapCaptureInfo(p packet) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     p.at,
		CaptureLength: len(p.data),
		Length:        len(p.data),
	}
}

type tcpFlags struct {
	syn, ack, psh, fin bool
}

// frame serializes one Ethernet+IPv4+TCP packet carrying payload from the
// side named by fromClient, using the builder's current sequence state as
// the segment's SEQ and the opposite side's current sequence as ACK.
func (b *builder) frame(fromClient bool, flags tcpFlags, payload []byte, at time.Time) (packet, error) {
	srcMAC, dstMAC := dummyClientMAC, dummyServerMAC
	srcIP, dstIP := b.clientAddr.IP, b.serverAddr.IP
	srcPort, dstPort := layers.TCPPort(b.clientAddr.Port), layers.TCPPort(b.serverAddr.Port)
	seq, ack := b.clientSeq, b.serverSeq
	if !fromClient {
		srcMAC, dstMAC = dummyServerMAC, dummyClientMAC
		srcIP, dstIP = b.serverAddr.IP, b.clientAddr.IP
		srcPort, dstPort = layers.TCPPort(b.serverAddr.Port), layers.TCPPort(b.clientAddr.Port)
		seq, ack = b.serverSeq, b.clientSeq
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.syn,
		ACK:     flags.ack,
		PSH:     flags.psh,
		FIN:     flags.fin,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return packet{}, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	layersToSerialize := []gopacket.SerializableLayer{eth, ip, tcp}
	if len(payload) > 0 {
		layersToSerialize = append(layersToSerialize, gopacket.Payload(payload))
	}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return packet{}, fmt.Errorf("pcapdump: serializing packet: %w", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return packet{data: out, at: at}, nil
}
