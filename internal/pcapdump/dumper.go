// Package pcapdump implements the PCAP synthesizer: a background worker
// that drains completed flows from a bounded channel and forges a
// plausible TCP conversation (handshake, data segments, FIN) into rotated
// libpcap files.
package pcapdump

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/pcapgo"

	"github.com/tcpflux/tcpflux/internal/flow"
)

// channelCapacity bounds how many completed flows can queue for synthesis.
const channelCapacity = 400

const defaultMTU = 1500

// Config carries the dumper knobs (dump_path, dump_format,
// dump_interval, dump_max_packets) plus the service identity used in
// filename substitution.
type Config struct {
	ServiceName string
	DumpPath    string
	Format      string // strfmt-style template, e.g. "{service}-{timestamp}.pcap"
	Interval    time.Duration
	MaxPackets  int
	MTU         int
}

// Dumper owns the bounded submission channel and the rotating-file
// writer loop. Producers call Submit; Run drives the background worker
// until ctx is cancelled.
type Dumper struct {
	cfg    Config
	logger *slog.Logger
	ch     chan *flow.Flow
}

// New constructs a Dumper. Call Run in its own goroutine to start
// draining the channel.
func New(cfg Config, logger *slog.Logger) *Dumper {
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	return &Dumper{cfg: cfg, logger: logger, ch: make(chan *flow.Flow, channelCapacity)}
}

// Submit offers a completed flow to the dumper without blocking. Per
// design, the channel is MPSC and bounded; a full channel drops the
// flow and logs, since dump loss is preferable to back-pressuring live
// flows. Flows with no recorded data are dropped silently (nothing to
// synthesize).
func (d *Dumper) Submit(f *flow.Flow) {
	if !f.HasData() {
		return
	}
	select {
	case d.ch <- f:
	default:
		d.logger.Warn("pcap dumper channel full, dropping flow", "flow", f.ID, "service", d.cfg.ServiceName)
	}
}

// Run drains the submission channel into rotated PCAP files until ctx is
// cancelled, at which point it flushes whatever batch is in progress.
func (d *Dumper) Run(ctx context.Context) error {
	var batch *openBatch
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	closeBatch := func() {
		if batch == nil {
			return
		}
		if err := batch.finish(d.logger); err != nil {
			d.logger.Error("pcap batch finalize failed", "error", err, "service", d.cfg.ServiceName)
		}
		batch = nil
	}
	defer closeBatch()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			closeBatch()

		case f, ok := <-d.ch:
			if !ok {
				return nil
			}
			if batch == nil {
				b, err := newBatch(d.cfg)
				if err != nil {
					d.logger.Error("pcap batch open failed", "error", err, "service", d.cfg.ServiceName)
					continue
				}
				batch = b
				ticker.Reset(d.cfg.Interval)
			}

			n, err := batch.writeFlow(f, d.cfg.MTU)
			if err != nil {
				d.logger.Error("pcap flow synthesis failed", "error", err, "flow", f.ID, "service", d.cfg.ServiceName)
				continue
			}
			if n > 0 && batch.packets >= d.cfg.MaxPackets {
				closeBatch()
			}
		}
	}
}

// openBatch is one in-progress rotation window: a temp file, its pcapgo
// writer, and the substitution values captured from the first flow
// written into it (used to render the final filename on rotation).
type openBatch struct {
	cfg     Config
	tmpPath string
	tmpFile *os.File
	writer  *pcapgo.Writer
	packets int
	repr    map[string]string
	hasRepr bool
}

func newBatch(cfg Config) (*openBatch, error) {
	if err := os.MkdirAll(cfg.DumpPath, 0o755); err != nil {
		return nil, fmt.Errorf("pcapdump: creating dump dir: %w", err)
	}
	tmp, err := os.CreateTemp(cfg.DumpPath, ".tcpflux-dump-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("pcapdump: creating temp file: %w", err)
	}
	w := pcapgo.NewWriter(tmp)
	if err := w.WriteFileHeader(uint32(cfg.MTU), layersLinkType()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("pcapdump: writing pcap header: %w", err)
	}
	return &openBatch{
		cfg:     cfg,
		tmpPath: tmp.Name(),
		tmpFile: tmp,
		writer:  w,
	}, nil
}

// writeFlow synthesizes f's packets and appends them to the batch. It
// reports the number of packets written (0 for a skipped or empty flow).
func (b *openBatch) writeFlow(f *flow.Flow, mtu int) (int, error) {
	pkts, err := synthesizeFlow(f, mtu)
	if err == errNotIPv4 {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(pkts) == 0 {
		return 0, nil
	}

	if !b.hasRepr {
		b.repr = substitutions(b.cfg.ServiceName, f)
		b.hasRepr = true
	}

	for _, p := range pkts {
		ci := pcapCaptureInfo(p)
		if err := b.writer.WritePacket(ci, p.data); err != nil {
			return 0, fmt.Errorf("pcapdump: writing packet: %w", err)
		}
	}
	b.packets += len(pkts)
	return len(pkts), nil
}

// finish closes the temp file and either discards it (empty batch, per
// design) or atomically persists it under the rendered filename.
func (b *openBatch) finish(logger *slog.Logger) error {
	if err := b.tmpFile.Close(); err != nil {
		return fmt.Errorf("pcapdump: closing temp file: %w", err)
	}
	if b.packets == 0 || !b.hasRepr {
		return os.Remove(b.tmpPath)
	}

	repr := b.repr
	repr["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	finalName := renderTemplate(b.cfg.Format, repr)
	finalPath := filepath.Join(b.cfg.DumpPath, finalName)

	return persistAtomically(b.tmpPath, finalPath, logger)
}

// persistAtomically renames src to dst, falling back to copy+unlink when
// the rename fails across a filesystem/device boundary.
func persistAtomically(src, dst string, logger *slog.Logger) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pcapdump: reopening temp file for fallback copy: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("pcapdump: creating destination for fallback copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("pcapdump: fallback copy failed: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("pcapdump: closing fallback copy: %w", err)
	}
	if err := os.Remove(src); err != nil {
		logger.Warn("pcap fallback copy succeeded but temp file cleanup failed", "error", err, "path", src)
	}
	return nil
}

// substitutions builds the strfmt-style substitution set named in
// filename template, captured from the batch's first flow.
func substitutions(service string, f *flow.Flow) map[string]string {
	out := map[string]string{"service": service}
	if c, ok := asIPv4(f.ClientAddr); ok {
		out["client_ip"] = c.IP.String()
		out["client_port"] = strconv.Itoa(c.Port)
	}
	if s, ok := asIPv4(f.ServerAddr); ok {
		out["server_ip"] = s.IP.String()
		out["server_port"] = strconv.Itoa(s.Port)
	}
	return out
}

// renderTemplate substitutes "{key}" placeholders in format with values
// from sub, leaving unknown placeholders untouched.
func renderTemplate(format string, sub map[string]string) string {
	pairs := make([]string, 0, len(sub)*2)
	for k, v := range sub {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(format)
}
