// Package serviceproc assembles one configured service end to end:
// acceptor, connector, optional scripting hook, optional PCAP dumper, and
// the accept loop that spawns a raw or HTTP engine for each accepted
// connection.
package serviceproc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tcpflux/tcpflux/internal/acceptor"
	"github.com/tcpflux/tcpflux/internal/config"
	"github.com/tcpflux/tcpflux/internal/connector"
	"github.com/tcpflux/tcpflux/internal/flow"
	"github.com/tcpflux/tcpflux/internal/httpengine"
	"github.com/tcpflux/tcpflux/internal/pcapdump"
	"github.com/tcpflux/tcpflux/internal/rawengine"
	"github.com/tcpflux/tcpflux/internal/script"
	"github.com/tcpflux/tcpflux/internal/tlsmaterial"
)

// Run builds svc's listener and connector, then accepts connections until
// ctx is cancelled, waiting for in-flight flows to finish naturally (no
// forced abort).
func Run(ctx context.Context, svc *config.Service, logger *slog.Logger) error {
	logger = logger.With("service", svc.ServiceName)

	serverTLS, clientTLS, err := buildTLSConfigs(svc)
	if err != nil {
		return err
	}

	acc, err := acceptor.Listen(fmt.Sprintf("%s:%d", svc.ClientIP, svc.ClientPort), serverTLS)
	if err != nil {
		return err
	}
	defer acc.Close()

	conn := connector.New(fmt.Sprintf("%s:%d", svc.ServerIP, svc.ServerPort), clientTLS, svc.ClientTimeout.Dur())

	var hook *script.Hook
	if svc.ScriptPath != "" {
		hook, err = script.Load(svc.ScriptPath, logger)
		if err != nil {
			return fmt.Errorf("serviceproc: loading script: %w", err)
		}
		watcher, werr := script.Watch(hook, logger)
		if werr != nil {
			return fmt.Errorf("serviceproc: starting script watcher: %w", werr)
		}
		defer watcher.Close()
	}

	var dumper *pcapdump.Dumper
	if svc.DumpEnabled {
		dumper = pcapdump.New(pcapdump.Config{
			ServiceName: svc.ServiceName,
			DumpPath:    svc.DumpPath,
			Format:      svc.DumpFormat,
			Interval:    svc.DumpInterval.Dur(),
			MaxPackets:  svc.DumpMaxPackets,
		}, logger)
		go dumper.Run(ctx)
	}

	logger.Info("service listening", "addr", acc.Addr())

	go func() {
		<-ctx.Done()
		acc.Close()
	}()

	var wg sync.WaitGroup
	for {
		clientConn, err := acc.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serviceproc: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConnection(svc, clientConn, conn, hook, dumper, logger)
		}()
	}
}

// buildTLSConfigs constructs the acceptor's server-side config (nil when
// tls_enabled is false) and the connector's client-side config. The
// upstream side uses TLS when tls_enabled is set or a CA file is
// supplied; without a CA file the upstream certificate is not verified.
func buildTLSConfigs(svc *config.Service) (server, client *tls.Config, err error) {
	if svc.TLSEnabled {
		server, err = tlsmaterial.LoadServerConfig(svc.TLSCertFile, svc.TLSKeyFile)
		if err != nil {
			return nil, nil, err
		}
	}
	if svc.TLSEnabled || svc.TLSCAFile != "" {
		client, err = tlsmaterial.LoadClientConfig(svc.TLSCAFile)
		if err != nil {
			return nil, nil, err
		}
	}
	return server, client, nil
}

// handleConnection dials the upstream and runs the configured engine for
// one accepted client connection, submitting the completed flow to the
// dumper (if any) when it finishes.
func handleConnection(svc *config.Service, clientConn net.Conn, conn *connector.Connector, hook *script.Hook, dumper *pcapdump.Dumper, logger *slog.Logger) {
	defer clientConn.Close()

	upstreamConn, err := conn.Dial()
	if err != nil {
		logger.Error("upstream dial failed", "error", err, "client", clientConn.RemoteAddr())
		return
	}
	defer upstreamConn.Close()

	if svc.HTTPEnabled {
		runHTTP(svc, clientConn, upstreamConn, hook, dumper, logger)
		return
	}
	runRaw(svc, clientConn, upstreamConn, hook, dumper, logger)
}

func runRaw(svc *config.Service, clientConn, upstreamConn net.Conn, hook *script.Hook, dumper *pcapdump.Dumper, logger *slog.Logger) {
	f := flow.NewRaw(clientConn.RemoteAddr(), upstreamConn.RemoteAddr(), int(svc.ClientMaxHistory.Bytes()), int(svc.ServerMaxHistory.Bytes()))

	cfg := rawengine.Config{
		ClientIdleTimeout:  svc.ClientTimeout.Dur(),
		ServerIdleTimeout:  svc.ServerTimeout.Dur(),
		ClientWriteTimeout: svc.ClientTimeout.Dur(),
		ServerWriteTimeout: svc.ServerTimeout.Dur(),
	}
	e := rawengine.New(cfg, hook, logger, f)
	if err := e.Run(clientConn, upstreamConn); err != nil {
		logger.Debug("raw flow ended", "flow", f.ID, "error", err)
	}

	if dumper != nil {
		dumper.Submit(f)
	}
}

func runHTTP(svc *config.Service, clientConn, upstreamConn net.Conn, hook *script.Hook, dumper *pcapdump.Dumper, logger *slog.Logger) {
	f := flow.NewHTTP(clientConn.RemoteAddr(), upstreamConn.RemoteAddr(), int(svc.ClientMaxHistory.Bytes()), int(svc.ServerMaxHistory.Bytes()))

	cfg := httpengine.Config{
		KeepAlive:      svc.HTTPKeepAlive,
		HalfClose:      svc.HTTPHalfClose,
		AutoDateHeader: svc.HTTPDateHeader,
		MaxBody:        int(svc.HTTPMaxBody.Bytes()),
		ClientTimeout:  svc.ClientTimeout.Dur(),
		ServerTimeout:  svc.ServerTimeout.Dur(),
	}
	e := httpengine.New(cfg, hook, logger, f)
	if err := e.Run(clientConn, upstreamConn); err != nil {
		logger.Debug("http flow ended", "flow", f.ID, "error", err)
	}

	if dumper != nil {
		dumper.Submit(f)
	}
}
