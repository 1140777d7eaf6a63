// Package connector dials the upstream side of a flow, one connection per
// accepted client, optionally re-originating TLS.
package connector

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Connector dials a fixed upstream address.
type Connector struct {
	addr        string
	tlsConfig   *tls.Config
	dialTimeout time.Duration
}

// New returns a Connector for addr. If tlsConfig is non-nil, every dial is
// wrapped with a client TLS handshake; ServerName is derived from addr's
// host when the caller did not already set one.
func New(addr string, tlsConfig *tls.Config, dialTimeout time.Duration) *Connector {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Connector{addr: addr, tlsConfig: tlsConfig, dialTimeout: dialTimeout}
}

// Dial opens one upstream connection.
func (c *Connector) Dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connector: dial %s: %w", c.addr, err)
	}

	if c.tlsConfig == nil {
		return conn, nil
	}

	cfg := c.tlsConfig
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = hostOf(c.addr)
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connector: tls handshake: %w", err)
	}
	return tlsConn, nil
}

// hostOf strips the port from a host:port address for use as SNI.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(addr, ":")
}
