// Package acceptor binds the client-facing listening socket for a service
// and performs the optional server-side TLS handshake.
package acceptor

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Acceptor binds a TCP listener and optionally terminates client TLS on
// each accepted connection.
type Acceptor struct {
	ln        net.Listener
	tlsConfig *tls.Config
}

// Listen binds addr. If tlsConfig is non-nil, every accepted connection is
// TLS-handshaken before being returned from Accept.
func Listen(addr string, tlsConfig *tls.Config) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}
	return &Acceptor{ln: ln, tlsConfig: tlsConfig}, nil
}

// Accept blocks for the next client connection. If TLS is configured, the
// handshake is performed before the connection is returned. A handshake
// failure only drops that one connection; Accept moves on to the next
// pending client rather than surfacing it as a loop-ending error. Only the
// underlying listener's own Accept error (e.g. the listener was closed) is
// returned to the caller.
func (a *Acceptor) Accept() (net.Conn, error) {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return nil, err
		}

		if a.tlsConfig == nil {
			return conn, nil
		}

		tlsConn := tls.Server(conn, a.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			continue
		}
		return tlsConn, nil
	}
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}
