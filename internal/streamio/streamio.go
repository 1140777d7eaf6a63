// Package streamio provides a uniform chunked-read/chunked-write surface
// over plain TCP and TLS-wrapped TCP connections.
package streamio

import (
	"errors"
	"io"
	"net"
	"time"
)

// scratchSize is the size of the internal drain buffer for ReadChunk.
const scratchSize = 4096

// Stream wraps a net.Conn with chunked I/O semantics suited to the flow
// engines: ReadChunk returns as soon as any bytes are available rather than
// blocking to fill a buffer, and EOF conditions (including the TLS record
// layer's unexpected EOF) are reported as an orderly close, a (0, nil) read.
type Stream struct {
	conn net.Conn
}

// New wraps conn (plain or *tls.Conn) in a Stream.
func New(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// SetReadDeadline arms the idle-read deadline for the next ReadChunk call.
func (s *Stream) SetReadDeadline(d time.Duration) error {
	return s.conn.SetReadDeadline(time.Now().Add(d))
}

// SetWriteDeadline arms the deadline for the next WriteChunk call.
func (s *Stream) SetWriteDeadline(d time.Duration) error {
	return s.conn.SetWriteDeadline(time.Now().Add(d))
}

// ReadChunk appends readable bytes to buf and returns the number of bytes
// appended. It drains the socket in a loop while data is immediately
// available, stopping at the first would-block once at least one byte has
// been read. A return of (0, nil) signals orderly EOF.
func (s *Stream) ReadChunk(buf *[]byte) (int, error) {
	var scratch [scratchSize]byte
	total := 0

	for {
		n, err := s.conn.Read(scratch[:])
		if n > 0 {
			*buf = append(*buf, scratch[:n]...)
			total += n
		}
		if err != nil {
			// Once we've read something, any further error on the greedy
			// drain loop (benign EOF, a timeout mid-drain, anything) just
			// means no more data is immediately available: the chunk is
			// complete. The error resurfaces on the next ReadChunk call
			// instead, so it is never silently dropped.
			if total > 0 {
				return total, nil
			}
			if isBenignEOF(err) {
				return 0, nil
			}
			return 0, err
		}
		if n < scratchSize {
			// A short read off a stream socket means we've drained what was
			// immediately available; a further Read would block.
			return total, nil
		}
	}
}

// IsTimeout reports whether err is a deadline expiry from the net package.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isBenignEOF reports whether err represents an orderly close, including
// the "unexpected EOF" that many TLS peers produce by closing the socket
// without sending a close_notify alert.
func isBenignEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// WriteChunk writes the entire slice to the connection.
func (s *Stream) WriteChunk(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := s.conn.Write(b)
	return err
}

// Shutdown half-closes the write side of the connection when it supports
// CloseWrite; otherwise it closes the connection fully.
func (s *Stream) Shutdown() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

// Close closes the underlying connection fully.
func (s *Stream) Close() error {
	return s.conn.Close()
}
