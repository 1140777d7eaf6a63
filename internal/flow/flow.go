package flow

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two shapes a Flow can take.
type Kind int

const (
	// KindRaw identifies a Flow carrying opaque byte chunks.
	KindRaw Kind = iota
	// KindHTTP identifies a Flow carrying parsed HTTP/1.1 messages.
	KindHTTP
)

// Flow is the completed (or in-progress) record of one accepted client
// connection and its paired upstream connection. It is exclusively owned by
// its handler goroutine until completion, at which point it is handed by
// value to the dumper channel.
type Flow struct {
	ID         uuid.UUID
	Kind       Kind
	Start      time.Time
	ClientAddr net.Addr
	ServerAddr net.Addr

	// Populated when Kind == KindRaw.
	ClientHistory *RawHistory
	ServerHistory *RawHistory

	// Populated when Kind == KindHTTP.
	HTTP *HTTPHistory
}

// NewRaw constructs an empty raw Flow with fresh per-direction histories.
func NewRaw(clientAddr, serverAddr net.Addr, clientMax, serverMax int) *Flow {
	return &Flow{
		ID:            uuid.New(),
		Kind:          KindRaw,
		Start:         time.Now(),
		ClientAddr:    clientAddr,
		ServerAddr:    serverAddr,
		ClientHistory: NewRawHistory(clientMax),
		ServerHistory: NewRawHistory(serverMax),
	}
}

// NewHTTP constructs an empty HTTP Flow.
func NewHTTP(clientAddr, serverAddr net.Addr, clientMax, serverMax int) *Flow {
	return &Flow{
		ID:         uuid.New(),
		Kind:       KindHTTP,
		Start:      time.Now(),
		ClientAddr: clientAddr,
		ServerAddr: serverAddr,
		HTTP:       NewHTTPHistory(clientMax, serverMax),
	}
}

// HasData reports whether anything was actually recorded for this flow —
// used to suppress PCAP emission for flows killed before any chunk arrived.
func (f *Flow) HasData() bool {
	switch f.Kind {
	case KindRaw:
		return len(f.ClientHistory.Chunks) > 0 || len(f.ServerHistory.Chunks) > 0
	case KindHTTP:
		return len(f.HTTP.Requests) > 0 || len(f.HTTP.Responses) > 0
	default:
		return false
	}
}
