package script

import "net/url"

// Uri is the parsed form of an HTTP request target exposed to hook scripts.
type Uri struct {
	Scheme    string              `json:"scheme"`
	Authority string              `json:"authority"`
	Host      string              `json:"host"`
	Port      string              `json:"port"`
	Path      string              `json:"path"`
	Query     string              `json:"query"`
	Params    map[string][]string `json:"params"`
}

// ParseURI builds a Uri from a request-target string. Repeated query keys
// accumulate into Params ("key -> list<string>").
func ParseURI(raw string) Uri {
	u, err := url.Parse(raw)
	if err != nil {
		return Uri{Path: raw}
	}
	return Uri{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Host:      u.Hostname(),
		Port:      u.Port(),
		Path:      u.Path,
		Query:     u.RawQuery,
		Params:    map[string][]string(u.Query()),
	}
}

// Request is the structured object a hook script sees for an HTTP request.
// Body is exposed as a string (see DESIGN.md for the ArrayBuffer tradeoff);
// httpengine converts to/from []byte at the boundary.
type Request struct {
	Method  string            `json:"method"`
	URI     Uri               `json:"uri"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Response is the structured object a hook script sees for an HTTP
// response, and the shape it may return to request a replacement.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// RawFlowSnapshot is the read-only view of a raw flow passed to the raw
// hooks: enough to identify the flow and see how much history has
// accumulated, without exposing the live history buffers themselves.
type RawFlowSnapshot struct {
	ID                 string `json:"id"`
	ClientHistoryBytes int    `json:"client_history_bytes"`
	ServerHistoryBytes int    `json:"server_history_bytes"`
}
