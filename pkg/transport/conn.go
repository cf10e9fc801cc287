// Package transport carries envelopes over an origin-checked, bidirectional
// message connection.
//
// A Conn moves raw messages. A Channel sits on top of a Conn: it drops
// messages whose origin does not match the expected origin, decodes the
// rest with the protocol codec and hands valid envelopes to its message
// callback. Sends are queued to a write pump and never block the caller.
package transport

import (
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrSendBufferFull is returned when the write queue is full. The
	// envelope is dropped.
	ErrSendBufferFull = errors.New("transport: send buffer full")

	// ErrNoExpectedOrigin is returned by NewChannel without an origin.
	ErrNoExpectedOrigin = errors.New("transport: expected origin required")

	// ErrConnClosed is returned by a closed Conn.
	ErrConnClosed = errors.New("transport: connection closed")
)

// RawMessage is one inbound message together with the origin it came from.
type RawMessage struct {
	Origin string
	Data   []byte
}

// Conn is a raw bidirectional message connection.
//
// ReadMessage is called from one goroutine and WriteMessage from another;
// Close may be called concurrently with both and unblocks ReadMessage.
type Conn interface {
	ReadMessage() (RawMessage, error)
	WriteMessage(data []byte) error
	Close() error
}

// AnyOrigin disables origin checking. Use only for local development.
const AnyOrigin = "*"

// OriginMatches reports whether origin equals expected after normalizing
// scheme and host case and default ports.
func OriginMatches(expected, origin string) bool {
	if expected == AnyOrigin {
		return true
	}
	if expected == "" || origin == "" {
		return false
	}
	e, ok := normalizeOrigin(expected)
	if !ok {
		return false
	}
	o, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	return e == o
}

func normalizeOrigin(s string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case scheme == "http" && port == "80", scheme == "https" && port == "443":
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}

// OriginFromURL returns the origin a browser would present for a page at
// rawURL. WebSocket schemes map to their HTTP counterparts.
func OriginFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	if scheme == "" || u.Host == "" {
		return "", errors.New("transport: url has no origin: " + rawURL)
	}
	return scheme + "://" + u.Host, nil
}
