package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
)

// DefaultSendBuffer is the write queue length used when none is set.
const DefaultSendBuffer = 64

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// ExpectedOrigin is the only origin whose messages are accepted.
	// AnyOrigin accepts everything.
	ExpectedOrigin string

	// SendBuffer is the write queue length.
	SendBuffer int

	Logger *slog.Logger
}

// Rejection describes an inbound message dropped for its origin.
type Rejection struct {
	Origin   string
	Expected string
	Size     int
}

// Channel is an origin-checked envelope channel over a Conn.
type Channel struct {
	conn     Conn
	expected string
	logger   *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}

	mu        sync.RWMutex
	onMessage func(protocol.Envelope)
	onReject  func(Rejection)
	onInvalid func(*protocol.ValidationFailure)
	onClose   func(error)
}

// NewChannel wraps conn and starts its write pump.
func NewChannel(conn Conn, cfg ChannelConfig) (*Channel, error) {
	if cfg.ExpectedOrigin == "" {
		return nil, ErrNoExpectedOrigin
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		conn:     conn,
		expected: cfg.ExpectedOrigin,
		logger:   logger.With("component", "transport"),
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go c.writePump()
	return c, nil
}

// ExpectedOrigin returns the origin this channel accepts.
func (c *Channel) ExpectedOrigin() string { return c.expected }

// OnMessage sets the callback for valid envelopes.
func (c *Channel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnReject sets the callback for messages dropped for their origin.
func (c *Channel) OnReject(fn func(Rejection)) {
	c.mu.Lock()
	c.onReject = fn
	c.mu.Unlock()
}

// OnInvalid sets the callback for messages that failed decoding.
func (c *Channel) OnInvalid(fn func(*protocol.ValidationFailure)) {
	c.mu.Lock()
	c.onInvalid = fn
	c.mu.Unlock()
}

// OnClose sets the callback run once when Run returns.
func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Send encodes env and queues it for writing. It never blocks: when the
// queue is full the envelope is dropped and ErrSendBufferFull returned.
func (c *Channel) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		c.logger.Warn("send buffer full, dropping envelope",
			"kind", env.Kind.String(), "session_id", env.SessionID)
		return ErrSendBufferFull
	}
}

// Run reads messages until the connection fails, Close is called or ctx
// is done. It returns nil for a local shutdown.
func (c *Channel) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	var err error
	for {
		var msg RawMessage
		msg, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.receive(msg)
	}

	local := c.Closed()
	c.Close()

	c.mu.RLock()
	onClose := c.onClose
	c.mu.RUnlock()
	if onClose != nil {
		onClose(err)
	}

	if local || errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}

func (c *Channel) receive(msg RawMessage) {
	c.mu.RLock()
	onMessage, onReject, onInvalid := c.onMessage, c.onReject, c.onInvalid
	c.mu.RUnlock()

	if !OriginMatches(c.expected, msg.Origin) {
		c.logger.Warn("dropping message from unexpected origin",
			"origin", msg.Origin, "expected", c.expected, "bytes", len(msg.Data))
		if onReject != nil {
			onReject(Rejection{Origin: msg.Origin, Expected: c.expected, Size: len(msg.Data)})
		}
		return
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil {
		var vf *protocol.ValidationFailure
		if !errors.As(err, &vf) {
			vf = &protocol.ValidationFailure{Issues: []protocol.Issue{{Field: protocol.FieldEnvelope, Reason: err.Error()}}}
		}
		c.logger.Debug("dropping invalid envelope", "error", vf)
		if onInvalid != nil {
			onInvalid(vf)
		}
		return
	}

	if onMessage != nil {
		onMessage(env)
	}
}

func (c *Channel) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.logger.Error("write error", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the write pump and closes the connection. Queued envelopes
// that were not yet written are dropped.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }
