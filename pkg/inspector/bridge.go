// Package inspector binds one transport channel to a session registry.
//
// A Bridge is the public surface of the dev-tools connection: the form
// side uses it to open a session and push state, the inspector side uses
// it to observe events and travel through history. Both sides run the same
// code; whichever calls Connect initiates the handshake.
//
//	reg, _ := registry.New(nil)
//	ch, _ := transport.NewChannel(conn, transport.ChannelConfig{ExpectedOrigin: origin})
//	b := inspector.New(reg, ch)
//	go b.Run(ctx)
//	b.OnEvent(bus.TopicStateUpdated, func(ev bus.Event) error { ... })
//	b.Connect("login-form", "Login", nil)
package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/history"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
	"github.com/binaryjack/formular-dev-tools/pkg/transport"
)

// DefaultTracerName is the tracer used when none is configured.
const DefaultTracerName = "formular-devtools"

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l.With("component", "inspector")
		}
	}
}

// WithTracer sets the tracer used for inbound envelope spans. The default
// comes from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) {
		if t != nil {
			b.tracer = t
		}
	}
}

// Bridge connects a transport channel to a registry.
type Bridge struct {
	reg    *registry.Registry
	ch     *transport.Channel
	tracer trace.Tracer
	logger *slog.Logger

	mu        sync.Mutex
	subs      []*bus.Subscription
	closeOnce sync.Once
}

// New wires ch into reg. Inbound envelopes, codec failures, origin
// rejections and channel closure are all routed to the registry.
func New(reg *registry.Registry, ch *transport.Channel, opts ...Option) *Bridge {
	b := &Bridge{
		reg:    reg,
		ch:     ch,
		tracer: otel.Tracer(DefaultTracerName),
		logger: slog.Default().With("component", "inspector"),
	}
	for _, opt := range opts {
		opt(b)
	}

	ch.OnMessage(b.receive)
	ch.OnInvalid(func(f *protocol.ValidationFailure) {
		b.reg.HandleInvalid(f, b.ch)
	})
	ch.OnReject(func(rj transport.Rejection) {
		b.reg.OriginRejected(rj.Origin, rj.Expected)
	})
	ch.OnClose(func(err error) {
		b.reg.PeerClosed(b.ch, err)
	})
	return b
}

// receive handles one inbound envelope inside a span.
func (b *Bridge) receive(env protocol.Envelope) {
	_, span := b.tracer.Start(context.Background(),
		fmt.Sprintf("formular.%s", env.Kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("formular.session_id", env.SessionID),
			attribute.String("formular.kind", env.Kind.String()),
			attribute.String("formular.version", env.Version),
			attribute.Float64("formular.timestamp", env.Timestamp),
		),
	)
	defer span.End()

	if err := b.reg.Handle(env, b.ch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := fderrors.CodeOf(err); code != "" {
			span.SetAttributes(attribute.String("formular.error_code", code))
		}
		b.logger.Debug("envelope not applied", "session_id", env.SessionID, "kind", env.Kind.String(), "error", err)
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Run reads from the channel until it closes or ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	return b.ch.Run(ctx)
}

// Close removes the bridge's subscriptions, closes the channel and
// disconnects the sessions it carried.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()
		for _, sub := range subs {
			b.reg.Bus().Unsubscribe(sub)
		}
		err = b.ch.Close()
		b.reg.PeerClosed(b.ch, transport.ErrChannelClosed)
	})
	return err
}

// Registry returns the registry the bridge feeds.
func (b *Bridge) Registry() *registry.Registry { return b.reg }

// Channel returns the bridge's channel.
func (b *Bridge) Channel() *transport.Channel { return b.ch }

// Connect opens a session over this bridge's channel.
func (b *Bridge) Connect(sessionID, name string, cfg *registry.Config) error {
	return b.reg.Connect(sessionID, name, b.ch, cfg)
}

// Disconnect closes a session.
func (b *Bridge) Disconnect(sessionID string) error {
	return b.reg.Disconnect(sessionID)
}

// SendUpdate applies and sends a state update.
func (b *Bridge) SendUpdate(sessionID string, p protocol.StateUpdatePayload) (state.Snapshot, error) {
	return b.reg.SendUpdate(sessionID, p)
}

// SendFieldChange applies and sends a single field change.
func (b *Bridge) SendFieldChange(sessionID, field string, value any) (state.Snapshot, error) {
	return b.reg.SendFieldChange(sessionID, field, value)
}

// SendSample sends a throttled performance sample.
func (b *Bridge) SendSample(sessionID string, s protocol.PerformanceSample) error {
	return b.reg.SendSample(sessionID, s)
}

// RequestValidation asks the peer to validate the given fields, or the
// whole form when none are given.
func (b *Bridge) RequestValidation(sessionID string, fields ...string) error {
	return b.reg.SendRequest(sessionID, protocol.KindValidateRequest, fields...)
}

// RequestSubmit asks the peer to submit the form.
func (b *Bridge) RequestSubmit(sessionID string) error {
	return b.reg.SendRequest(sessionID, protocol.KindSubmitRequest)
}

// OnEvent subscribes h to topic. The subscription ends with Close. h may
// be called concurrently for different sessions.
func (b *Bridge) OnEvent(topic bus.Topic, h bus.Handler) *bus.Subscription {
	sub := b.reg.Bus().Subscribe(topic, h)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// OnSessionEvent subscribes h to topic for one session. The subscription
// ends when the session disconnects.
func (b *Bridge) OnSessionEvent(topic bus.Topic, sessionID string, h bus.Handler) (*bus.Subscription, error) {
	return b.reg.SubscribeSession(topic, sessionID, h)
}

// Snapshot returns the canonical snapshot of a session.
func (b *Bridge) Snapshot(sessionID string) (state.Snapshot, error) {
	return b.reg.Snapshot(sessionID)
}

// SeekHistory moves the replay cursor to pos.
func (b *Bridge) SeekHistory(sessionID string, pos int) (history.Entry, error) {
	return b.reg.Seek(sessionID, pos)
}

// StepForward moves the replay cursor one entry towards the newest.
func (b *Bridge) StepForward(sessionID string) (history.Entry, error) {
	return b.reg.StepForward(sessionID)
}

// StepBackward moves the replay cursor one entry towards the oldest.
func (b *Bridge) StepBackward(sessionID string) (history.Entry, error) {
	return b.reg.StepBackward(sessionID)
}

// Diff compares two history positions.
func (b *Bridge) Diff(sessionID string, from, to int) (history.Diff, error) {
	return b.reg.Diff(sessionID, from, to)
}

// History returns the retained history of a session.
func (b *Bridge) History(sessionID string) ([]history.Entry, error) {
	return b.reg.History(sessionID)
}

// Restore makes the snapshot at pos live again.
func (b *Bridge) Restore(sessionID string, pos int) (history.Entry, error) {
	return b.reg.Restore(sessionID, pos)
}

// Sessions lists every session of the registry.
func (b *Bridge) Sessions() []registry.SessionInfo {
	return b.reg.Sessions()
}
