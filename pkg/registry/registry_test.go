package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/binaryjack/formular-dev-tools/internal/clock"
	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
)

// recorder is a Peer that keeps every envelope sent to it.
type recorder struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (p *recorder) Send(env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *recorder) kinds() []protocol.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Kind, len(p.sent))
	for i, env := range p.sent {
		out[i] = env.Kind
	}
	return out
}

func (p *recorder) last() protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return protocol.Envelope{}
	}
	return p.sent[len(p.sent)-1]
}

func (p *recorder) count(kind protocol.Kind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// collector records events of one topic.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func collect(b *bus.Bus, topic bus.Topic) *collector {
	c := &collector{}
	b.Subscribe(topic, func(ev bus.Event) error {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *collector) all() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	b := bus.New(bus.WithLogger(testLogger()))
	base := []Option{WithClock(clk), WithLogger(testLogger())}
	r, err := New(b, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Shutdown)
	return r, clk
}

func envelope(t *testing.T, kind protocol.Kind, id string, ts float64, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, id, ts, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", kind, err)
	}
	return env
}

// connect opens id over a fresh recorder and acknowledges the handshake.
func connect(t *testing.T, r *Registry, id string, cfg *Config) *recorder {
	t.Helper()
	peer := &recorder{}
	if err := r.Connect(id, "login", peer, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Handle(envelope(t, protocol.KindHandshakeAck, id, 1, nil), peer); err != nil {
		t.Fatalf("Handle(ack): %v", err)
	}
	return peer
}

func full(fields map[string]any) protocol.StateUpdatePayload {
	return protocol.StateUpdatePayload{
		Mode:       protocol.ModeFull,
		Fields:     fields,
		Validation: &protocol.Validation{IsValid: true},
		Submission: &protocol.Submission{},
	}
}

func delta(fields map[string]any) protocol.StateUpdatePayload {
	return protocol.StateUpdatePayload{Mode: protocol.ModeDelta, Fields: fields}
}

func mustState(t *testing.T, r *Registry, id string, want State) {
	t.Helper()
	got, err := r.State(id)
	if err != nil {
		t.Fatalf("State(%s): %v", id, err)
	}
	if got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestRoutesCoverEveryKind(t *testing.T) {
	for _, k := range protocol.Kinds() {
		rt, ok := routes[k]
		if !ok || rt.handle == nil {
			t.Errorf("no handler for %s", k)
		}
	}
	if len(routes) != len(protocol.Kinds()) {
		t.Errorf("routes has %d entries, want %d", len(routes), len(protocol.Kinds()))
	}
}

func TestConnectHandshake(t *testing.T) {
	r, clk := newTestRegistry(t)
	conns := collect(r.Bus(), bus.TopicConnection)

	peer := &recorder{}
	if err := r.Connect("s1", "login", peer, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mustState(t, r, "s1", StateConnecting)

	hs := peer.last()
	if hs.Kind != protocol.KindHandshake {
		t.Fatalf("sent %s, want HANDSHAKE", hs.Kind)
	}
	var p protocol.HandshakePayload
	if err := hs.DecodePayload(&p); err != nil || p.Name != "login" {
		t.Fatalf("handshake payload = %+v, %v", p, err)
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}

	if err := r.Handle(envelope(t, protocol.KindHandshakeAck, "s1", 1, nil), peer); err != nil {
		t.Fatalf("Handle(ack): %v", err)
	}
	mustState(t, r, "s1", StateConnected)
	if clk.Pending() != 0 {
		t.Errorf("handshake timer still pending after ack")
	}

	evs := conns.all()
	if len(evs) != 2 {
		t.Fatalf("connection events = %d, want 2", len(evs))
	}
	first := evs[0].Payload.(ConnectionEvent)
	second := evs[1].Payload.(ConnectionEvent)
	if first.From != StateDisconnected || first.To != StateConnecting {
		t.Errorf("first transition %s -> %s", first.From, first.To)
	}
	if second.From != StateConnecting || second.To != StateConnected {
		t.Errorf("second transition %s -> %s", second.From, second.To)
	}
}

func TestConnectValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Connect("", "x", &recorder{}, nil); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("empty id: %v", err)
	}
	if err := r.Connect("s1", "x", nil, nil); !errors.Is(err, ErrNoPeer) {
		t.Errorf("nil peer: %v", err)
	}
	bad := DefaultConfig()
	bad.MaxHistorySize = 0
	err := r.Connect("s1", "x", &recorder{}, &bad)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad config: %v", err)
	}
	if code := fderrors.CodeOf(err); code != fderrors.CodeConfigInvalid {
		t.Errorf("code = %q", code)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	r, clk := newTestRegistry(t)
	errs := collect(r.Bus(), bus.TopicError)

	peer := &recorder{}
	if err := r.Connect("s1", "login", peer, nil); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2999 * time.Millisecond)
	mustState(t, r, "s1", StateConnecting)

	clk.Advance(time.Millisecond)
	mustState(t, r, "s1", StateError)

	evs := errs.all()
	if len(evs) != 1 {
		t.Fatalf("error events = %d, want 1", len(evs))
	}
	ev := evs[0].Payload.(ErrorEvent)
	if ev.Code != fderrors.CodeHandshakeTimeout {
		t.Errorf("code = %q, want %s", ev.Code, fderrors.CodeHandshakeTimeout)
	}
	var cerr *ConnectionError
	if !errors.As(ev.Err, &cerr) || cerr.Reason != ReasonHandshakeTimeout {
		t.Errorf("err = %v", ev.Err)
	}

	// A late ack is not accepted once the attempt failed.
	err := r.Handle(envelope(t, protocol.KindHandshakeAck, "s1", 5, nil), peer)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("late ack err = %v", err)
	}
	mustState(t, r, "s1", StateError)

	if err := r.Reset("s1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	mustState(t, r, "s1", StateDisconnected)
	if err := r.Reset("s1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Reset: %v", err)
	}
}

func TestHandshakeTimeoutDisabled(t *testing.T) {
	r, clk := newTestRegistry(t)
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 0
	if err := r.Connect("s1", "login", &recorder{}, &cfg); err != nil {
		t.Fatal(err)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer armed with timeout disabled")
	}
	clk.Advance(time.Hour)
	mustState(t, r, "s1", StateConnecting)
}

func TestConnectSendFailure(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := &recorder{err: errors.New("queue full")}
	err := r.Connect("s1", "login", peer, nil)
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonSendFailed {
		t.Fatalf("err = %v", err)
	}
	mustState(t, r, "s1", StateError)
}

func TestDuplicateConnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	errs := collect(r.Bus(), bus.TopicError)
	peer := connect(t, r, "s1", nil)

	err := r.Connect("s1", "again", &recorder{}, nil)
	var dup *DuplicateConnectionError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want *DuplicateConnectionError", err)
	}
	if dup.State != StateConnected {
		t.Errorf("dup.State = %s", dup.State)
	}
	mustState(t, r, "s1", StateConnected)
	if errs.len() != 1 {
		t.Errorf("error events = %d, want 1", errs.len())
	}

	// The original peer still drives the session.
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(map[string]any{"a": "1"})), peer); err != nil {
		t.Fatalf("update on original peer: %v", err)
	}
}

func TestRemoteHandshake(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := &recorder{}

	err := r.Handle(envelope(t, protocol.KindHandshake, "host-1", 5, protocol.HandshakePayload{Name: "signup"}), peer)
	if err != nil {
		t.Fatalf("Handle(handshake): %v", err)
	}
	mustState(t, r, "host-1", StateConnected)
	if peer.last().Kind != protocol.KindHandshakeAck {
		t.Fatalf("reply = %s, want HANDSHAKE_ACK", peer.last().Kind)
	}
	info, err := r.Session("host-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "signup" {
		t.Errorf("name = %q", info.Name)
	}

	// A second channel claiming the same session is turned away.
	other := &recorder{}
	err = r.Handle(envelope(t, protocol.KindHandshake, "host-1", 6, protocol.HandshakePayload{Name: "signup"}), other)
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonDuplicateConnection {
		t.Fatalf("err = %v", err)
	}
	rej := other.last()
	var ep protocol.ErrorPayload
	if rej.Kind != protocol.KindError || rej.DecodePayload(&ep) != nil || ep.ErrorKind != protocol.ErrorKindDuplicateConnection {
		t.Fatalf("rejection = %v %+v", rej, ep)
	}
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "host-1", 7, full(nil)), other); err == nil {
		t.Error("update from the rejected channel was accepted")
	}
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "host-1", 7, full(nil)), peer); err != nil {
		t.Errorf("update from the bound channel: %v", err)
	}
}

func TestSimultaneousHandshake(t *testing.T) {
	r, clk := newTestRegistry(t)
	peer := &recorder{}
	if err := r.Connect("s1", "login", peer, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(envelope(t, protocol.KindHandshake, "s1", 2, protocol.HandshakePayload{Name: "login"}), peer); err != nil {
		t.Fatal(err)
	}
	mustState(t, r, "s1", StateConnected)
	if clk.Pending() != 0 {
		t.Errorf("handshake timer still armed")
	}
}

func TestLoginFormScenario(t *testing.T) {
	r, _ := newTestRegistry(t)
	updates := collect(r.Bus(), bus.TopicStateUpdated)
	peer := connect(t, r, "login-form", nil)

	first := full(map[string]any{"email": "", "password": ""})
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "login-form", 100, first), peer); err != nil {
		t.Fatal(err)
	}
	second := delta(map[string]any{"email": "a@b.c"})
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "login-form", 200, second), peer); err != nil {
		t.Fatal(err)
	}

	snap, err := r.Snapshot("login-form")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := snap.Field("email"); v != "a@b.c" {
		t.Errorf("email = %v", v)
	}
	if v, ok := snap.Field("password"); !ok || v != "" {
		t.Errorf("password = %v, %v", v, ok)
	}
	if !snap.Validation().IsValid {
		t.Errorf("delta dropped validation")
	}
	if snap.Timestamp() != 200 {
		t.Errorf("timestamp = %v", snap.Timestamp())
	}

	hist, _ := r.History("login-form")
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	evs := updates.all()
	if len(evs) != 2 {
		t.Fatalf("state-updated events = %d", len(evs))
	}
	if ev := evs[1].Payload.(StateUpdatedEvent); ev.Index != 1 || ev.Timestamp != 200 || ev.Restored {
		t.Errorf("event = %+v", ev)
	}
}

func TestStaleUpdateRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	diags := collect(r.Bus(), bus.TopicDiagnostic)
	peer := connect(t, r, "s1", nil)

	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 100, full(map[string]any{"a": "new"})), peer); err != nil {
		t.Fatal(err)
	}
	for _, ts := range []float64{50, 100} {
		err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", ts, full(map[string]any{"a": "old"})), peer)
		if fderrors.CodeOf(err) != fderrors.CodeStaleUpdate {
			t.Errorf("ts %v: err = %v, want stale", ts, err)
		}
	}

	snap, _ := r.Snapshot("s1")
	if v, _ := snap.Field("a"); v != "new" {
		t.Errorf("a = %v, stale update was applied", v)
	}
	hist, _ := r.History("s1")
	if len(hist) != 1 {
		t.Errorf("history len = %d, want 1", len(hist))
	}
	evs := diags.all()
	if len(evs) != 2 {
		t.Fatalf("diagnostics = %d, want 2", len(evs))
	}
	if d := evs[0].Payload.(DiagnosticEvent); d.Code != fderrors.CodeStaleUpdate || d.SessionID != "s1" {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestFieldChangeApplied(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	_ = r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(map[string]any{"a": "1", "b": "2"})), peer)
	fc := protocol.FieldChangePayload{Field: "b", Value: "3"}
	if err := r.Handle(envelope(t, protocol.KindFieldChange, "s1", 20, fc), peer); err != nil {
		t.Fatal(err)
	}
	snap, _ := r.Snapshot("s1")
	if v, _ := snap.Field("a"); v != "1" {
		t.Errorf("a = %v", v)
	}
	if v, _ := snap.Field("b"); v != "3" {
		t.Errorf("b = %v", v)
	}
	hist, _ := r.History("s1")
	if hist[len(hist)-1].Kind != protocol.KindFieldChange {
		t.Errorf("last kind = %s", hist[len(hist)-1].Kind)
	}

	err := r.Handle(envelope(t, protocol.KindFieldChange, "s1", 30, protocol.FieldChangePayload{}), peer)
	if fderrors.CodeOf(err) != fderrors.CodeInvalidPayload {
		t.Errorf("empty field: %v", err)
	}
}

func TestCapacityTwoEviction(t *testing.T) {
	r, _ := newTestRegistry(t)
	hist := collect(r.Bus(), bus.TopicHistory)
	cfg := DefaultConfig()
	cfg.MaxHistorySize = 2
	peer := connect(t, r, "s1", &cfg)

	for i, ts := range []float64{10, 20, 30} {
		p := full(map[string]any{"step": float64(i)})
		if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", ts, p), peer); err != nil {
			t.Fatal(err)
		}
	}

	entries, _ := r.History("s1")
	if len(entries) != 2 {
		t.Fatalf("history len = %d, want 2", len(entries))
	}
	if entries[0].Index != 1 || entries[1].Index != 2 {
		t.Errorf("indexes = %d, %d", entries[0].Index, entries[1].Index)
	}

	var evicted []HistoryEvent
	for _, ev := range hist.all() {
		if h := ev.Payload.(HistoryEvent); h.Op == HistoryEvicted {
			evicted = append(evicted, h)
		}
	}
	if len(evicted) != 1 || evicted[0].Index != 0 {
		t.Errorf("evictions = %+v", evicted)
	}
}

func TestReconnectContinuity(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)
	_ = r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 100, full(map[string]any{"a": "1"})), peer)
	_ = r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 200, delta(map[string]any{"b": "2"})), peer)

	if err := r.Disconnect("s1"); err != nil {
		t.Fatal(err)
	}
	mustState(t, r, "s1", StateDisconnected)
	if peer.last().Kind != protocol.KindDisconnect {
		t.Errorf("last sent = %s, want DISCONNECT", peer.last().Kind)
	}

	peer2 := connect(t, r, "s1", nil)
	// The new connection starts a new ordering epoch.
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 5, delta(map[string]any{"c": "3"})), peer2); err != nil {
		t.Fatalf("update after reconnect: %v", err)
	}

	snap, _ := r.Snapshot("s1")
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := snap.Field(k); !ok {
			t.Errorf("field %s lost across reconnect", k)
		}
	}
	entries, _ := r.History("s1")
	if len(entries) != 3 {
		t.Errorf("history len = %d, want 3", len(entries))
	}
	if entries[2].Index != 2 {
		t.Errorf("index after reconnect = %d", entries[2].Index)
	}
}

func TestDisconnectWithoutRetention(t *testing.T) {
	r, _ := newTestRegistry(t)
	cfg := DefaultConfig()
	cfg.RetainHistoryOnReconnect = false
	peer := connect(t, r, "s1", &cfg)
	_ = r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(map[string]any{"a": "1"})), peer)

	if err := r.Disconnect("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Session("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session still present: %v", err)
	}
	if code := fderrors.CodeOf(r.Disconnect("s1")); code != fderrors.CodeSessionNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	var calls int
	sub, err := r.SubscribeSession(bus.TopicStateUpdated, "s1", func(bus.Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(nil)), peer)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	if err := r.Disconnect("s1"); err != nil {
		t.Fatal(err)
	}
	if sub.Active() {
		t.Error("subscription active after disconnect")
	}
}

func TestInboundDisconnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)
	if err := r.Handle(envelope(t, protocol.KindDisconnect, "s1", 5, protocol.DisconnectPayload{Reason: "unload"}), peer); err != nil {
		t.Fatal(err)
	}
	mustState(t, r, "s1", StateDisconnected)
}

func TestDroppedEnvelopes(t *testing.T) {
	r, _ := newTestRegistry(t)
	diags := collect(r.Bus(), bus.TopicDiagnostic)
	peer := connect(t, r, "s1", nil)

	tests := []struct {
		name string
		env  protocol.Envelope
		peer Peer
		code string
	}{
		{"unknown session", envelope(t, protocol.KindStateUpdate, "nobody", 10, full(nil)), peer, fderrors.CodeUnknownSession},
		{"foreign channel", envelope(t, protocol.KindStateUpdate, "s1", 10, full(nil)), &recorder{}, fderrors.CodeNotConnected},
		{"unexpected ack", envelope(t, protocol.KindHandshakeAck, "s1", 10, nil), peer, fderrors.CodeNotConnected},
		{"bad mode", envelope(t, protocol.KindStateUpdate, "s1", 10, map[string]any{"mode": "patch"}), peer, fderrors.CodeInvalidUpdate},
		{"bad sample", envelope(t, protocol.KindPerformanceSample, "s1", 10, map[string]any{"operation": "paint", "durationMs": 1}), peer, fderrors.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := diags.len()
			err := r.Handle(tt.env, tt.peer)
			if err == nil {
				t.Fatal("envelope accepted")
			}
			if code := fderrors.CodeOf(err); code != tt.code {
				t.Errorf("code = %q, want %q (%v)", code, tt.code, err)
			}
			if diags.len() != before+1 {
				t.Errorf("diagnostics = %d, want %d", diags.len(), before+1)
			}
		})
	}
	mustState(t, r, "s1", StateConnected)
}

func TestOutOfOrderRequestDropped(t *testing.T) {
	r, _ := newTestRegistry(t)
	reqs := collect(r.Bus(), bus.TopicRequest)
	peer := connect(t, r, "s1", nil)

	if err := r.Handle(envelope(t, protocol.KindValidateRequest, "s1", 10, protocol.RequestPayload{Fields: []string{"email"}}), peer); err != nil {
		t.Fatal(err)
	}
	err := r.Handle(envelope(t, protocol.KindSubmitRequest, "s1", 5, nil), peer)
	if fderrors.CodeOf(err) != fderrors.CodeOutOfOrder {
		t.Fatalf("err = %v, want out of order", err)
	}
	evs := reqs.all()
	if len(evs) != 1 {
		t.Fatalf("requests = %d, want 1", len(evs))
	}
	if ev := evs[0].Payload.(RequestEvent); ev.Kind != protocol.KindValidateRequest || len(ev.Fields) != 1 {
		t.Errorf("request = %+v", ev)
	}
}

func TestUnsupportedVersionMovesToError(t *testing.T) {
	r, _ := newTestRegistry(t)
	diags := collect(r.Bus(), bus.TopicDiagnostic)
	peer := connect(t, r, "s1", nil)

	raw := []byte(`{"kind":"STATE_UPDATE","sessionId":"s1","timestamp":5,"version":"2.0.0","payload":{"mode":"full"}}`)
	_, err := protocol.Decode(raw)
	var f *protocol.ValidationFailure
	if !errors.As(err, &f) {
		t.Fatalf("Decode err = %v", err)
	}

	r.HandleInvalid(f, peer)
	mustState(t, r, "s1", StateError)
	evs := diags.all()
	if len(evs) != 1 || evs[0].Payload.(DiagnosticEvent).Code != fderrors.CodeUnsupportedVersion {
		t.Fatalf("diagnostics = %+v", evs)
	}

	// A malformed envelope only produces a diagnostic.
	r2, _ := newTestRegistry(t)
	peer2 := connect(t, r2, "s2", nil)
	_, err = protocol.Decode([]byte(`{"kind":"NOPE","sessionId":"s2","timestamp":1,"version":"1.2.0"}`))
	if !errors.As(err, &f) {
		t.Fatalf("Decode err = %v", err)
	}
	r2.HandleInvalid(f, peer2)
	mustState(t, r2, "s2", StateConnected)
}

func TestRemoteErrorWhileConnecting(t *testing.T) {
	r, _ := newTestRegistry(t)
	errs := collect(r.Bus(), bus.TopicError)
	peer := &recorder{}
	if err := r.Connect("s1", "login", peer, nil); err != nil {
		t.Fatal(err)
	}

	p := protocol.ErrorPayload{ErrorKind: protocol.ErrorKindDuplicateConnection, Message: "already connected"}
	if err := r.Handle(envelope(t, protocol.KindError, "s1", 3, p), peer); err != nil {
		t.Fatal(err)
	}
	mustState(t, r, "s1", StateError)

	evs := errs.all()
	if len(evs) != 1 {
		t.Fatalf("error events = %d", len(evs))
	}
	ev := evs[0].Payload.(ErrorEvent)
	if ev.Remote == nil || ev.Remote.ErrorKind != protocol.ErrorKindDuplicateConnection {
		t.Errorf("remote = %+v", ev.Remote)
	}
	if ev.Code != fderrors.CodeRemoteError {
		t.Errorf("code = %q", ev.Code)
	}
}

func TestPerformanceSampleInbound(t *testing.T) {
	r, _ := newTestRegistry(t)
	perf := collect(r.Bus(), bus.TopicPerformance)
	peer := connect(t, r, "s1", nil)

	s := protocol.PerformanceSample{Operation: protocol.OperationRender, DurationMs: 4.5}
	if err := r.Handle(envelope(t, protocol.KindPerformanceSample, "s1", 10, s), peer); err != nil {
		t.Fatal(err)
	}
	evs := perf.all()
	if len(evs) != 1 || evs[0].Payload.(PerformanceEvent).Sample != s {
		t.Fatalf("performance events = %+v", evs)
	}
}

func TestSendUpdate(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	snap, err := r.SendUpdate("s1", full(map[string]any{"email": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := snap.Field("email"); v != "x" {
		t.Errorf("email = %v", v)
	}
	sent := peer.last()
	if sent.Kind != protocol.KindStateUpdate || sent.Timestamp != snap.Timestamp() {
		t.Fatalf("sent %v, snapshot ts %v", sent, snap.Timestamp())
	}

	// Local updates stay ordered after inbound ones with larger stamps.
	future := sent.Timestamp + 1e6
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", future, delta(map[string]any{"a": "1"})), peer); err != nil {
		t.Fatal(err)
	}
	snap, err = r.SendFieldChange("s1", "a", "2")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Timestamp() <= future {
		t.Errorf("local stamp %v not after %v", snap.Timestamp(), future)
	}
	if peer.last().Kind != protocol.KindFieldChange {
		t.Errorf("sent %s, want FIELD_CHANGE", peer.last().Kind)
	}

	if _, err := r.SendUpdate("nobody", full(nil)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	if _, err := r.SendUpdate("s1", protocol.StateUpdatePayload{Mode: "bogus"}); fderrors.CodeOf(err) != fderrors.CodeInvalidUpdate {
		t.Errorf("bad mode: %v", err)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Connect("s1", "login", &recorder{}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := r.SendUpdate("s1", full(nil))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if fderrors.CodeOf(err) != fderrors.CodeNotConnected {
		t.Errorf("code = %q", fderrors.CodeOf(err))
	}
	if err := r.SendRequest("s1", protocol.KindStateUpdate); !errors.Is(err, ErrInvalidState) {
		t.Errorf("non-request kind: %v", err)
	}
}

func TestSendRequestAndError(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	if err := r.SendRequest("s1", protocol.KindSubmitRequest); err != nil {
		t.Fatal(err)
	}
	if peer.last().Kind != protocol.KindSubmitRequest {
		t.Errorf("sent %s", peer.last().Kind)
	}
	if err := r.SendError("s1", protocol.ErrorKindInternal, "boom", map[string]any{"at": "render"}); err != nil {
		t.Fatal(err)
	}
	var ep protocol.ErrorPayload
	if err := peer.last().DecodePayload(&ep); err != nil || ep.Message != "boom" {
		t.Errorf("error payload = %+v, %v", ep, err)
	}
}

func TestOutboundTimestampsIncrease(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)
	for i := 0; i < 5; i++ {
		if err := r.SendRequest("s1", protocol.KindValidateRequest); err != nil {
			t.Fatal(err)
		}
	}
	var prev float64
	for i, env := range peer.sent {
		if i > 0 && env.Timestamp <= prev {
			t.Fatalf("timestamp %v after %v", env.Timestamp, prev)
		}
		prev = env.Timestamp
	}
}

func TestSendSampleThrottled(t *testing.T) {
	r, clk := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	samples := []protocol.PerformanceSample{
		{Operation: protocol.OperationRender, DurationMs: 1},
		{Operation: protocol.OperationRender, DurationMs: 2},
		{Operation: protocol.OperationRender, DurationMs: 3},
	}
	for _, s := range samples {
		if err := r.SendSample("s1", s); err != nil {
			t.Fatal(err)
		}
	}
	if n := peer.count(protocol.KindPerformanceSample); n != 1 {
		t.Fatalf("samples sent before interval = %d, want 1", n)
	}

	clk.Advance(16 * time.Millisecond)
	if n := peer.count(protocol.KindPerformanceSample); n != 2 {
		t.Fatalf("samples sent after interval = %d, want 2", n)
	}
	var got protocol.PerformanceSample
	if err := peer.last().DecodePayload(&got); err != nil || got.DurationMs != 3 {
		t.Errorf("trailing sample = %+v, %v", got, err)
	}
	dropped, _ := r.DroppedSamples("s1")
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	if err := r.SendSample("s1", protocol.PerformanceSample{Operation: "paint"}); err == nil {
		t.Error("invalid sample accepted")
	}
}

func TestDisconnectCancelsPendingSample(t *testing.T) {
	r, clk := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	s := protocol.PerformanceSample{Operation: protocol.OperationValidate, DurationMs: 1}
	_ = r.SendSample("s1", s)
	_ = r.SendSample("s1", s)
	if err := r.Disconnect("s1"); err != nil {
		t.Fatal(err)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timers pending after disconnect = %d", clk.Pending())
	}
	clk.Advance(time.Second)
	if n := peer.count(protocol.KindPerformanceSample); n != 1 {
		t.Errorf("samples sent = %d, want 1", n)
	}
}

func TestPeerClosed(t *testing.T) {
	r, _ := newTestRegistry(t)
	p1 := connect(t, r, "a", nil)
	_ = connect(t, r, "b", nil)

	r.PeerClosed(p1, nil)
	mustState(t, r, "a", StateDisconnected)
	mustState(t, r, "b", StateConnected)
}

func TestOriginRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	errs := collect(r.Bus(), bus.TopicError)
	r.OriginRejected("https://evil.example", "https://app.example")

	evs := errs.all()
	if len(evs) != 1 {
		t.Fatalf("error events = %d", len(evs))
	}
	ev := evs[0].Payload.(ErrorEvent)
	if ev.Code != fderrors.CodeOriginMismatch || ev.SessionID != "" {
		t.Errorf("event = %+v", ev)
	}
	if len(r.Sessions()) != 0 {
		t.Error("origin rejection created a session")
	}
}

func TestHandlersMayCallBack(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	var seen int
	r.Bus().Subscribe(bus.TopicStateUpdated, func(ev bus.Event) error {
		snap, err := r.Snapshot(ev.SessionID)
		if err != nil {
			return err
		}
		seen = snap.Len()
		return nil
	})
	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(map[string]any{"a": 1, "b": 2})), peer); err != nil {
		t.Fatal(err)
	}
	if seen != 2 {
		t.Errorf("handler saw %d fields, want 2", seen)
	}
}

func TestShutdown(t *testing.T) {
	r, clk := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)
	if err := r.Connect("s2", "other", &recorder{}, nil); err != nil {
		t.Fatal(err)
	}

	r.Shutdown()
	if len(r.Sessions()) != 0 {
		t.Errorf("sessions left after shutdown")
	}
	if clk.Pending() != 0 {
		t.Errorf("timers left after shutdown")
	}
	if peer.last().Kind != protocol.KindDisconnect {
		t.Errorf("peer not told: %s", peer.last().Kind)
	}
	if err := r.Connect("s3", "x", &recorder{}, nil); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Connect after shutdown: %v", err)
	}
	if err := r.Handle(envelope(t, protocol.KindHandshake, "s4", 1, nil), peer); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Handle after shutdown: %v", err)
	}
}

func TestSessionsSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		connect(t, r, id, nil)
	}
	list := r.Sessions()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("sessions = %+v", list)
	}
	if list[0].State != StateConnected {
		t.Errorf("state = %s", list[0].State)
	}
}

func TestSlowSessionHandlerDoesNotHoldBackOthers(t *testing.T) {
	r, _ := newTestRegistry(t)
	connect(t, r, "a", nil)
	peerB := connect(t, r, "b", nil)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var enterOnce, unblockOnce sync.Once
	release := func() { unblockOnce.Do(func() { close(unblock) }) }
	t.Cleanup(release)

	r.Bus().Subscribe(bus.TopicStateUpdated, func(ev bus.Event) error {
		if ev.SessionID == "b" {
			enterOnce.Do(func() { close(entered) })
			<-unblock
		}
		return nil
	})

	var updated, sawDisconnect atomic.Bool
	if _, err := r.SubscribeSession(bus.TopicStateUpdated, "a", func(bus.Event) error {
		updated.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	connSub, err := r.SubscribeSession(bus.TopicConnection, "a", func(ev bus.Event) error {
		if ev.Payload.(ConnectionEvent).To == StateDisconnected {
			sawDisconnect.Store(true)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	slow := envelope(t, protocol.KindStateUpdate, "b", 10, full(nil))
	done := make(chan error, 1)
	go func() { done <- r.Handle(slow, peerB) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("session b handler never ran")
	}

	if _, err := r.SendUpdate("a", full(map[string]any{"x": 1})); err != nil {
		t.Fatal(err)
	}
	if !updated.Load() {
		t.Error("session a update waited on session b handler")
	}

	if err := r.Disconnect("a"); err != nil {
		t.Fatal(err)
	}
	if !sawDisconnect.Load() {
		t.Error("session subscriber missed its own disconnect")
	}
	if connSub.Active() {
		t.Error("session subscription active after disconnect")
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle(b): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session b step never finished")
	}
}

func TestDisconnectFromHandlerKeepsOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	peer := connect(t, r, "s1", nil)

	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	if _, err := r.SubscribeSession(bus.TopicStateUpdated, "s1", func(bus.Event) error {
		note("updated")
		return r.Disconnect("s1")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SubscribeSession(bus.TopicConnection, "s1", func(ev bus.Event) error {
		note("connection:" + ev.Payload.(ConnectionEvent).To.String())
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Handle(envelope(t, protocol.KindStateUpdate, "s1", 10, full(nil)), peer); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"updated", "connection:" + StateDisconnected.String()}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("order = %v, want %v", order, want)
	}
}
