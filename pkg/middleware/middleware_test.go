package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// recSpan records what the middleware sets on a span.
type recSpan struct {
	noop.Span
	mu    sync.Mutex
	name  string
	attrs map[attribute.Key]attribute.Value
	code  codes.Code
}

func (s *recSpan) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *recSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

type recTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []*recSpan
}

func (t *recTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	s := &recSpan{name: name, attrs: map[attribute.Key]attribute.Value{}}
	cfg := trace.NewSpanStartConfig(opts...)
	s.SetAttributes(cfg.Attributes()...)
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

func (t *recTracer) last() *recSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) == 0 {
		return nil
	}
	return t.spans[len(t.spans)-1]
}

func testRouter(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "broken" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTracingNamesSpanByRoute(t *testing.T) {
	tracer := &recTracer{}
	r := testRouter(Tracing(WithTracer(tracer), WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
		return []attribute.KeyValue{attribute.String("test.attr", "ok")}
	})))

	if rec := serve(r, http.MethodGet, "/items/42"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	span := tracer.last()
	if span == nil {
		t.Fatal("no span started")
	}
	if span.name != "GET /items/{id}" {
		t.Errorf("span name = %q", span.name)
	}
	if got := span.attrs["http.status_code"].AsInt64(); got != 200 {
		t.Errorf("status attr = %d", got)
	}
	if got := span.attrs["test.attr"].AsString(); got != "ok" {
		t.Errorf("custom attr = %q", got)
	}
	if span.code != codes.Ok {
		t.Errorf("span status = %v", span.code)
	}

	serve(r, http.MethodGet, "/items/broken")
	if span := tracer.last(); span.code != codes.Error {
		t.Errorf("5xx span status = %v, want Error", span.code)
	}
}

func TestTracingFilterSkips(t *testing.T) {
	tracer := &recTracer{}
	r := testRouter(Tracing(WithTracer(tracer), WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/healthz"
	})))

	serve(r, http.MethodGet, "/healthz")
	if tracer.last() != nil {
		t.Fatal("filtered request was traced")
	}
	serve(r, http.MethodGet, "/items/1")
	if tracer.last() == nil {
		t.Fatal("request was not traced")
	}
}

func TestMetricsLabelsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := testRouter(Metrics(WithRegistry(reg), WithNamespace("test")))

	serve(r, http.MethodGet, "/items/1")
	serve(r, http.MethodGet, "/items/2")
	serve(r, http.MethodGet, "/items/broken")
	serve(r, http.MethodGet, "/nowhere")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "test_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			counts[labels["route"]+" "+labels["status"]] = m.GetCounter().GetValue()
		}
	}
	want := map[string]float64{
		"/items/{id} 200": 2,
		"/items/{id} 500": 1,
		"unmatched 404":   1,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("requests_total{%s} = %v, want %v (all: %v)", k, counts[k], v, counts)
		}
	}
}

func TestLoggerWritesRequestLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := testRouter(Logger(logger))

	serve(r, http.MethodGet, "/items/7")
	out := buf.String()
	for _, want := range []string{`"route":"/items/{id}"`, `"status":200`, `"component":"http"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}
