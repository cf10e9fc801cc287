package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// routePattern returns the matched chi pattern, or "unmatched" when the
// request did not hit a route. Only valid after the handler ran.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// status returns the written status code, treating an untouched writer as
// 200. Hijacked websocket upgrades report 101.
func status(ww chimw.WrapResponseWriter, r *http.Request) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	if r.Header.Get("Upgrade") != "" {
		return http.StatusSwitchingProtocols
	}
	return http.StatusOK
}
