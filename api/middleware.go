package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/mfc-ledger/ledger"
)

type ctxKey int

const callerKey ctxKey = iota

// callerFrom returns the identity set by Authenticate, or the zero
// Identity on public routes.
func callerFrom(ctx context.Context) ledger.Identity {
	id, _ := ctx.Value(callerKey).(ledger.Identity)
	return id
}

// Authenticate verifies the bearer token and stores the caller identity
// in the request context. Requests without a valid token get 401.
func Authenticate(auth ledger.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not logged in", Code: "auth_error"})
				return
			}

			identity, err := auth.Authenticate(r.Context(), strings.TrimSpace(token))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not logged in", Code: "auth_error"})
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HTTPObserver receives one observation per served request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// AccessLog logs every request with zerolog and reports it to obs, which
// may be nil.
func AccessLog(log zerolog.Logger, obs HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			if obs != nil {
				obs.ObserveHTTP(r.Method, route, status, elapsed)
			}

			event := log.Info()
			if status >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request served")
		})
	}
}
