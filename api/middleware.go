package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/debt-engine/auth"
	"github.com/warp/debt-engine/ledger"
)

// HTTPObserver receives one call per finished request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

type loggedUserKey struct{}

// RequireAuth validates the bearer token and stores the user id on the
// request context.
func RequireAuth(jwt *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrMissingToken)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrInvalidToken)
				return
			}

			claims, err := jwt.Validate(strings.TrimSpace(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", auth.ErrInvalidToken)
				return
			}

			userID := ledger.UserID(claims.UserID)
			if slot, ok := r.Context().Value(loggedUserKey{}).(*ledger.UserID); ok {
				*slot = userID
			}
			ctx := auth.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger logs every request with slog and reports it to obs.
// obs may be nil.
func RequestLogger(logger *slog.Logger, obs HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// RequireAuth runs further down the chain and fills this in.
			var userID ledger.UserID
			r = r.WithContext(context.WithValue(r.Context(), loggedUserKey{}, &userID))

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("user_id", string(userID)),
			)

			if obs != nil {
				obs.ObserveHTTP(r.Method, route, status, elapsed)
			}
		})
	}
}
