package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/auth"
	"github.com/fjod/go_caja/pos-service/internal/caja"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SupervisorTokenHeader carries a second operator's token for approvals.
const SupervisorTokenHeader = "X-Supervisor-Token"

// RequestLogger puts a request scoped zap logger on the context and logs the outcome.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			l := logger.WithTrace(r.Context(), log).With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.Into(r.Context(), l)))

			l.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// AuthMiddleware resolves the bearer token into an operator identity.
// EventSource clients cannot set headers, so a token query parameter is accepted too.
func AuthMiddleware(a caja.Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing operator token")
				return
			}
			id, err := a.Authorize(r.Context(), token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid operator token")
				return
			}
			ctx := auth.WithIdentity(r.Context(), id)
			ctx = logger.Into(ctx, logger.From(ctx, zap.L()).With(zap.String("operator", id.ID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// supervisorToken is the approver's token, falling back to the caller's own.
func supervisorToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(SupervisorTokenHeader)); t != "" {
		return t
	}
	return bearerToken(r)
}
