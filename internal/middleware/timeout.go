package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sprintboard-backend/pkg/api"
)

// Timeout middleware wraps requests with a timeout context
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			done := make(chan struct{})

			go func() {
				defer func() {
					if err := recover(); err != nil {
						logger.Error("panic in timed handler",
							zap.String("request_id", GetRequestIDFromRequest(r)),
							zap.Any("panic", err),
						)
					}
				}()

				next.ServeHTTP(w, r)
				close(done)
			}()

			select {
			case <-done:
				return
			case <-ctx.Done():
				logger.Warn("request timed out",
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", timeout),
				)

				if w.Header().Get("Content-Type") == "" {
					api.Error(w, http.StatusRequestTimeout, "Request timeout")
				}
				return
			}
		})
	}
}
