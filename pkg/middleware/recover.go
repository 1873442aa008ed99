// pkg/middleware/recover.go
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"graphgate/pkg/faults"
)

// Recover turns a handler panic into the standard error envelope so even
// crashed requests carry a correlation id for the logs.
func Recover(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					corr := RequestIDFrom(r.Context())
					log.Errorw("panic", "err", rec, "corr", corr, "stack", string(debug.Stack()))
					faults.WriteJSON(w, faults.New(faults.UpstreamError, "internal error").
						WithCause(fmt.Errorf("panic: %v", rec)), corr)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
