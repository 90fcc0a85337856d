// pkg/middleware/recover.go
package middleware

import (
	"net/http"
	"runtime/debug"

	"nexus/pkg/problems"

	"go.uber.org/zap"
)

func Recover(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("panic", "err", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
					problems.WriteGemini(w, problems.New(problems.KindInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
