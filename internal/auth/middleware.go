package auth

import (
	"errors"
	"net/http"
	"time"

	loggerpkg "AgentPay-Chain/pkg/logger"
)

// Route 描述一个受保护的 API 入口。
type Route struct {
	// Name 为审计日志中的路由名，如 calls、receipts。
	Name string
	// Permission 为访问该入口所需的权限，为空时只要求认证。
	Permission string
}

// Guard 返回保护单个 API 入口的中间件：校验 API Key、检查权限，
// 并为每次付费调用或回执查询写一条审计日志。
func (s *Service) Guard(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil || s.mode == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := s.audit
			if audit == nil {
				audit = loggerpkg.Audit()
			}
			fields := []any{"route", route.Name, "permission", route.Permission, "method", r.Method, "path", r.URL.Path}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				audit.Warn("api_key_rejected", append(fields, "status", status, "error", err.Error())...)
				return
			}
			fields = append(fields, "key_id", subject.ID, "key_name", subject.Name)

			if route.Permission != "" {
				if err := subject.Authorize(route.Permission); err != nil {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					audit.Warn("api_key_forbidden", append(fields, "status", http.StatusForbidden)...)
					return
				}
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(WithSubject(r.Context(), subject)))
			audit.Info("api_"+route.Name, append(fields,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)...)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
