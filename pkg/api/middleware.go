package api

import (
	"context"
	"net/http"
	"time"

	"github.com/node3/marketplace/pkg/auth"
	"github.com/node3/marketplace/pkg/logging"
)

type contextKey string

const agentIDKey contextKey = "agent_id"

// agentAuth authenticates the X-Agent-Key header and stores the resolved
// agent id in the request context
func (h *Handler) agentAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get("X-Agent-Key")
		if credential == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "X-Agent-Key header required")
			return
		}
		agentID, err := h.registry.Authenticate(credential)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), agentIDKey, agentID)
		next(w, r.WithContext(ctx))
	}
}

// adminAuth requires the admin key in the X-Admin-Key header
func (h *Handler) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKeyHash == "" && h.adminKey == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "admin access not configured")
			return
		}
		if !h.checkAdminKey(r.Header.Get("X-Admin-Key")) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "admin access required")
			return
		}
		next(w, r)
	}
}

// checkAdminKey verifies a presented admin key. The bcrypt hash takes
// precedence; the plaintext fallback compares in constant time.
func (h *Handler) checkAdminKey(presented string) bool {
	if presented == "" {
		return false
	}
	if h.adminKeyHash != "" {
		return auth.VerifyAdminKey(h.adminKeyHash, presented)
	}
	return auth.SecureCompare(presented, h.adminKey)
}

func agentID(r *http.Request) string {
	id, _ := r.Context().Value(agentIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware emits one structured access-log line per request
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.WithFields(logging.INFO, "request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
