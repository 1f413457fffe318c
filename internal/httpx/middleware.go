package httpx

import (
	"net"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"

	"github.com/pagebridge/bridge/internal/obs"
)

func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "server auth not configured", http.StatusUnauthorized)
				return
			}
			reqToken := tokenFromRequest(r)
			if reqToken != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}
	return ""
}

func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// LogRequests wraps every handler with request/latency logging via
// httpsnoop, which captures the real status code and byte count while
// keeping the writer's Flusher, so long-lived streams such as the SSE
// endpoint still work.
func LogRequests(next http.Handler) http.Handler {
	log := obs.For("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", m.Code).
			WithField("bytes", m.Written).
			WithField("duration", m.Duration).
			WithField("remote", ClientIP(r)).
			Info("http request")
	})
}
