package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/monitor"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAPIKey    contextKey = "api_key"

	contextKeyEvaluation contextKey = "evaluation"
)

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// APIKeyHashFromContext returns a short hash of the authenticated API key,
// suitable for audit records.
func APIKeyHashFromContext(ctx context.Context) string {
	key, ok := ctx.Value(contextKeyAPIKey).(string)
	if !ok || key == "" {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(key)))[:16]
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// evaluationLog is filled in by the evaluation handlers so the request log
// line can carry the exec id and outcome.
type evaluationLog struct {
	execID  string
	mode    string
	runtime string
	status  string
}

func annotateEvaluation(ctx context.Context, execID string, mode bridge.Mode, runtime, status string) {
	if ev, ok := ctx.Value(contextKeyEvaluation).(*evaluationLog); ok {
		ev.execID, ev.mode, ev.runtime, ev.status = execID, string(mode), runtime, status
	}
}

// LoggingMiddleware writes one line per request. Evaluation requests add
// exec_id, mode, runtime and evaluation status.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ev := &evaluationLog{}

		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), contextKeyEvaluation, ev)))

		event := log.Info()
		if wrapped.status >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event = event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestIDFromContext(r.Context()))
		if ev.mode != "" {
			event = event.
				Str("exec_id", ev.execID).
				Str("mode", ev.mode).
				Str("runtime", ev.runtime).
				Str("eval_status", ev.status)
		}
		event.Str("remote_addr", r.RemoteAddr).Msg("request completed")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// DefaultAPIKeyHeader carries the API key when no header is configured. A
// bearer token in Authorization is always accepted as well.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthMiddleware requires one of allowedKeys in header or as a bearer
// token. With no keys configured every request is rejected unless
// allowUnauthenticated is set.
func AuthMiddleware(header string, allowedKeys []string, allowUnauthenticated bool) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	keys := make([][]byte, 0, len(allowedKeys))
	for _, k := range allowedKeys {
		if k == "" {
			continue
		}
		keys = append(keys, []byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				if allowUnauthenticated {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, `{"error":"unauthorized","code":"AUTH_REQUIRED"}`, http.StatusUnauthorized)
				return
			}

			key := r.Header.Get(header)
			if key == "" {
				key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}

			if key == "" || !keyAllowed(keys, key) {
				http.Error(w, `{"error":"unauthorized","code":"AUTH_REQUIRED"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func keyAllowed(keys [][]byte, key string) bool {
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return found == 1
}

func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		tokens    float64
		lastCheck time.Time
	}

	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	go func() {
		for {
			time.Sleep(time.Minute)
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastCheck) > 5*time.Minute {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// X-Forwarded-For is client-controlled, so key on RemoteAddr.
			ip := r.RemoteAddr

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{tokens: float64(burst), lastCheck: time.Now()}
				visitors[ip] = v
			}

			now := time.Now()
			elapsed := now.Sub(v.lastCheck).Seconds()
			v.lastCheck = now
			v.tokens += elapsed * rps
			if v.tokens > float64(burst) {
				v.tokens = float64(burst)
			}

			if v.tokens < 1 {
				mu.Unlock()
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limit exceeded","code":"RATE_LIMITED"}`, http.StatusTooManyRequests)
				return
			}

			v.tokens--
			mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", RequestIDFromContext(r.Context())).
					Msg("panic recovered")
				http.Error(w, `{"error":"internal server error","code":"INTERNAL"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}
