package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Astralabs2050/render-backend-sub001/native/escrow"
	"github.com/Astralabs2050/render-backend-sub001/observability"
	"github.com/Astralabs2050/render-backend-sub001/services/escrowd/models"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// requestLogger records one structured line and the HTTP metrics per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	metrics := observability.HTTP()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(start)
			metrics.Observe(route, r.Method, status, elapsed)
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "http request",
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", elapsed))
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter applies a token bucket per client address.
type rateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	idleAfter time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		idleAfter: 5 * time.Minute,
		now:       time.Now,
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	metrics := observability.HTTP()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientID(r)) {
			metrics.RecordThrottle()
			writeError(w, http.StatusTooManyRequests, codeRateLimited, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(id string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) > rl.idleAfter {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idleAfter {
				delete(rl.visitors, key)
			}
		}
		rl.lastSweep = now
	}
	v, ok := rl.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// idempotency replays the stored response for a repeated Idempotency-Key.
// Reusing a key from another caller, or with a different method, path or body,
// is rejected.
func idempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				writeError(w, http.StatusBadRequest, escrow.CodeValidation, "idempotency key too long")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, escrow.CodeValidation, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])

			subject := ""
			if id, ok := identityFrom(r.Context()); ok {
				subject = id.Subject
			}

			var record models.IdempotencyKey
			err = db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case err == nil:
				if record.Subject != subject || record.RequestHash != hash || record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusUnprocessableEntity, codeIdempotencyMismatch, "idempotency key reused with a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				logger.Error("idempotency lookup failed", slog.String("error", err.Error()))
				writeError(w, http.StatusInternalServerError, escrow.CodeInternal, "idempotency store unavailable")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			// Server side failures and retryable conflicts stay retryable under
			// the same key.
			if recorder.status >= http.StatusInternalServerError || recorder.retryable {
				return
			}
			entry := models.IdempotencyKey{
				Key:         key,
				Subject:     subject,
				RequestHash: hash,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Create(&entry).Error; err != nil {
				logger.Warn("store idempotency key", slog.String("error", err.Error()))
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	buf       bytes.Buffer
	status    int
	retryable bool
}

// retryMarker is implemented by writers that must not persist a response the
// caller is expected to retry.
type retryMarker interface {
	markRetryable()
}

func (rr *responseRecorder) markRetryable() { rr.retryable = true }

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
