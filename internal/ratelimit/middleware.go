package ratelimit

import (
	"net/http"
)

// Middleware wraps next with rate limiting. The check happens before the
// handler runs; the counter mutation happens after the response status is
// known so SkipSuccessfulRequests / SkipFailedRequests can be honored.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.keyGen(r)
		res := l.Check(r.Context(), key)

		SetHeaders(w.Header(), res, l.opts.StandardHeaders, l.opts.LegacyHeaders, l.now())

		if !res.Allowed {
			// The rejection itself counts toward the window unless failed
			// requests are skipped.
			if !l.opts.SkipFailedRequests {
				if _, err := l.Increment(r.Context(), key); err != nil {
					l.logger.Warn("rate limit increment failed", "key", key, "error", err)
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if l.shouldCount(rec.status) {
			if _, err := l.Increment(r.Context(), key); err != nil {
				l.logger.Warn("rate limit increment failed", "key", key, "error", err)
			}
		}
	})
}

func (l *Limiter) shouldCount(status int) bool {
	failed := status >= http.StatusBadRequest
	if failed && l.opts.SkipFailedRequests {
		return false
	}
	if !failed && l.opts.SkipSuccessfulRequests {
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
