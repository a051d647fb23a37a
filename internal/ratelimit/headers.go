package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// SetHeaders populates rate-limit response headers from a Result.
// Both header families are derived from the same decision: the standard
// draft headers (RateLimit-*) carry the reset as delta-seconds, the legacy
// X-RateLimit-* family carries it as a unix timestamp.
func SetHeaders(h http.Header, res Result, standard, legacy bool, now time.Time) {
	if standard {
		h.Set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		h.Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		h.Set("RateLimit-Reset", strconv.FormatInt(resetSeconds(res.ResetTime, now), 10))
	}
	if legacy {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
		if !res.Allowed {
			h.Set("Retry-After", strconv.FormatInt(retrySeconds(res.RetryAfter), 10))
		}
	}
}

func resetSeconds(reset, now time.Time) int64 {
	secs := int64(reset.Sub(now).Round(time.Second).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

func retrySeconds(d time.Duration) int64 {
	// Round up so clients never retry before the window rolls over.
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
