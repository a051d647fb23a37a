package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetHeaders_BothFamilies(t *testing.T) {
	now := time.Unix(1700000000, 0)
	res := Result{
		Allowed:    false,
		Limit:      10,
		Remaining:  0,
		ResetTime:  now.Add(30 * time.Second),
		RetryAfter: 29500 * time.Millisecond,
	}

	h := http.Header{}
	SetHeaders(h, res, true, true, now)

	assert.Equal(t, "10", h.Get("RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("RateLimit-Remaining"))
	assert.Equal(t, "30", h.Get("RateLimit-Reset"))

	assert.Equal(t, "10", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000030", h.Get("X-RateLimit-Reset"))
	assert.Equal(t, "30", h.Get("Retry-After"), "retry-after rounds up")
}

func TestSetHeaders_Toggles(t *testing.T) {
	now := time.Unix(1700000000, 0)
	res := Result{Allowed: true, Limit: 5, Remaining: 4, ResetTime: now.Add(time.Minute)}

	h := http.Header{}
	SetHeaders(h, res, true, false, now)
	assert.NotEmpty(t, h.Get("RateLimit-Limit"))
	assert.Empty(t, h.Get("X-RateLimit-Limit"))

	h = http.Header{}
	SetHeaders(h, res, false, true, now)
	assert.Empty(t, h.Get("RateLimit-Limit"))
	assert.NotEmpty(t, h.Get("X-RateLimit-Limit"))
	assert.Empty(t, h.Get("Retry-After"), "no retry-after on allowed results")
}
