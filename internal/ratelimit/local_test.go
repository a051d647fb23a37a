package ratelimit

import (
	"testing"
	"time"
)

func TestLocalLimiter_Allow(t *testing.T) {
	l := NewLocalLimiter(LocalLimiterConfig{
		RPM:        60, // 1 per second
		Burst:      5,
		CleanupTTL: time.Minute,
	})
	defer l.Close()

	for i := 0; i < 5; i++ {
		if !l.Allow("client") {
			t.Errorf("request %d should be allowed (within burst)", i+1)
		}
	}

	if l.Allow("client") {
		t.Error("6th request should be denied")
	}
}

func TestLocalLimiter_IndependentKeys(t *testing.T) {
	l := NewLocalLimiter(LocalLimiterConfig{
		RPM:        60,
		Burst:      1,
		CleanupTTL: time.Minute,
	})
	defer l.Close()

	if !l.Allow("a") {
		t.Error("first request for a should be allowed")
	}
	if l.Allow("a") {
		t.Error("second request for a should be denied")
	}
	if !l.Allow("b") {
		t.Error("b has its own bucket")
	}
}

func TestLocalLimiter_Remove(t *testing.T) {
	l := NewLocalLimiter(LocalLimiterConfig{
		RPM:        60,
		Burst:      1,
		CleanupTTL: time.Minute,
	})
	defer l.Close()

	l.Allow("client")
	if l.Allow("client") {
		t.Error("burst exhausted")
	}

	l.Remove("client")
	if !l.Allow("client") {
		t.Error("removed key starts with a fresh bucket")
	}
}
