package ratelimit

import (
	"testing"
)

func TestLimiter_Burst(t *testing.T) {
	l := NewLimiter()
	cfg := Config{RequestsPerSecond: 1, Burst: 2}

	if !l.Allow("api", cfg) || !l.Allow("api", cfg) {
		t.Fatal("first two requests should fit the burst")
	}
	if l.Allow("api", cfg) {
		t.Fatal("third request should be limited")
	}
	// other keys have their own bucket
	if !l.Allow("web", cfg) {
		t.Fatal("separate key should not be limited")
	}
}

func TestLimiter_Retune(t *testing.T) {
	l := NewLimiter()
	if !l.Allow("api", Config{RequestsPerSecond: 1, Burst: 1}) {
		t.Fatal("first request should pass")
	}
	if l.Allow("api", Config{RequestsPerSecond: 1, Burst: 1}) {
		t.Fatal("bucket should be empty")
	}
	// a much faster refill after reload lets requests through again
	for i := 0; i < 100; i++ {
		if l.Allow("api", Config{RequestsPerSecond: 1e9, Burst: 10}) {
			return
		}
	}
	t.Fatal("retuned bucket never allowed a request")
}

func TestLimiter_Retain(t *testing.T) {
	l := NewLimiter()
	cfg := Config{RequestsPerSecond: 10, Burst: 10}
	l.Allow("a", cfg)
	l.Allow("b", cfg)
	l.Retain(map[string]struct{}{"b": {}})
	if l.Len() != 1 {
		t.Fatalf("buckets: got %d, want 1", l.Len())
	}
}
