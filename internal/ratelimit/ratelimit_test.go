package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if !l.Allow(BucketAdmin, "1.1.1.1", "/admin/x", now) {
			t.Fatalf("request %d should be allowed (limit is 5)", i+1)
		}
	}
	if l.Allow(BucketAdmin, "1.1.1.1", "/admin/x", now) {
		t.Errorf("6th request should be rejected once the admin bucket limit is exhausted")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if !l.Allow(BucketAdmin, "2.2.2.2", "/admin/x", base) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(BucketAdmin, "2.2.2.2", "/admin/x", base) {
		t.Fatalf("6th request should be rejected inside the window")
	}

	later := base.Add(61 * time.Second)
	if !l.Allow(BucketAdmin, "2.2.2.2", "/admin/x", later) {
		t.Errorf("request after the window elapses should be allowed again")
	}
}

func TestAllowIsScopedPerKey(t *testing.T) {
	l := New()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		l.Allow(BucketAdmin, "3.3.3.3", "/admin/x", now)
	}
	if !l.Allow(BucketAdmin, "4.4.4.4", "/admin/x", now) {
		t.Errorf("a different IP should have its own independent counter")
	}
	if !l.Allow(BucketChat, "3.3.3.3", "/admin/x", now) {
		t.Errorf("a different bucket should have its own independent counter")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := ClientIP(r); got != "203.0.113.7" {
		t.Errorf("ClientIP() = %q, want 203.0.113.7", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = "198.51.100.9:443"

	if got := ClientIP(r); got != "198.51.100.9" {
		t.Errorf("ClientIP() = %q, want 198.51.100.9", got)
	}
}

func TestBucketForRoute(t *testing.T) {
	tests := []struct {
		method, pattern string
		want            Bucket
	}{
		{http.MethodPost, "/v1/auth/register", BucketAuth},
		{http.MethodPost, "/v1/auth/refresh", BucketAuth},
		{http.MethodPost, "/v1/chat/completions", BucketChat},
		{http.MethodPost, "/v1/conversations/{id}/chat/stream", BucketChat},
		{http.MethodPost, "/v1/conversations/{id}/upload", BucketUpload},
		{http.MethodPost, "/admin/users", BucketAdmin},
		{http.MethodPost, "/v1/account/export", BucketExport},
		{http.MethodPost, "/v1/crash-reports", BucketCrash},
		{http.MethodPost, "/v1/community/posts", BucketCommunity},
		{http.MethodPost, "/v1/whatever", BucketDefault},
	}

	for _, tt := range tests {
		if got := BucketForRoute(tt.method, tt.pattern); got != tt.want {
			t.Errorf("BucketForRoute(%s, %s) = %s, want %s", tt.method, tt.pattern, got, tt.want)
		}
	}
}
