package server

import (
	"net/http/httptest"
	"testing"
)

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"reader@example.com", true},
		{"first.last+tag@sub.example.co.uk", true},
		{"", false},
		{"a@b", false},
		{"not-an-email", false},
		{"<script>@example.com", false},
		{"reader@example.com\r\nBcc: x@y.com", false},
		{"spaces in@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := isValidEmail(tt.email); got != tt.want {
				t.Errorf("isValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter()

	for i := range 10 {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d denied, want first 10 allowed", i+1)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("request 11 allowed, want rate limited")
	}

	// Other IPs are tracked independently.
	if !rl.allow("5.6.7.8") {
		t.Error("fresh IP denied")
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:39812"
	if got := getClientIP(r); got != "10.0.0.1" {
		t.Errorf("getClientIP() = %q, want RemoteAddr host", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := getClientIP(r); got != "203.0.113.9" {
		t.Errorf("getClientIP() = %q, want first forwarded address", got)
	}
}
