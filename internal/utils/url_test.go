package utils

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	normalized, host, err := NormalizeURL("https://Example.COM/path?utm_source=x&b=2&a=1#frag")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if host != "example.com" {
		t.Fatalf("expected example.com, got %s", host)
	}
	if normalized != "https://example.com/path?a=1&b=2" {
		t.Fatalf("unexpected normalized url: %s", normalized)
	}
}

func TestExtractInviteCodes(t *testing.T) {
	codes := ExtractInviteCodes("join us discord.gg/abc123 or https://discord.com/invite/xyz-9")
	if len(codes) != 2 || codes[0] != "abc123" || codes[1] != "xyz-9" {
		t.Fatalf("unexpected codes: %v", codes)
	}
	if codes := ExtractInviteCodes("no invites here"); len(codes) != 0 {
		t.Fatalf("expected none, got %v", codes)
	}
}

func TestDomainMatch(t *testing.T) {
	allow := map[string]struct{}{"good.com": {}}
	block := map[string]struct{}{"bad.com": {}}
	if allowed, _ := DomainMatch("GOOD.com", allow, block); !allowed {
		t.Fatalf("expected allowed")
	}
	if _, blocked := DomainMatch("bad.com", allow, block); !blocked {
		t.Fatalf("expected blocked")
	}
}

func TestIsShortener(t *testing.T) {
	if !IsShortener("bit.ly") {
		t.Fatalf("expected shortener")
	}
	if IsShortener("example.com") {
		t.Fatalf("unexpected shortener")
	}
}

func TestExpandURLReachesRedirectTarget(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()
	parsed, err := url.Parse(final.URL)
	if err != nil {
		t.Fatalf("parse final url: %v", err)
	}
	target := "http://localhost:" + parsed.Port() + "/landing"

	short := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer short.Close()

	resolver := NewResolver(4)
	if got := resolver.ExpandURL(context.Background(), short.URL, "bit.ly"); got != "localhost" {
		t.Fatalf("expected redirect target host localhost, got %q", got)
	}
}

func TestExpandURLStopsAtHopLimit(t *testing.T) {
	var mu sync.Mutex
	hops := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hops++
		next := hops
		mu.Unlock()
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", server.URL, next), http.StatusFound)
	}))
	defer server.Close()

	resolver := NewResolver(2)
	resolver.ExpandURL(context.Background(), server.URL, "bit.ly")

	mu.Lock()
	defer mu.Unlock()
	if hops != 2 {
		t.Fatalf("expected 2 hops, got %d", hops)
	}
}

func TestExpandURLSkipsNonShorteners(t *testing.T) {
	resolver := NewResolver(4)
	if got := resolver.ExpandURL(context.Background(), "https://example.com/x", "example.com"); got != "example.com" {
		t.Fatalf("non-shortener host rewritten to %q", got)
	}
}
