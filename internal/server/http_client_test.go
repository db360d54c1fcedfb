package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/streamproxy/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 0 {
		t.Fatalf("streaming client must not carry an overall timeout, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("expected header timeout 45s, got %s", transport.ResponseHeaderTimeout)
	}
	if !transport.DisableCompression {
		t.Fatalf("upstream bodies must be relayed without transparent decompression")
	}
}

func TestNewUpstreamClientDefaultsTimeout(t *testing.T) {
	client := NewUpstreamClient(nil)
	transport := client.Transport.(*http.Transport)
	if transport.ResponseHeaderTimeout != defaultUpstreamTimeout {
		t.Fatalf("expected default timeout, got %s", transport.ResponseHeaderTimeout)
	}
}

func TestNewUpstreamClientDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	resp, err := NewUpstreamClient(nil).Get(upstream.URL + "/old")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to be returned as-is, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/new" {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestCopyHeadersSkipsConnectionListedHeaders(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "close, X-Session-Hint")
	src.Add("X-Session-Hint", "abc")
	src.Add("Content-Type", "application/octet-stream")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("X-Session-Hint") != "" {
		t.Fatalf("headers named by Connection must be dropped")
	}
	if dst.Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("end-to-end headers must be kept")
	}
}

func TestIsHopByHopHeaderIsCaseInsensitive(t *testing.T) {
	for _, key := range []string{"transfer-encoding", "PROXY-CONNECTION", "Te"} {
		if !IsHopByHopHeader(key) {
			t.Fatalf("%s should be hop-by-hop", key)
		}
	}
	if IsHopByHopHeader("Content-Length") {
		t.Fatalf("content-length is end-to-end")
	}
}
