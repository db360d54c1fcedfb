package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/streamproxy/internal/cache"
	"github.com/any-hub/streamproxy/internal/metrics"
	"github.com/any-hub/streamproxy/internal/server"
)

// syncBuffer 允许在请求结束后的异步日志写入与断言读取之间安全共享。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type proxyFixture struct {
	app     *fiber.App
	manager *cache.Manager
	metrics *metrics.Metrics
	logs    *syncBuffer
}

func newProxyFixture(t *testing.T, mutate func(*Options)) *proxyFixture {
	t.Helper()

	logs := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	m := metrics.New()
	manager := cache.NewManager(cache.Options{
		ChunkSize:   8,
		IdleTimeout: time.Minute,
		Logger:      logger,
		Metrics:     m,
	})
	opts := Options{
		Client:              server.NewUpstreamClient(nil),
		Logger:              logger,
		Manager:             manager,
		Metrics:             m,
		ReadBufferSize:      4,
		UpstreamIdleTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	forwarder := NewForwarder(NewPassthrough(opts), logger)
	forwarder.MustRegister(http.MethodGet, NewHandler(opts))

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: 8080,
	})
	require.NoError(t, err)

	return &proxyFixture{app: app, manager: opts.Manager, metrics: m, logs: logs}
}

// listen 在回环地址上真实监听，返回把该代理当作 HTTP 代理使用的客户端。
func (f *proxyFixture) listen(t *testing.T) *http.Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = f.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = f.app.Shutdown() })

	proxyURL, err := url.Parse("http://" + ln.Addr().String())
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyURL(proxyURL),
			DisableCompression: true,
		},
	}
}

func (f *proxyFixture) do(t *testing.T, method, target string) (*http.Response, string) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHandlerMissThenHit(t *testing.T) {
	var hits atomic.Int32
	payload := strings.Repeat("streaming-cache-", 16)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)

	resp, body := fx.do(t, http.MethodGet, upstream.URL+"/blob")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
	assert.Equal(t, "MISS", resp.Header.Get("X-Stream-Proxy-Cache"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	key := "GET:" + upstream.URL + "/blob"
	require.Eventually(t, func() bool {
		entry, ok := fx.manager.Lookup(key)
		return ok && entry.Status() == cache.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = fx.do(t, http.MethodGet, upstream.URL+"/blob")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
	assert.Equal(t, "HIT", resp.Header.Get("X-Stream-Proxy-Cache"))
	assert.Equal(t, int32(1), hits.Load(), "second request must be served from cache")
}

func TestHandlerConcurrentClientsShareOneFetch(t *testing.T) {
	var hits atomic.Int32
	firstSent := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "first-part|")
		w.(http.Flusher).Flush()
		close(firstSent)
		<-release
		_, _ = io.WriteString(w, "second-part")
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)
	client := fx.listen(t)
	target := upstream.URL + "/iso"

	early, err := client.Get(target)
	require.NoError(t, err)
	defer early.Body.Close()
	assert.Equal(t, "MISS", early.Header.Get("X-Stream-Proxy-Cache"))

	<-firstSent
	prefix := make([]byte, len("first-part|"))
	_, err = io.ReadFull(early.Body, prefix)
	require.NoError(t, err)
	assert.Equal(t, "first-part|", string(prefix), "bytes must reach the client before the origin finishes")

	late, err := client.Get(target)
	require.NoError(t, err)
	defer late.Body.Close()
	assert.Equal(t, "HIT", late.Header.Get("X-Stream-Proxy-Cache"))

	close(release)

	rest, err := io.ReadAll(early.Body)
	require.NoError(t, err)
	assert.Equal(t, "first-part|second-part", string(prefix)+string(rest))

	all, err := io.ReadAll(late.Body)
	require.NoError(t, err)
	assert.Equal(t, "first-part|second-part", string(all), "late joiner replays from offset zero")

	assert.Equal(t, int32(1), hits.Load())
}

func TestHandlerClientDisconnectDoesNotAbortFetch(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "head")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "tail")
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)
	client := fx.listen(t)
	target := upstream.URL + "/big"

	resp, err := client.Get(target)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	resp.Body.Close()
	client.CloseIdleConnections()

	close(release)

	key := "GET:" + target
	require.Eventually(t, func() bool {
		entry, ok := fx.manager.Lookup(key)
		return ok && entry.Status() == cache.StatusSuccess && entry.Refs() == 0
	}, 3*time.Second, 10*time.Millisecond)

	entry, _ := fx.manager.Lookup(key)
	assert.Equal(t, int64(len("headtail")), entry.Size())
}

func TestHandlerMidStreamFailureTruncatesResponse(t *testing.T) {
	cases := []struct {
		name          string
		contentLength string
	}{
		{name: "content-length", contentLength: "100"},
		{name: "chunked"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drop := make(chan struct{})
			var dropOnce sync.Once
			closeDrop := func() { dropOnce.Do(func() { close(drop) }) }

			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.contentLength != "" {
					w.Header().Set("Content-Length", tc.contentLength)
				}
				_, _ = io.WriteString(w, "prefix")
				w.(http.Flusher).Flush()
				<-drop
				conn, _, err := w.(http.Hijacker).Hijack()
				if err == nil {
					conn.Close()
				}
			}))
			defer upstream.Close()
			defer closeDrop()

			fx := newProxyFixture(t, nil)
			client := fx.listen(t)
			target := upstream.URL + "/" + tc.name

			resp, err := client.Get(target)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			head := make([]byte, len("prefix"))
			_, err = io.ReadFull(resp.Body, head)
			require.NoError(t, err)
			assert.Equal(t, "prefix", string(head))

			closeDrop()
			rest, err := io.ReadAll(resp.Body)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "a failed fetch must not end the response cleanly")
			assert.Empty(t, rest)

			require.Eventually(t, func() bool {
				entry, ok := fx.manager.Lookup("GET:" + target)
				return ok && entry.Status() == cache.StatusFailed
			}, 3*time.Second, 10*time.Millisecond)
		})
	}
}

func TestHandlerNon200BecomesBadGateway(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)

	resp, body := fx.do(t, http.MethodGet, upstream.URL+"/missing")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, `"upstream_failed"`)
	assert.Equal(t, "404", resp.Header.Get("X-Stream-Proxy-Upstream-Status"))

	key := "GET:" + upstream.URL + "/missing"
	require.Eventually(t, func() bool {
		entry, ok := fx.manager.Lookup(key)
		return ok && entry.Status() == cache.StatusFailed && entry.Refs() == 0
	}, 2*time.Second, 5*time.Millisecond)

	resp, _ = fx.do(t, http.MethodGet, upstream.URL+"/missing")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load(), "failed entries are replaced on the next miss")
}

func TestHandlerUnreachableOrigin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	fx := newProxyFixture(t, nil)

	resp, body := fx.do(t, http.MethodGet, "http://"+addr+"/file")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, `"upstream_failed"`)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.logs.String(), "upstream_fetch_failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerDropsConditionalHeadersOnSharedFetch(t *testing.T) {
	seen := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		_, _ = io.WriteString(w, "full body")
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/range", nil)
	req.Header.Set("Range", "bytes=0-3")
	req.Header.Set("If-None-Match", `"abc"`)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Custom", "kept")
	resp, err := fx.app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "full body", string(body))

	header := <-seen
	assert.Empty(t, header.Get("Range"))
	assert.Empty(t, header.Get("If-None-Match"))
	assert.Empty(t, header.Get("Accept-Encoding"))
	assert.Equal(t, "kept", header.Get("X-Custom"))
}

func TestHandlerRecordsMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "metrics")
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)
	fx.do(t, http.MethodGet, upstream.URL+"/m")

	require.Eventually(t, func() bool {
		return strings.Contains(scrapeMetrics(t, fx.metrics), `streamproxy_upstream_fetches_total{status="success"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	out := scrapeMetrics(t, fx.metrics)
	assert.Contains(t, out, `streamproxy_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, out, `streamproxy_proxy_requests_total{cache="miss",outcome="streaming"} 1`)
	assert.Contains(t, out, "streamproxy_cache_appended_bytes_total 7")
}

func TestPassthroughForwardsPostBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(bytes.ToUpper(body))
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, upstream.URL+"/echo", strings.NewReader("payload"))
	resp, err := fx.app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PAYLOAD", string(body))
	assert.Equal(t, http.MethodPost, resp.Header.Get("X-Method"))
	assert.Empty(t, resp.Header.Get("X-Stream-Proxy-Cache"))
	assert.Equal(t, 0, fx.manager.Len(), "non-GET requests never touch the cache")
}

func TestPassthroughHeadKeepsLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fx := newProxyFixture(t, nil)

	resp, body := fx.do(t, http.MethodHead, upstream.URL+"/file")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "1234", resp.Header.Get("Content-Length"))
	assert.Equal(t, 0, fx.manager.Len())
}

func TestNewPassthroughDefaults(t *testing.T) {
	p := NewPassthrough(Options{})
	assert.Same(t, http.DefaultClient, p.client)
	require.NotNil(t, p.logger)

	client := server.NewUpstreamClient(nil)
	p = NewPassthrough(Options{Client: client})
	assert.Same(t, client, p.client)
}

func TestPassthroughUnreachableOrigin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	fx := newProxyFixture(t, nil)

	resp, body := fx.do(t, http.MethodPost, "http://"+addr+"/submit")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, `"upstream_failed"`)
}

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var out strings.Builder
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	return out.String()
}
