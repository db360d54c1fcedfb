package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/logging"
	"github.com/any-hub/streamproxy/internal/metrics"
	"github.com/any-hub/streamproxy/internal/server"
	"github.com/any-hub/streamproxy/internal/version"
)

const (
	headerCache          = "X-Stream-Proxy-Cache"
	headerUpstreamStatus = "X-Stream-Proxy-Upstream-Status"

	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheBypass = "bypass"
)

// cacheFetchDroppedHeaders 在共享回源时移除，避免单个客户端的条件/分段请求污染所有读取方。
var cacheFetchDroppedHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// upstream 汇总回源需要的共享依赖，Handler 与 Passthrough 共用。
type upstream struct {
	client  *http.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// buildUpstreamRequest 将客户端请求转换为发往源站的 http.Request。
func (u *upstream) buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	target *server.Target,
	method string,
	body io.Reader,
) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.URL.Host
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 回写上游响应头。Content-Length 由 SetBodyStream 负责，不在此处复制。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	filtered := http.Header{}
	server.CopyHeaders(filtered, headers)
	filtered.Del("Content-Length")
	for key, values := range filtered {
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

// contentLength 返回上游声明的长度，缺失或非法时返回 -1（分块传输）。
func contentLength(header http.Header) int {
	raw := header.Get("Content-Length")
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// requestLog 描述一次代理请求，在响应体写完（或中断）时输出一条日志。
type requestLog struct {
	logger    *logrus.Logger
	key       string
	method    string
	target    string
	requestID string
	cache     string
	status    int
	started   time.Time
}

func (l requestLog) emit(bytes int64, err error) {
	fields := logging.RequestFields(l.key, l.method, l.target, l.cache == cacheHit)
	fields["action"] = "proxy"
	fields["cache"] = l.cache
	fields["upstream_status"] = l.status
	fields["bytes"] = bytes
	fields["elapsed_ms"] = time.Since(l.started).Milliseconds()
	if l.requestID != "" {
		fields["request_id"] = l.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	l.logger.WithFields(fields).Info("proxy_complete")
}

// trackedBody 包装响应体，统计实际写给客户端的字节数，并在关闭时输出请求日志。
// fasthttp 在响应写完或连接中断后都会关闭 body stream。
type trackedBody struct {
	src    io.Reader
	closer io.Closer
	log    requestLog

	n    int64
	err  error
	once sync.Once
}

func newTrackedBody(src io.Reader, closer io.Closer, log requestLog) *trackedBody {
	return &trackedBody{src: src, closer: closer, log: log}
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	b.n += int64(n)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

// WriteTo 保留底层 Reader 的零拷贝路径。fasthttp 写定长响应时走这里，
// 每段写完立即 flush，客户端才能边回源边收到数据。
func (b *trackedBody) WriteTo(w io.Writer) (int64, error) {
	if f, ok := w.(flusher); ok {
		w = flushWriter{w: w, f: f}
	}
	if wt, ok := b.src.(io.WriterTo); ok {
		n, err := wt.WriteTo(w)
		b.n += n
		if err != nil {
			b.err = err
		}
		return n, err
	}
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(w, struct{ io.Reader }{b.src}, buf)
	b.n += n
	if err != nil {
		b.err = err
	}
	return n, err
}

func (b *trackedBody) Close() error {
	var err error
	b.once.Do(func() {
		if b.closer != nil {
			err = b.closer.Close()
		}
		b.log.emit(b.n, b.err)
	})
	return err
}

type flusher interface {
	Flush() error
}

type flushWriter struct {
	w io.Writer
	f flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		err = fw.f.Flush()
	}
	return n, err
}

// bytesBody 为非缓存请求准备请求体，空 body 使用 http.NoBody。
func bytesBody(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}
