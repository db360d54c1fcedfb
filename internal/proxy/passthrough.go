package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/server"
)

// Passthrough 直接转发不可缓存的请求（HEAD、POST 等），响应体边读边写，不经过缓存。
type Passthrough struct {
	upstream
}

// NewPassthrough constructs the handler used for non-cacheable methods.
// Manager、ReadBufferSize 等缓存相关字段会被忽略。
func NewPassthrough(opts Options) *Passthrough {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	return &Passthrough{upstream: newUpstream(opts)}
}

// Handle 实现 server.ProxyHandler。
func (p *Passthrough) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	method := c.Method()
	log := requestLog{
		logger:    p.logger,
		method:    method,
		target:    target.String(),
		requestID: server.RequestID(c),
		cache:     cacheBypass,
		started:   started,
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := p.buildUpstreamRequest(ctx, c, target, method, bytesBody(c.Body()))
	if err != nil {
		log.emit(0, err)
		p.metrics.ObserveRequest(cacheBypass, "upstream_failed", time.Since(started))
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.emit(0, err)
		p.metrics.ObserveRequest(cacheBypass, "upstream_failed", time.Since(started))
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	log.status = resp.StatusCode

	copyResponseHeaders(c, resp.Header)
	c.Status(resp.StatusCode)
	p.metrics.ObserveRequest(cacheBypass, "streaming", time.Since(started))

	if method == http.MethodHead {
		// HEAD 没有响应体，但仍需保留上游声明的长度。
		if size := contentLength(resp.Header); size >= 0 {
			c.Response().Header.SetContentLength(size)
		}
		c.Response().SkipBody = true
		resp.Body.Close()
		log.emit(0, nil)
		return nil
	}

	c.Response().SetBodyStream(newTrackedBody(resp.Body, resp.Body, log), contentLength(resp.Header))
	return nil
}
