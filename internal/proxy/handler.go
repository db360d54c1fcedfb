package proxy

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/cache"
	"github.com/any-hub/streamproxy/internal/metrics"
	"github.com/any-hub/streamproxy/internal/server"
)

// Options 汇总 Handler 的依赖与回源参数。
type Options struct {
	Client  *http.Client
	Logger  *logrus.Logger
	Manager *cache.Manager
	Metrics *metrics.Metrics
	// ReadBufferSize 为单次读取上游响应体的缓冲大小。
	ReadBufferSize int
	// UpstreamIdleTimeout 为两次读取上游之间的最长间隔。
	UpstreamIdleTimeout time.Duration
	// BaseContext 是所有回源请求的父 context，取消后在途回源全部失败。
	// 客户端断开不会取消回源。
	BaseContext context.Context
}

// Handler 负责 GET 请求的 “查找条目 → 必要时回源 → 流式回放” 全流程。
// 同一 key 的并发请求共享一次回源，后来者从头读取已缓冲的数据并跟随写入方。
type Handler struct {
	fetcher
	manager *cache.Manager
	baseCtx context.Context
}

// NewHandler constructs the cache-backed GET handler.
func NewHandler(opts Options) *Handler {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Manager == nil {
		opts.Manager = cache.NewManager(cache.Options{Logger: opts.Logger})
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.UpstreamIdleTimeout <= 0 {
		opts.UpstreamIdleTimeout = DefaultUpstreamIdleTimeout
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Handler{
		fetcher: fetcher{
			upstream:    newUpstream(opts),
			bufferSize:  opts.ReadBufferSize,
			idleTimeout: opts.UpstreamIdleTimeout,
		},
		manager: opts.Manager,
		baseCtx: opts.BaseContext,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)
	key := NormalizeKey(c.Method(), target)
	log := requestLog{
		logger:    h.logger,
		key:       key,
		method:    c.Method(),
		target:    target.String(),
		requestID: requestID,
		started:   started,
	}

	entry, created, err := h.manager.Acquire(key, nil)
	if err != nil {
		log.cache = cacheMiss
		log.emit(0, err)
		h.metrics.ObserveRequest(cacheMiss, "cache_unavailable", time.Since(started))
		return writeError(c, fiber.StatusInternalServerError, "cache_unavailable")
	}

	log.cache = cacheHit
	if created {
		log.cache = cacheMiss
		if err := h.startFetch(c, entry, target, requestID); err != nil {
			entry.Release()
			log.emit(0, err)
			h.metrics.ObserveRequest(cacheMiss, "upstream_failed", time.Since(started))
			return writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}

	return h.serveEntry(c, entry, log)
}

// startFetch 构造回源请求并启动写入 goroutine。请求构造失败时条目直接置为 Failed。
func (h *Handler) startFetch(c fiber.Ctx, entry *cache.Entry, target *server.Target, requestID string) error {
	req, err := h.buildUpstreamRequest(h.baseCtx, c, target, http.MethodGet, nil)
	if err != nil {
		_ = entry.Fail(err)
		return err
	}
	for _, name := range cacheFetchDroppedHeaders {
		req.Header.Del(name)
	}

	entry.Acquire()
	go h.run(h.baseCtx, entry, req, requestID)
	return nil
}

// serveEntry 等待首个数据块后回放条目。调用方已持有 entry 的一个引用，
// 该引用在响应体关闭时或错误返回前归还。
func (h *Handler) serveEntry(c fiber.Ctx, entry *cache.Entry, log requestLog) error {
	status := entry.WaitForFirstChunk()
	resp, ok := entry.Response()
	if ok {
		log.status = resp.StatusCode
	}

	if status == cache.StatusFailed || !ok {
		cause := entry.Err()
		entry.Release()
		if cause == nil {
			cause = cache.ErrEntryFailed
		}
		log.emit(0, cause)
		h.metrics.ObserveRequest(log.cache, "upstream_failed", time.Since(log.started))
		if ok {
			c.Set(headerUpstreamStatus, strconv.Itoa(resp.StatusCode))
		}
		c.Set(headerCache, cacheLabel(log.cache))
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, cacheLabel(log.cache))
	c.Status(resp.StatusCode)

	size := contentLength(resp.Header)
	if status == cache.StatusSuccess {
		size = int(entry.Size())
	}

	reader := entry.NewReader()
	entry.Release()
	h.metrics.ObserveRequest(log.cache, "streaming", time.Since(log.started))
	c.Response().SetBodyStream(newTrackedBody(reader, reader, log), size)
	return nil
}

func cacheLabel(result string) string {
	if result == cacheHit {
		return "HIT"
	}
	return "MISS"
}

func newUpstream(opts Options) upstream {
	return upstream{
		client:  opts.Client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}
