package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/cache"
	"github.com/any-hub/streamproxy/internal/logging"
)

const (
	// DefaultReadBufferSize 与请求头缓冲一致，单次读取即可容纳常见的响应头。
	DefaultReadBufferSize = 16 * 1024
	// DefaultUpstreamIdleTimeout 为两次读取之间允许的最长间隔。
	DefaultUpstreamIdleTimeout = 60 * time.Second
)

var (
	// ErrUpstreamStatus 表示源站返回了非 200 状态码，响应不会进入缓存。
	ErrUpstreamStatus = errors.New("upstream returned non-cacheable status")
	// ErrUpstreamIdle 表示源站在空闲超时内没有发送任何数据。
	ErrUpstreamIdle = errors.New("upstream read idle timeout")
)

// fetcher 负责把一次上游响应写入缓存条目，是条目唯一的写入方。
type fetcher struct {
	upstream
	bufferSize  int
	idleTimeout time.Duration
}

// run 在独立 goroutine 中执行，调用方需事先为 fetch 持有一个引用；
// 结束时归还，使客户端断开后回源仍能完成并留在缓存中。
func (f *fetcher) run(ctx context.Context, entry *cache.Entry, req *http.Request, requestID string) {
	defer entry.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idled atomic.Bool
	watchdog := time.AfterFunc(f.idleTimeout, func() {
		idled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	err := f.fill(ctx, entry, req.WithContext(ctx), watchdog)
	if err != nil && idled.Load() {
		err = fmt.Errorf("%w after %s: %v", ErrUpstreamIdle, f.idleTimeout, err)
	}

	status := cache.StatusSuccess
	if err != nil {
		status = cache.StatusFailed
		if failErr := entry.Fail(err); failErr != nil && !errors.Is(failErr, cache.ErrStatusFinal) {
			err = errors.Join(err, failErr)
		}
	} else if setErr := entry.SetStatus(cache.StatusSuccess); setErr != nil {
		err = setErr
		status = cache.StatusFailed
	}
	f.metrics.ObserveFetch(status.String())
	f.logFetch(entry, requestID, err)
}

// fill 执行请求并按 bufferSize 读取响应体，每读到一段立即追加到条目。
func (f *fetcher) fill(ctx context.Context, entry *cache.Entry, req *http.Request, watchdog *time.Timer) error {
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if err := entry.SetResponse(resp.StatusCode, resp.Header); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		// 读掉少量剩余响应体，便于复用连接。
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(f.bufferSize)))
		return fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	buf := make([]byte, f.bufferSize)
	for {
		watchdog.Reset(f.idleTimeout)
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := entry.Append(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("upstream read: %w", readErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if resp.ContentLength >= 0 && entry.Size() != resp.ContentLength {
		return fmt.Errorf("upstream body: %w (%d of %d bytes)", io.ErrUnexpectedEOF, entry.Size(), resp.ContentLength)
	}
	return nil
}

func (f *fetcher) logFetch(entry *cache.Entry, requestID string, err error) {
	fields := logging.EntryFields(entry.Info())
	fields["action"] = "upstream_fetch"
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		level := logrus.WarnLevel
		if errors.Is(err, cache.ErrEntryDiscarded) {
			level = logrus.DebugLevel
		}
		f.logger.WithFields(fields).Log(level, "upstream_fetch_failed")
		return
	}
	f.logger.WithFields(fields).Info("upstream_fetch_complete")
}
