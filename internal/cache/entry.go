package cache

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// EntryOptions 控制单个条目的分块与容量限制。
type EntryOptions struct {
	// ChunkSize 为每个 chunk 的容量，<=0 时使用 DefaultChunkSize。
	ChunkSize int
	// MaxSize 为条目允许缓冲的最大字节数，0 表示不限制。
	MaxSize int64
	// Now 允许测试注入时钟。
	Now func() time.Time
}

// Response 记录上游响应头部，使所有读取方回放一致的状态码与 Header。
type Response struct {
	StatusCode int
	Header     http.Header
}

// Entry 是一次上游响应的流式缓冲：单写入方追加，多读取方从头回放。
type Entry struct {
	key       string
	chunkSize int
	maxSize   int64
	now       func() time.Time

	mu           sync.Mutex
	cond         *sync.Cond
	status       Status
	chunks       []*chunk
	size         int64
	refs         int
	created      time.Time
	lastActivity time.Time
	response     *Response
	err          error
	discarded    bool
	onGrow       func(n int64)
}

// EntryInfo 是条目状态的快照，供诊断接口与日志使用。
type EntryInfo struct {
	Key          string    `json:"key"`
	Status       Status    `json:"status"`
	Size         int64     `json:"size"`
	Chunks       int       `json:"chunks"`
	Refs         int       `json:"refs"`
	StatusCode   int       `json:"status_code,omitempty"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	Error        string    `json:"error,omitempty"`
}

// cursor 标记读取方在 chunk 序列中的位置。
type cursor struct {
	idx int
	off int
}

// NewEntry 创建处于 InProgress 的空条目，引用计数为 0。
func NewEntry(key string, opts EntryOptions) *Entry {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ts := now()
	e := &Entry{
		key:          key,
		chunkSize:    chunkSize,
		maxSize:      opts.MaxSize,
		now:          now,
		status:       StatusInProgress,
		created:      ts,
		lastActivity: ts,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Key 返回条目的缓存键。
func (e *Entry) Key() string {
	return e.key
}

// Append 将 p 追加到条目末尾。尾部 chunk 写满后分配新 chunk，旧尾部随之封存。
// 超出 MaxSize 时整段拒绝并返回 ErrEntryTooLarge，调用方应随后 Fail 条目。
func (e *Entry) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.discarded {
		e.mu.Unlock()
		return ErrEntryDiscarded
	}
	if e.status.Terminal() {
		e.mu.Unlock()
		return ErrEntryClosed
	}
	if e.maxSize > 0 && e.size+int64(len(p)) > e.maxSize {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrEntryTooLarge, e.size+int64(len(p)), e.maxSize)
	}

	added := int64(len(p))
	for len(p) > 0 {
		tail := e.tailLocked()
		if tail == nil || tail.free() == 0 {
			tail = newChunk(e.chunkSize)
			e.chunks = append(e.chunks, tail)
		}
		n := tail.fill(p)
		p = p[n:]
		e.size += int64(n)
	}
	e.lastActivity = e.now()
	if e.onGrow != nil {
		e.onGrow(added)
	}
	e.mu.Unlock()

	e.cond.Broadcast()
	return nil
}

func (e *Entry) tailLocked() *chunk {
	if len(e.chunks) == 0 {
		return nil
	}
	return e.chunks[len(e.chunks)-1]
}

// SetStatus 由写入方调用。InProgress 仅用于唤醒等待者；终态一经设置不可更改，
// 重复设置返回 ErrStatusFinal 且不产生任何副作用。
func (e *Entry) SetStatus(s Status) error {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailed:
		return e.finish(s, nil)
	}
	return fmt.Errorf("cache: invalid status %v", s)
}

// Fail 将条目置为 Failed 并记录原因。
func (e *Entry) Fail(cause error) error {
	return e.finish(StatusFailed, cause)
}

func (e *Entry) finish(s Status, cause error) error {
	e.mu.Lock()
	if e.status.Terminal() {
		current := e.status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrStatusFinal, current, s)
	}
	if s.Terminal() {
		e.status = s
		e.err = cause
	}
	e.lastActivity = e.now()
	e.mu.Unlock()

	e.cond.Broadcast()
	return nil
}

// SetResponse 记录上游响应头，必须在终态之前调用。
func (e *Entry) SetResponse(statusCode int, header http.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return ErrEntryClosed
	}
	e.response = &Response{StatusCode: statusCode, Header: header.Clone()}
	return nil
}

// Response 返回写入方记录的响应头；尚未记录时第二个返回值为 false。
func (e *Entry) Response() (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		return Response{}, false
	}
	return Response{StatusCode: e.response.StatusCode, Header: e.response.Header.Clone()}, true
}

// Acquire 增加引用计数，被引用的条目不会被 Manager 回收。
func (e *Entry) Acquire() {
	e.mu.Lock()
	e.refs++
	e.lastActivity = e.now()
	e.mu.Unlock()
}

// Release 归还一次引用。未 Acquire 就 Release 属于调用方编程错误。
func (e *Entry) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		panic(fmt.Sprintf("cache: release of unreferenced entry %q", e.key))
	}
	e.refs--
	e.lastActivity = e.now()
}

// waitUntil 在持有 e.mu 的前提下阻塞，直到 pred 成立。
func (e *Entry) waitUntil(pred func() bool) {
	for !pred() {
		e.cond.Wait()
	}
}

// WaitForFirstChunk 阻塞到条目出现数据或进入终态，返回此刻的状态。
func (e *Entry) WaitForFirstChunk() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waitUntil(func() bool {
		return len(e.chunks) > 0 || e.status.Terminal() || e.discarded
	})
	return e.status
}

// Stream 从头开始把条目内容依次交给 consume，必要时等待写入方。
// 条目成功结束时返回 nil；条目失败时先交付全部可见字节再返回 ErrEntryFailed。
// consume 返回错误只会中止本次读取，不影响条目状态。
func (e *Entry) Stream(consume func([]byte) error) error {
	var cur cursor
	for {
		view, err := e.next(&cur)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := consume(view); err != nil {
			return fmt.Errorf("cache: consumer: %w", err)
		}
	}
}

// next 返回 cur 之后新可见的字节并推进游标。条目成功读尽时返回 io.EOF。
func (e *Entry) next(cur *cursor) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.waitUntil(func() bool {
		return e.discarded || e.pendingLocked(cur) || e.status.Terminal()
	})
	if e.discarded {
		return nil, ErrEntryDiscarded
	}

	for cur.idx < len(e.chunks) {
		c := e.chunks[cur.idx]
		if cur.off < len(c.buf) {
			view := c.view(cur.off)
			cur.off = len(c.buf)
			return view, nil
		}
		if cur.idx+1 == len(e.chunks) {
			break
		}
		cur.idx++
		cur.off = 0
	}

	if e.status == StatusFailed {
		return nil, e.failureLocked()
	}
	return nil, io.EOF
}

// pendingLocked 判断游标之后是否还有可读字节（当前 chunk 有新数据或已有后继 chunk）。
func (e *Entry) pendingLocked(cur *cursor) bool {
	if cur.idx >= len(e.chunks) {
		return false
	}
	if cur.off < len(e.chunks[cur.idx].buf) {
		return true
	}
	return cur.idx+1 < len(e.chunks)
}

func (e *Entry) failureLocked() error {
	if e.err != nil {
		return fmt.Errorf("%w: %w", ErrEntryFailed, e.err)
	}
	return ErrEntryFailed
}

// Status 返回当前状态。
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err 返回 Failed 状态下记录的原因；其他状态返回 nil。
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusFailed {
		return nil
	}
	return e.failureLocked()
}

// Size 返回已追加的总字节数。
func (e *Entry) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// Chunks 返回当前 chunk 数量。
func (e *Entry) Chunks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chunks)
}

// Refs 返回当前引用计数。
func (e *Entry) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// LastActivity 返回最近一次追加、状态变更或引用变化的时间。
func (e *Entry) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// Info 返回条目的一致性快照。
func (e *Entry) Info() EntryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := EntryInfo{
		Key:          e.key,
		Status:       e.status,
		Size:         e.size,
		Chunks:       len(e.chunks),
		Refs:         e.refs,
		Created:      e.created,
		LastActivity: e.lastActivity,
	}
	if e.response != nil {
		info.StatusCode = e.response.StatusCode
	}
	if e.status == StatusFailed {
		info.Error = e.failureLocked().Error()
	}
	return info
}

// bind 挂接 Manager 的容量统计回调；回调在持有 e.mu 时调用，不得再获取任何锁。
func (e *Entry) bind(onGrow func(n int64)) {
	e.mu.Lock()
	e.onGrow = onGrow
	e.mu.Unlock()
}

// idleAndUnused 只读取引用计数与最近活动时间，供清理扫描使用。
// threshold 为 0 时，任何无人引用的条目都视为空闲。
func (e *Entry) idleAndUnused(now time.Time, threshold time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs != 0 {
		return false
	}
	return threshold <= 0 || now.Sub(e.lastActivity) > threshold
}

// replaceable 表示条目已失败且无人引用，可以被新的回源替换。
func (e *Entry) replaceable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusFailed && e.refs == 0
}

// discard 释放 chunk 数据并唤醒所有等待者，返回释放的字节数。
func (e *Entry) discard() int64 {
	e.mu.Lock()
	if e.discarded {
		e.mu.Unlock()
		return 0
	}
	e.discarded = true
	freed := e.size
	e.chunks = nil
	e.onGrow = nil
	e.mu.Unlock()

	e.cond.Broadcast()
	return freed
}
