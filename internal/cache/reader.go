package cache

import (
	"io"
	"sync"
	"sync/atomic"
)

// Reader 以 io.Reader 形式回放条目内容。创建时获取一次引用，Close 时恰好归还一次，
// 因此 HTTP 层把它交给响应体后，无论正常结束还是客户端断开都不会泄漏引用。
type Reader struct {
	entry   *Entry
	cur     cursor
	pending []byte
	closed  atomic.Bool
	once    sync.Once
}

// NewReader 获取条目引用并返回从偏移 0 开始的 Reader。
func (e *Entry) NewReader() *Reader {
	e.Acquire()
	return &Reader{entry: e}
}

// Read 实现 io.Reader；数据读尽且条目失败时返回包裹 ErrEntryFailed 的错误。
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.pending) == 0 {
		view, err := r.entry.next(&r.cur)
		if err != nil {
			return 0, err
		}
		r.pending = view
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// WriteTo 直接把 chunk 视图写入 w，避免中间拷贝。
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if r.closed.Load() {
			return total, ErrReaderClosed
		}
		if len(r.pending) == 0 {
			view, err := r.entry.next(&r.cur)
			if err == io.EOF {
				return total, nil
			}
			if err != nil {
				return total, err
			}
			r.pending = view
		}
		n, err := w.Write(r.pending)
		total += int64(n)
		r.pending = r.pending[n:]
		if err != nil {
			return total, err
		}
	}
}

// Close 归还引用，可重复调用。
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.closed.Store(true)
		r.pending = nil
		r.entry.Release()
	})
	return nil
}

// Entry 返回 Reader 所属的条目。
func (r *Reader) Entry() *Entry {
	return r.entry
}
