package cache

// DefaultChunkSize 是单个 chunk 的默认容量（1 MiB）。
const DefaultChunkSize = 1 << 20

// chunk 是固定容量的字节块：len(buf) 为已写入长度，cap(buf) 为容量。
// 只有条目的最后一个 chunk 会继续增长，其余 chunk 一律视为已封存。
type chunk struct {
	buf []byte
}

func newChunk(capacity int) *chunk {
	return &chunk{buf: make([]byte, 0, capacity)}
}

func (c *chunk) free() int {
	return cap(c.buf) - len(c.buf)
}

// fill 尽可能多地把 p 拷贝进剩余容量，返回写入的字节数。
func (c *chunk) fill(p []byte) int {
	filled := len(c.buf)
	n := copy(c.buf[filled:cap(c.buf)], p)
	c.buf = c.buf[:filled+n]
	return n
}

// view 返回 [off, len) 的只读视图；容量被截断，调用方无法 append 进 chunk 的剩余空间。
func (c *chunk) view(off int) []byte {
	filled := len(c.buf)
	return c.buf[off:filled:filled]
}
