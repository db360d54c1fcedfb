package cache

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultIdleTimeout 是配置缺省时使用的空闲回收阈值。
const DefaultIdleTimeout = 5 * time.Minute

// Options 描述 Manager 的运行参数。
type Options struct {
	// ChunkSize 为新条目的 chunk 容量。
	ChunkSize int
	// MaxEntrySize 为单个条目的容量上限，0 表示不限制。
	MaxEntrySize int64
	// IdleTimeout 为空闲回收阈值：空闲超过该时长且无引用的条目会被清理。
	// 0 表示条目一旦无人引用，下一次清理即可回收。
	IdleTimeout time.Duration
	// SweepOnInsert 为 true 时，每次插入新条目前顺带执行一次清理。
	SweepOnInsert bool
	Logger        *logrus.Logger
	Metrics       Metrics
	// Now 允许测试注入时钟。
	Now func() time.Time
}

// Manager 按 key 索引条目，负责引用计数与空闲回收。
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry

	opts    Options
	now     func() time.Time
	logger  *logrus.Logger
	metrics Metrics
	bytes   atomic.Int64
}

// NewManager 根据 Options 构建 Manager，缺省字段使用默认值。
func NewManager(opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	return &Manager{
		entries: make(map[string]*Entry),
		opts:    opts,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// IdleTimeout 返回生效的空闲阈值。
func (m *Manager) IdleTimeout() time.Duration {
	return m.opts.IdleTimeout
}

// NewEntry 使用 Manager 的分块与容量配置创建条目，是 GetOrInsert 的默认构造函数。
func (m *Manager) NewEntry(key string) *Entry {
	return NewEntry(key, EntryOptions{
		ChunkSize: m.opts.ChunkSize,
		MaxSize:   m.opts.MaxEntrySize,
		Now:       m.now,
	})
}

// GetOrInsert 在注册表锁内查找 key；不存在时调用 makeEntry 创建并插入，created 为 true。
// makeEntry 为 nil 时使用 NewEntry。makeEntry 失败时注册表保持不变，错误返回给调用方。
// 已失败且无人引用的条目会被替换，避免一次上游故障一直占住该 key。
func (m *Manager) GetOrInsert(key string, makeEntry func() (*Entry, error)) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrInsertLocked(key, makeEntry)
}

// Acquire 与 GetOrInsert 相同，但在同一临界区内对返回的条目执行 Acquire，
// 使并发清理不可能在取得引用之前回收它。调用方负责在使用完毕后 Release。
func (m *Manager) Acquire(key string, makeEntry func() (*Entry, error)) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, created, err := m.getOrInsertLocked(key, makeEntry)
	if err != nil {
		return nil, false, err
	}
	entry.Acquire()
	return entry, created, nil
}

func (m *Manager) getOrInsertLocked(key string, makeEntry func() (*Entry, error)) (*Entry, bool, error) {
	existing, ok := m.entries[key]
	if ok && !existing.replaceable() {
		m.metrics.ObserveLookup(true)
		return existing, false, nil
	}

	if m.opts.SweepOnInsert {
		m.removeIdleLocked(m.now())
	}

	if makeEntry == nil {
		makeEntry = func() (*Entry, error) { return m.NewEntry(key), nil }
	}
	entry, err := makeEntry()
	if err != nil {
		return nil, false, fmt.Errorf("cache: create entry %q: %w", key, err)
	}
	if entry == nil {
		return nil, false, fmt.Errorf("cache: create entry %q: nil entry", key)
	}

	// 新条目构造成功后才移除失败的旧条目，构造失败时注册表保持原样。
	if current, ok := m.entries[key]; ok && current == existing {
		m.removeLocked(key, existing, EvictionReplaced)
	}

	entry.bind(m.grow)
	if size := entry.Size(); size > 0 {
		m.grow(size)
	}
	m.entries[key] = entry
	m.metrics.ObserveLookup(false)
	m.metrics.RecordEntries(len(m.entries))
	return entry, true, nil
}

// Lookup 返回 key 对应的条目，不修改引用计数。
func (m *Manager) Lookup(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	return entry, ok
}

// Evict 显式回收 key；条目仍被引用时返回 ErrEntryInUse。
func (m *Manager) Evict(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	if refs := entry.Refs(); refs > 0 {
		return fmt.Errorf("%w: %d references", ErrEntryInUse, refs)
	}
	m.removeLocked(key, entry, EvictionExplicit)
	return nil
}

// RemoveIdle 回收所有空闲超过阈值且引用计数为 0 的条目，返回被回收的 key（已排序）。
func (m *Manager) RemoveIdle(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeIdleLocked(now)
}

func (m *Manager) removeIdleLocked(now time.Time) []string {
	var removed []string
	for key, entry := range m.entries {
		if !entry.idleAndUnused(now, m.opts.IdleTimeout) {
			continue
		}
		m.removeLocked(key, entry, EvictionIdle)
		removed = append(removed, key)
	}
	sort.Strings(removed)
	return removed
}

// Sweep 以当前时间执行一次空闲回收，返回回收数量。
func (m *Manager) Sweep() int {
	return len(m.RemoveIdle(m.now()))
}

// Run 按 interval 周期执行 Sweep，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.opts.IdleTimeout / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.WithFields(logrus.Fields{
					"action":  "cache_sweep",
					"removed": n,
					"entries": m.Len(),
					"bytes":   m.Bytes(),
				}).Debug("cache sweep finished")
			}
		}
	}
}

// Close 回收所有未被引用的条目。仍被引用的条目保留，直到其持有者释放。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.Refs() > 0 {
			continue
		}
		m.removeLocked(key, entry, EvictionShutdown)
	}
}

// removeLocked 从注册表删除条目并释放其数据，调用方必须持有 m.mu。
func (m *Manager) removeLocked(key string, entry *Entry, reason string) {
	delete(m.entries, key)
	freed := entry.discard()
	total := m.bytes.Add(-freed)

	m.metrics.ObserveEviction(reason)
	m.metrics.RecordEntries(len(m.entries))
	m.metrics.RecordBytes(total)
	m.logger.WithFields(logrus.Fields{
		"action": "cache_evict",
		"key":    key,
		"reason": reason,
		"bytes":  freed,
	}).Debug("cache entry removed")
}

func (m *Manager) grow(n int64) {
	total := m.bytes.Add(n)
	m.metrics.ObserveAppend(n)
	m.metrics.RecordBytes(total)
}

// Len 返回注册表中的条目数量。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Bytes 返回所有存活条目缓冲的总字节数。
func (m *Manager) Bytes() int64 {
	return m.bytes.Load()
}

// Snapshot 返回所有条目的快照，按 key 排序。
func (m *Manager) Snapshot() []EntryInfo {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	infos := make([]EntryInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entry.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}
