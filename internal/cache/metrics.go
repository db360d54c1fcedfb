package cache

// Metrics 为 Manager 提供可选的观测钩子，未注入时所有调用都是空操作。
//
// 实现示例见 internal/metrics 中基于 Prometheus 的版本。
type Metrics interface {
	// ObserveLookup 记录一次按 key 获取条目，hit 表示复用了已有条目。
	ObserveLookup(hit bool)

	// ObserveAppend 记录写入方追加的字节数。
	ObserveAppend(bytes int64)

	// ObserveEviction 记录一次条目回收，reason 取值见 Eviction* 常量。
	ObserveEviction(reason string)

	// RecordEntries 记录注册表中的条目数量。
	RecordEntries(count int)

	// RecordBytes 记录所有存活条目缓冲的总字节数。
	RecordBytes(total int64)
}

// 回收原因。
const (
	EvictionIdle     = "idle"
	EvictionExplicit = "explicit"
	EvictionReplaced = "replaced"
	EvictionShutdown = "shutdown"
)

type noopMetrics struct{}

func (noopMetrics) ObserveLookup(bool)     {}
func (noopMetrics) ObserveAppend(int64)    {}
func (noopMetrics) ObserveEviction(string) {}
func (noopMetrics) RecordEntries(int)      {}
func (noopMetrics) RecordBytes(int64)      {}
