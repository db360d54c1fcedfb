package cache

import "errors"

var (
	// ErrEntryFailed 表示条目已处于 Failed 状态，通常包裹着写入方记录的原因。
	ErrEntryFailed = errors.New("cache entry failed")
	// ErrEntryClosed 表示条目已进入终态，不再接受追加。
	ErrEntryClosed = errors.New("cache entry closed")
	// ErrStatusFinal 表示尝试修改一个已处于终态的条目状态。
	ErrStatusFinal = errors.New("cache entry status is final")
	// ErrEntryTooLarge 表示追加后会超出单个条目的容量上限。
	ErrEntryTooLarge = errors.New("cache entry too large")
	// ErrEntryDiscarded 表示条目已被 Manager 回收，其数据不可再读。
	ErrEntryDiscarded = errors.New("cache entry discarded")
	// ErrReaderClosed 表示对已关闭的 Reader 继续读取。
	ErrReaderClosed = errors.New("cache reader closed")
	// ErrEntryNotFound 表示注册表中不存在对应 key。
	ErrEntryNotFound = errors.New("cache entry not found")
	// ErrEntryInUse 表示条目仍被引用，不能被显式淘汰。
	ErrEntryInUse = errors.New("cache entry in use")
)
