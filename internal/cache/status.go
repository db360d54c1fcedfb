package cache

import "fmt"

// Status 描述缓存条目的生命周期阶段，只能从 InProgress 单向进入终态。
type Status int32

const (
	// StatusInProgress 表示写入方仍在向条目追加数据。
	StatusInProgress Status = iota
	// StatusSuccess 表示上游已经完整返回，条目内容不再变化。
	StatusSuccess
	// StatusFailed 表示回源过程中出错，读取方在读完已有字节后会收到错误。
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal 判断状态是否为终态（Success 或 Failed）。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// MarshalText 让诊断接口以字符串形式输出状态。
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
