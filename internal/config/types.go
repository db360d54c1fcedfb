package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述代理进程的运行参数：监听、日志、流式缓存与回源行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// ChunkSize 是缓存条目中单个 chunk 的容量（字节）。
	ChunkSize int `mapstructure:"ChunkSize"`
	// MaxEntrySize 限制单个条目可缓冲的字节数，0 表示不限制。
	MaxEntrySize int64 `mapstructure:"MaxEntrySize"`
	// IdleTimeout 是条目无人引用后保留的最长空闲时间。
	IdleTimeout   Duration `mapstructure:"IdleTimeout"`
	SweepInterval Duration `mapstructure:"SweepInterval"`
	SweepOnInsert bool     `mapstructure:"SweepOnInsert"`

	// UpstreamTimeout 约束建连与等待响应头的时间。
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// UpstreamIdleTimeout 约束两次读取上游正文之间的最大间隔。
	UpstreamIdleTimeout Duration `mapstructure:"UpstreamIdleTimeout"`
	ReadBufferSize      int      `mapstructure:"ReadBufferSize"`

	MetricsEnabled bool `mapstructure:"MetricsEnabled"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}
