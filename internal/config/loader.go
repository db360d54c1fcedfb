package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/streamproxy/internal/cache"
)

const (
	defaultListenPort          = 8080
	defaultReadBufferSize      = 16 * 1024
	defaultMaxEntrySize        = 256 * 1024 * 1024
	defaultSweepInterval       = 30 * time.Second
	defaultUpstreamTimeout     = 30 * time.Second
	defaultUpstreamIdleTimeout = 60 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// 未知字段会被拒绝，避免拼写错误的配置项被静默忽略。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("ChunkSize", cache.DefaultChunkSize)
	v.SetDefault("MaxEntrySize", defaultMaxEntrySize)
	v.SetDefault("IdleTimeout", cache.DefaultIdleTimeout.String())
	v.SetDefault("SweepInterval", defaultSweepInterval.String())
	v.SetDefault("SweepOnInsert", false)
	v.SetDefault("UpstreamTimeout", defaultUpstreamTimeout.String())
	v.SetDefault("UpstreamIdleTimeout", defaultUpstreamIdleTimeout.String())
	v.SetDefault("ReadBufferSize", defaultReadBufferSize)
	v.SetDefault("MetricsEnabled", true)
}

// applyGlobalDefaults 为显式写成 0 的字段回填默认值；IdleTimeout 的 0 有意义，保持不变。
func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = cache.DefaultChunkSize
	}
	if g.ReadBufferSize == 0 {
		g.ReadBufferSize = defaultReadBufferSize
	}
	if g.SweepInterval.DurationValue() == 0 {
		g.SweepInterval = Duration(defaultSweepInterval)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(defaultUpstreamTimeout)
	}
	if g.UpstreamIdleTimeout.DurationValue() == 0 {
		g.UpstreamIdleTimeout = Duration(defaultUpstreamIdleTimeout)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
