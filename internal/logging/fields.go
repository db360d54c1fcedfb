package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/cache"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存键、方法、目标地址与命中状态，供代理请求日志复用。
func RequestFields(key, method, target string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"cache_key": key,
		"method":    method,
		"target":    target,
		"cache_hit": cacheHit,
	}
}

// EntryFields 将条目快照展开为日志字段。
func EntryFields(info cache.EntryInfo) logrus.Fields {
	fields := logrus.Fields{
		"cache_key":    info.Key,
		"entry_status": info.Status.String(),
		"entry_bytes":  info.Size,
		"entry_chunks": info.Chunks,
		"entry_refs":   info.Refs,
	}
	if info.StatusCode != 0 {
		fields["upstream_status"] = info.StatusCode
	}
	if info.Error != "" {
		fields["entry_error"] = info.Error
	}
	return fields
}
