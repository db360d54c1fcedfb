package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	minChunkSize      = 4 * 1024
	maxChunkSize      = 64 * 1024 * 1024
	minReadBufferSize = 512
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(strings.TrimSpace(g.LogLevel)); err != nil {
		return newFieldError(globalField("LogLevel"), fmt.Sprintf("无法识别的日志级别: %s", g.LogLevel))
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}
	if g.ChunkSize < minChunkSize || g.ChunkSize > maxChunkSize {
		return newFieldError(globalField("ChunkSize"), fmt.Sprintf("必须在 %d-%d 字节之间", minChunkSize, maxChunkSize))
	}
	if g.MaxEntrySize < 0 {
		return newFieldError(globalField("MaxEntrySize"), "不能为负数（0 表示不限制）")
	}
	if g.IdleTimeout.DurationValue() < 0 {
		return newFieldError(globalField("IdleTimeout"), "不能为负数")
	}
	if g.SweepInterval.DurationValue() <= 0 {
		return newFieldError(globalField("SweepInterval"), "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.UpstreamIdleTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamIdleTimeout"), "必须大于 0")
	}
	if g.ReadBufferSize < minReadBufferSize {
		return newFieldError(globalField("ReadBufferSize"), fmt.Sprintf("不能小于 %d", minReadBufferSize))
	}
	return nil
}
