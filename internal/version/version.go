package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("streamproxy %s (%s, %s)", Version, Commit, runtime.Version())
}

// UserAgent 返回回源请求在客户端未提供 User-Agent 时使用的默认值。
func UserAgent() string {
	return fmt.Sprintf("streamproxy/%s", Version)
}
