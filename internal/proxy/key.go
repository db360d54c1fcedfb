package proxy

import (
	"net/http"
	"strings"

	"github.com/any-hub/streamproxy/internal/server"
)

// NormalizeKey 生成缓存键：大写方法 + ":" + 规范化后的绝对 URL。
// Target 已经去掉 fragment、userinfo 与默认端口，主机名统一小写，
// 因此同一资源的不同写法会落到同一个条目上。
func NormalizeKey(method string, target *server.Target) string {
	return strings.ToUpper(strings.TrimSpace(method)) + ":" + target.String()
}

// IsCacheable 仅 GET 请求进入流式缓存，其余方法直接透传。
func IsCacheable(method string) bool {
	return strings.EqualFold(method, http.MethodGet)
}
