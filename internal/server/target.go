package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrNotAbsolute 表示请求行不是正向代理要求的绝对 URI。
	ErrNotAbsolute = errors.New("request target is not an absolute URI")
	// ErrUnsupportedScheme 表示目标协议不是 http。
	ErrUnsupportedScheme = errors.New("unsupported request target scheme")
	// ErrMissingHost 表示绝对 URI 缺少主机名。
	ErrMissingHost = errors.New("request target has no host")
)

const defaultHTTPPort = 80

// Target 是从请求行解析出的源站地址。
type Target struct {
	// URL 为去掉 fragment 后的绝对地址，可直接用于构造上游请求。
	URL *url.URL
	// Host 为小写主机名，不含端口与末尾的点。
	Host string
	// Port 为显式端口，缺省时为 80。
	Port int
}

// ParseTarget 解析形如 http://host[:port]/path?query 的请求目标。
func ParseTarget(raw string) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "/") {
		return nil, ErrNotAbsolute
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAbsolute, err)
	}
	if !parsed.IsAbs() {
		return nil, ErrNotAbsolute
	}
	if !strings.EqualFold(parsed.Scheme, "http") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}

	host, port := normalizeHost(parsed.Host)
	if host == "" {
		return nil, ErrMissingHost
	}
	if port == 0 {
		port = defaultHTTPPort
	}

	clean := *parsed
	clean.Scheme = "http"
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.User = nil
	if port == defaultHTTPPort {
		clean.Host = hostLiteral(host)
	} else {
		clean.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if clean.Path == "" && clean.RawPath == "" {
		clean.Path = "/"
	}

	return &Target{URL: &clean, Host: host, Port: port}, nil
}

// String 返回规范化后的绝对地址。
func (t *Target) String() string {
	if t == nil || t.URL == nil {
		return ""
	}
	return t.URL.String()
}

// Origin 返回 host:port 形式的源站标识。
func (t *Target) Origin() string {
	if t == nil {
		return ""
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// hostLiteral 为 IPv6 地址补上方括号，使其可以直接作为 URL Host。
func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
