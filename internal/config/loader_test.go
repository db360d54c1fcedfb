package config

import "testing"

func TestLoadFailsWhenFileMissing(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
IdleTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cfg := `
ListenPort = 8080
ChunkSzie = 4096
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("拼写错误的字段应被拒绝")
	}
}

func TestLoadRejectsLegacyHubTables(t *testing.T) {
	cfg := `
ListenPort = 8080

[[Hub]]
Name = "docker"
Domain = "docker.local"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("正向代理不再支持 Hub 配置段")
	}
}
