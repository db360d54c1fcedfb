package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/streamproxy/internal/cache"
)

// CacheInspector 是诊断接口依赖的缓存能力子集，便于在测试中替换。
type CacheInspector interface {
	Snapshot() []cache.EntryInfo
	Evict(key string) error
	Len() int
	Bytes() int64
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口，供运维查看与清理内存中的缓存条目。
func RegisterCacheRoutes(app *fiber.App, inspector CacheInspector) {
	if app == nil || inspector == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		entries := inspector.Snapshot()
		if entries == nil {
			entries = []cache.EntryInfo{}
		}
		return c.JSON(fiber.Map{
			"entries":        entries,
			"count":          inspector.Len(),
			"buffered_bytes": inspector.Bytes(),
		})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		key := strings.TrimSpace(c.Query("key"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_key_required"})
		}
		switch err := inspector.Evict(key); {
		case err == nil:
			return c.SendStatus(fiber.StatusNoContent)
		case errors.Is(err, cache.ErrEntryNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_entry_not_found"})
		case errors.Is(err, cache.ErrEntryInUse):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "cache_entry_in_use"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_evict_failed"})
		}
	})
}
