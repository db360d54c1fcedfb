package proxy

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/server"
)

// ErrMethodHandlerExists indicates a handler has already been registered for the method.
var ErrMethodHandlerExists = errors.New("method handler already registered")

// Forwarder 根据请求方法选择 ProxyHandler，未注册的方法回退到构造时注入的默认 handler。
// 典型用法：GET 走缓存 Handler，其余方法走 Passthrough。
type Forwarder struct {
	defaultHandler server.ProxyHandler
	logger         *logrus.Logger
	handlers       sync.Map // method -> server.ProxyHandler
}

// NewForwarder 创建 Forwarder，defaultHandler 可以为空，此时未注册的方法返回 500。
func NewForwarder(defaultHandler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		defaultHandler: defaultHandler,
		logger:         logger,
	}
}

// Register 为指定方法绑定 handler，重复注册返回 ErrMethodHandlerExists。
func (f *Forwarder) Register(method string, handler server.ProxyHandler) error {
	normalized := normalizeMethod(method)
	if normalized == "" {
		return errors.New("method required")
	}
	if handler == nil {
		return errors.New("method handler required")
	}
	if _, loaded := f.handlers.LoadOrStore(normalized, handler); loaded {
		return fmt.Errorf("%w: %s", ErrMethodHandlerExists, normalized)
	}
	return nil
}

// MustRegister panics when registration fails; suitable for startup wiring.
func (f *Forwarder) MustRegister(method string, handler server.ProxyHandler) {
	if err := f.Register(method, handler); err != nil {
		panic(err)
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	handler := f.lookup(c.Method())
	if handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, requestID string) error {
	f.logHandlerError(c, target, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, recovered interface{}, requestID string) error {
	f.logHandlerError(c, target, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, target *server.Target, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"method": c.Method(),
		"target": target.String(),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) lookup(method string) server.ProxyHandler {
	if value, ok := f.handlers.Load(normalizeMethod(method)); ok {
		if handler, ok := value.(server.ProxyHandler); ok {
			return handler
		}
	}
	return f.defaultHandler
}

func normalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}
