package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for forwarding a request
// to its origin. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
	// BodyLimit caps request bodies forwarded for non-cacheable methods.
	BodyLimit int
}

const (
	contextKeyTarget    = "_streamproxy_target"
	contextKeyRequestID = "_streamproxy_request_id"

	diagnosticsPrefix = "/-/"
)

// NewApp builds a Fiber application that resolves absolute-form request
// targets and hands them to the proxy handler, with structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	cfg := fiber.Config{
		CaseSensitive: true,
	}
	if opts.BodyLimit > 0 {
		cfg.BodyLimit = opts.BodyLimit
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsRequest(c) {
			return c.Next()
		}
		target, ok := TargetFromContext(c)
		if !ok {
			return renderBadTarget(c, opts.Logger, ErrNotAbsolute)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把绝对形式的请求行解析为 Target。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if c.Method() == fiber.MethodConnect {
			return renderConnectUnsupported(c, opts.Logger)
		}
		if isDiagnosticsRequest(c) {
			return c.Next()
		}

		target, err := ParseTarget(c.OriginalURL())
		if err != nil {
			return renderBadTarget(c, opts.Logger, err)
		}

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func renderBadTarget(c fiber.Ctx, logger *logrus.Logger, cause error) error {
	logger.WithFields(logrus.Fields{
		"action":     "target_parse",
		"target":     c.OriginalURL(),
		"method":     c.Method(),
		"request_id": RequestID(c),
	}).Warn(cause.Error())

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "bad_request",
	})
}

func renderConnectUnsupported(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action":     "target_parse",
		"target":     c.OriginalURL(),
		"method":     c.Method(),
		"request_id": RequestID(c),
	}).Warn("CONNECT tunnelling is not supported")

	return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
		"error": "connect_unsupported",
	})
}

// TargetFromContext returns the Target resolved by the router middleware.
func TargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// isDiagnosticsRequest 仅对 origin-form 的 /-/ 路径生效，绝对 URI 永远走代理。
func isDiagnosticsRequest(c fiber.Ctx) bool {
	return strings.HasPrefix(c.OriginalURL(), diagnosticsPrefix)
}
