package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// DefaultShutdownTimeout 为优雅退出时等待在途请求的上限。
const DefaultShutdownTimeout = 10 * time.Second

// ListenAndServe 启动 Fiber 监听并阻塞，ctx 取消后在 DefaultShutdownTimeout 内优雅关闭。
func ListenAndServe(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	if app == nil {
		return errors.New("fiber app is required")
	}
	if logger == nil {
		return errors.New("logger is required")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"timeout": DefaultShutdownTimeout.String(),
	}).Info("收到退出信号，开始关闭服务")

	if err := app.ShutdownWithTimeout(DefaultShutdownTimeout); err != nil {
		return fmt.Errorf("关闭服务失败: %w", err)
	}
	return <-errCh
}
