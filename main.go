package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/streamproxy/internal/cache"
	"github.com/any-hub/streamproxy/internal/config"
	"github.com/any-hub/streamproxy/internal/logging"
	"github.com/any-hub/streamproxy/internal/metrics"
	"github.com/any-hub/streamproxy/internal/proxy"
	"github.com/any-hub/streamproxy/internal/server"
	"github.com/any-hub/streamproxy/internal/server/routes"
	"github.com/any-hub/streamproxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["listen_port"] = cfg.Global.ListenPort
		fields["chunk_size"] = cfg.Global.ChunkSize
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["chunk_size"] = cfg.Global.ChunkSize
	fields["max_entry_size"] = cfg.Global.MaxEntrySize
	fields["idle_timeout"] = cfg.Global.IdleTimeout.DurationValue().String()
	fields["metrics"] = cfg.Global.MetricsEnabled
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("streamproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 STREAM_PROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("STREAM_PROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 按 “指标 → 缓存 Manager → 回源 client → 代理 handler → Fiber server” 的顺序组装进程，
// 阻塞到 ctx 结束。退出时先关闭 HTTP 服务，再取消在途回源并回收缓存。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	g := cfg.Global

	var m *metrics.Metrics
	cacheOpts := cache.Options{
		ChunkSize:     g.ChunkSize,
		MaxEntrySize:  g.MaxEntrySize,
		IdleTimeout:   g.IdleTimeout.DurationValue(),
		SweepOnInsert: g.SweepOnInsert,
		Logger:        logger,
	}
	if g.MetricsEnabled {
		m = metrics.New()
		cacheOpts.Metrics = m
	}
	manager := cache.NewManager(cacheOpts)

	fetchCtx, cancelFetches := context.WithCancel(context.Background())
	defer cancelFetches()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		manager.Run(sweepCtx, g.SweepInterval.DurationValue())
	}()

	client := server.NewUpstreamClient(cfg)
	proxyOpts := proxy.Options{
		Client:              client,
		Logger:              logger,
		Manager:             manager,
		Metrics:             m,
		ReadBufferSize:      g.ReadBufferSize,
		UpstreamIdleTimeout: g.UpstreamIdleTimeout.DurationValue(),
		BaseContext:         fetchCtx,
	}
	forwarder := proxy.NewForwarder(proxy.NewPassthrough(proxyOpts), logger)
	forwarder.MustRegister(http.MethodGet, proxy.NewHandler(proxyOpts))

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: g.ListenPort,
	})
	if err != nil {
		stopSweeper()
		<-sweeperDone
		return err
	}
	routes.RegisterCacheRoutes(app, manager)
	if m != nil {
		routes.RegisterMetricsRoutes(app, m.Handler())
	}

	serveErr := server.ListenAndServe(ctx, app, g.ListenPort, logger)

	cancelFetches()
	stopSweeper()
	<-sweeperDone
	manager.Close()

	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"entries": manager.Len(),
		"bytes":   manager.Bytes(),
	}).Info("服务已停止")
	return serveErr
}
