package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tasksync/internal/cache"
	"tasksync/internal/client"
	"tasksync/internal/mutation"
	"tasksync/internal/realtime"
	"tasksync/internal/session"
	"tasksync/internal/store"
	"tasksync/pkg/circuitbreaker"
	"tasksync/pkg/config"
	"tasksync/pkg/logger"
	"tasksync/pkg/otel"
	"tasksync/pkg/redis"
)

type globalOptions struct {
	env        string
	configDir  string
	serviceURL string
	token      string
	username   string
	logLevel   string
}

// app 一次命令执行所需的全部组件
type app struct {
	cfg      config.ClientConfig
	log      *zap.Logger
	client   *client.Client
	registry *store.Registry
	manager  *realtime.Manager
	session  *session.Session
	closers  []func()
}

func loadClientConfig(opts globalOptions) (config.ClientConfig, error) {
	var file config.File
	if err := config.Load(opts.env, opts.configDir, &file); err != nil {
		return config.ClientConfig{}, err
	}
	cfg := file.Client
	cfg.ApplyDefaults()
	config.OverrideClientFromEnv(&cfg)

	if opts.serviceURL != "" {
		cfg.ServiceURL = opts.serviceURL
	}
	if opts.token != "" {
		cfg.Token = opts.token
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts globalOptions) (*app, error) {
	cfg, err := loadClientConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewLogger(cfg.LogLevel)
	a := &app{cfg: cfg, log: log}
	a.onClose(func() { _ = log.Sync() })
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	userID, err := session.UserFromToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	username := opts.username
	if username == "" {
		username = userID
	}

	shutdownOtel, err := otel.Init(otel.Config{ServiceName: "tasksync-cli", ServiceVersion: Version}, log)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownOtel)

	index, err := a.newIndex(ctx)
	if err != nil {
		return nil, err
	}

	a.client = client.New(client.Options{
		BaseURL: cfg.ServiceURL,
		Token:   cfg.Token,
		Timeout: cfg.MutationTimeout,
		Breaker: circuitbreaker.DefaultConfig(),
	}, log)

	a.registry = store.NewRegistry(a.client, index, store.Options{
		PerPage:     cfg.PerPage,
		PageTimeout: cfg.PageTimeout,
		User:        userID,
	}, log)

	reporter := session.NewErrorReporter(32, log)
	executor := mutation.New(a.client, a.registry, reporter, mutation.Options{Timeout: cfg.MutationTimeout}, log)

	processor := realtime.NewProcessor(a.registry, func() string { return userID }, log)
	a.manager = realtime.NewManager(a.newSource(), processor, log)
	a.onClose(a.manager.Close)

	a.session = session.New(userID, username, session.Deps{
		Registry: a.registry,
		Executor: executor,
		Realtime: a.manager,
		Reporter: reporter,
	}, log)
	a.onClose(a.session.Close)

	log.Debug("Client initialized",
		zap.String("service_url", cfg.ServiceURL),
		zap.String("user_id", userID),
		zap.String("realtime", cfg.Realtime.Driver),
		zap.String("cache", cfg.Cache.Driver),
	)
	ready = true
	return a, nil
}

func (a *app) newIndex(ctx context.Context) (cache.Index, error) {
	switch a.cfg.Cache.Driver {
	case "redis":
		rdb, err := redis.NewRedisClient(ctx, a.cfg.Redis, a.log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.onClose(func() { _ = rdb.Close() })
		return cache.NewRedisIndex(rdb, a.cfg.Cache.Prefix, a.cfg.Cache.TTL, a.log), nil
	case "memory", "":
		return cache.NewMemoryIndex(a.cfg.Cache.Capacity, a.log)
	}
	return nil, fmt.Errorf("unknown cache driver %q", a.cfg.Cache.Driver)
}

func (a *app) newSource() realtime.Source {
	bo := realtime.BackoffConfig{
		Initial: a.cfg.Realtime.Backoff.Initial,
		Max:     a.cfg.Realtime.Backoff.Max,
	}
	switch a.cfg.Realtime.Driver {
	case "amqp":
		return realtime.NewAMQPSource(a.cfg.MQ.URL, a.cfg.MQ.Exchange, bo, a.log)
	case "none":
		return realtime.NoopSource{}
	}
	return realtime.NewWebSocketSource(a.cfg.Realtime.URL, a.cfg.Token, bo, a.log)
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close 按注册的逆序释放
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
