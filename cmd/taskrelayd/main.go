package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"TaskRelay/internal/api"
	"TaskRelay/internal/archive"
	"TaskRelay/internal/auth"
	"TaskRelay/internal/config"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/notify"
	"TaskRelay/internal/observability/alerting"
	"TaskRelay/internal/observability/metrics"
	"TaskRelay/internal/progress"
	"TaskRelay/internal/scheduler"
	storage "TaskRelay/internal/storage/mysql"
	"TaskRelay/internal/task"
	"TaskRelay/internal/task/payload"
	"TaskRelay/pkg/logger"
)

// main 是 TaskRelay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("taskrelayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TASKRELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "taskrelay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AuditPath: cfg.Log.AuditPath,
	}); err != nil {
		return err
	}

	// 共享的 MySQL 连接池：迁移、投递记录、API 密钥与审计事件共用。
	var db *sql.DB
	if cfg.Storage.Driver == "mysql" {
		db, err = storage.Open(ctx, storage.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.RunMigrations(ctx, db); err != nil {
			return err
		}
	}

	execStore, err := newExecutionStore(cfg)
	if err != nil {
		return err
	}
	defer execStore.Close()

	deliveryStore, err := newDeliveryStore(cfg, db)
	if err != nil {
		return err
	}

	auditTrail, err := newAuditTrail(cfg, db)
	if err != nil {
		return err
	}

	resources := ledger.NewLedger()
	agents := ledger.NewRegistry()
	machine := lifecycle.NewMachine()

	queue, err := newTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := queue.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	// 未配置任务类型时不限制类型，校验交给执行端。
	var validators *payload.Registry
	if len(cfg.Runtime.TaskTypes) > 0 {
		validators = payload.NewRegistry()
		for _, taskType := range cfg.Runtime.TaskTypes {
			if err := validators.Register(&payload.JSONObjectValidator{Type: taskType}); err != nil {
				return err
			}
		}
	}

	admission := task.NewAdmission(execStore, resources, agents, machine, queue, validators, nil, task.AdmissionPolicy{})
	tracker := progress.NewTracker(execStore, resources)

	retention := archive.DefaultRetentionPolicy()
	if cfg.Archive.RetentionFile != "" {
		if loaded, err := archive.LoadRetentionPolicy(cfg.Archive.RetentionFile); err == nil {
			retention = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	archiver := archive.NewManager(execStore, deliveryStore, resources, machine, retention,
		archive.WithGracePeriod(time.Duration(cfg.Archive.GracePeriodSecs)*time.Second),
		archive.WithSweepInterval(time.Duration(cfg.Archive.SweepIntervalSecs)*time.Second),
		archive.WithProgressForgetter(tracker),
		archive.WithAuditTrail(auditTrail),
	)

	alerts := alerting.NewFanout(&alerting.AuditNotifier{})

	dispatcher := notify.NewDispatcher(deliveryStore, execStore, machine,
		notify.WithAlertDispatcher(alerts),
		notify.WithPollInterval(time.Duration(cfg.Notifier.PollIntervalSecs)*time.Second),
		notify.WithBatchSize(cfg.Notifier.BatchSize),
		notify.WithRelayAgentID(cfg.Notifier.RelayAgentID),
		notify.WithJitter(cfg.Notifier.Jitter),
		notify.WithArchiveFunc(func(ctx context.Context, executionID string) {
			_ = archiver.Archive(ctx, executionID)
		}),
	)

	sched := scheduler.New(execStore, resources, agents, machine, queue, queue,
		scheduler.NewHTTPExecutor(nil),
		scheduler.WithWorkerCount(cfg.Scheduler.WorkerCount),
		scheduler.WithCancelGrace(time.Duration(cfg.Scheduler.CancelGraceSecs)*time.Second),
		scheduler.WithDeferredRetry(time.Duration(cfg.Scheduler.DeferredRetrySecs)*time.Second),
		scheduler.WithAlertDispatcher(alerts),
		scheduler.WithTerminalFunc(func(ctx context.Context, exec *task.Execution, eventType string) {
			if err := dispatcher.HandleTerminal(ctx, exec, eventType); err != nil {
				log.Printf("终态通知编排失败: %v", err)
			}
		}),
	)

	gate, err := newGate(cfg, db, agents)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Gate:      gate,
		Admission: admission,
		Store:     execStore,
		Scheduler: sched,
		Tracker:   tracker,
		Agents:    agents,
		Resources: resources,
		Notifier:  dispatcher,
	})

	// 后台循环：调度器、投递轮询、归档巡检。
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	go func() {
		if err := sched.Start(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度器异常退出: %v", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("投递轮询异常退出: %v", err)
		}
	}()
	go func() {
		// 启动时先扫一遍，接上重启前遗留的通知与归档。
		archiver.Sweep(workCtx)
		if err := archiver.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("归档巡检异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" && cfg.Server.MetricsAddress != cfg.Server.Address {
		go serveMetrics(workCtx, cfg.Server.MetricsAddress)
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newExecutionStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func newDeliveryStore(cfg *config.Config, db *sql.DB) (notify.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return notify.NewMemoryStore(), nil
	case "mysql":
		return notify.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func newAuditTrail(cfg *config.Config, db *sql.DB) (storage.AuditTrail, error) {
	if cfg.Storage.Driver == "mysql" {
		return storage.NewSQLAuditTrail(db), nil
	}
	return storage.NewFileAuditTrail(cfg.Runtime.DataDir)
}

func newTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			KeyPrefix: cfg.TaskQueue.Redis.KeyPrefix,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:   cfg.TaskQueue.RabbitMQ.URL,
			Queue: cfg.TaskQueue.RabbitMQ.QueueName,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

// newGate 按配置装配认证闸口：JWT、API 密钥与 Agent 回调 HMAC。
func newGate(cfg *config.Config, db *sql.DB, agents *ledger.Registry) (*auth.Gate, error) {
	var authenticators []auth.Authenticator

	if strings.TrimSpace(cfg.Auth.JWT.Secret) != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			TTLSeconds: cfg.Auth.JWT.TTLSeconds,
		})
		if err != nil {
			return nil, err
		}
		authenticators = append(authenticators, jwtAuth)
	}

	var keys auth.KeyStore
	if db != nil {
		keys = storage.NewSQLKeyStore(db)
	} else if len(cfg.Auth.APIKeys) > 0 {
		seeds := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
		for _, seed := range cfg.Auth.APIKeys {
			seeds = append(seeds, auth.APIKey{
				KeyID:         seed.KeyID,
				Secret:        seed.Secret,
				Name:          seed.Name,
				Scopes:        seed.Scopes,
				RatePerMinute: seed.RatePerMinute,
				Disabled:      seed.Disabled,
			})
		}
		keys = auth.NewMemoryKeyStore(seeds)
	}
	if keys != nil {
		authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(keys))
	}

	if len(cfg.Auth.AgentSecrets) > 0 || agents != nil {
		resolver := func(_ context.Context, agentID string) (string, error) {
			if agents != nil {
				if reg, err := agents.Lookup(agentID); err == nil && reg.SharedSecret != "" {
					return reg.SharedSecret, nil
				}
			}
			if secret, ok := cfg.Auth.AgentSecrets[agentID]; ok {
				return secret, nil
			}
			return "", ledger.ErrUnknownAgent
		}
		authenticators = append(authenticators, auth.NewHMACAuthenticator(resolver))
	}

	return auth.NewGate(authenticators...), nil
}

// serveMetrics 在独立端口暴露指标，便于与业务流量隔离。
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("指标服务异常退出: %v", err)
	}
}
