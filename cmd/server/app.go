package main

import (
	"context"
	"net/http"
	"time"

	"crm-flow/internal/api/handler"
	"crm-flow/internal/auth"
	"crm-flow/internal/config"
	"crm-flow/internal/coordinator"
	"crm-flow/internal/core/memory"
	"crm-flow/internal/core/ports"
	"crm-flow/internal/core/postgres/repository"
	"crm-flow/internal/definitions"
	"crm-flow/internal/domain"
	"crm-flow/internal/engine"
	"crm-flow/internal/infrastructure/mail"
	natsbus "crm-flow/internal/infrastructure/nats"
	redisinfra "crm-flow/internal/infrastructure/redis"
	"crm-flow/internal/service"
	"crm-flow/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	gormlogger "gorm.io/gorm/logger"
)

// runtime holds the adapters selected by config.
type runtime struct {
	store   ports.Store
	queue   ports.ActivityQueue
	bus     ports.SignalBus
	closers []func() error
	log     logrus.FieldLogger
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.WithError(err).Warn("error while closing")
		}
	}
}

func openStore(cfg *config.Config, log logrus.FieldLogger) (ports.Store, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using the in-memory store; data is lost on restart")
		return memory.NewStore(), nil
	}
	db, err := repository.Open(cfg.DSN(), gormlogger.New(log, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	}))
	if err != nil {
		return ports.Store{}, err
	}
	return repository.NewStore(db), nil
}

// newRuntime opens the store, the activity queue and the signal bus. The
// queue lives in redis unless signals.transport is memory, in which case
// everything stays in process.
func newRuntime(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*runtime, error) {
	rt := &runtime{log: log}
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	rt.store = store

	if cfg.Signals.Transport == "memory" {
		rt.queue = memory.NewActivityQueue()
		rt.bus = memory.NewSignalBus()
		return rt, nil
	}

	client, err := redisinfra.NewRedisClient(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, client.Close)
	rt.queue = redisinfra.NewRedisQueue(client)

	switch cfg.Signals.Transport {
	case "redis":
		rt.bus = redisinfra.NewRedisSignalBus(client, log)
	case "nats":
		bus, closeBus, err := openNATS(ctx, cfg, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, closeBus)
		rt.bus = bus
	}
	return rt, nil
}

func openNATS(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (ports.SignalBus, func() error, error) {
	client, err := natsbus.NewClient(cfg.NATS.URL, log)
	if err != nil {
		return nil, nil, err
	}
	bus, err := natsbus.NewSignalBus(ctx, client, log)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return bus, client.Close, nil
}

func newMailer(cfg *config.Config, log logrus.FieldLogger) worker.Mailer {
	if cfg.Mail.SMTPAddr == "" {
		return mail.NewLogMailer(log)
	}
	return mail.NewSMTPMailer(cfg.Mail.SMTPAddr, cfg.Mail.From)
}

func startWorkerPool(ctx context.Context, cfg *config.Config, rt *runtime, log logrus.FieldLogger) *worker.Worker {
	registry := worker.InitRegistry(rt.store, newMailer(cfg, log))
	executor := worker.NewExecutor(registry, cfg.Workers.Retry, log)
	w := worker.NewWorker(rt.queue, executor, log)
	w.StartPool(ctx, cfg.Workers.Concurrency)
	return w
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	authz, err := auth.New(ctx, cfg, log)
	if err != nil {
		return errors.Wrap(err, "failed to initialize auth")
	}

	sender := coordinator.BusSender{Bus: rt.bus}
	eng := engine.New(rt.store, rt.queue, engine.WithLogger(log), engine.WithSender(sender))
	dispatcher := coordinator.NewDispatcher(eng, cfg.Dispatcher.Shards, log)
	coord := coordinator.NewCoordinator(rt.bus, dispatcher, log)

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Start(ctx) }()
	go eng.RunTimers(ctx, cfg.Timers.Interval)
	pool := startWorkerPool(ctx, cfg, rt, log)

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(handler.Handlers{
		Workflows:   handler.NewWorkflowHandler(service.NewWorkflowService(eng, rt.store.Workflows)),
		Tasks:       handler.NewTaskHandler(service.NewTaskService(rt.store, rt.queue, sender, log)),
		Definitions: handler.NewDefinitionHandler(service.NewDefinitionService(rt.store.Definitions, rt.queue, log)),
		Activity:    handler.NewActivityHandler(service.NewActivityService(rt.store.ActivityLog, rt.store.Notifications)),
	}, authz.RequireAuth(), log)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.Server.Addr).Info("server starting")
		serverErrors <- server.ListenAndServe()
	}()

	var runErr error
	coordStopped := false
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = errors.Wrap(err, "server error")
		}
	case err := <-coordDone:
		coordStopped = true
		runErr = err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
		_ = server.Close()
	}

	// Mailboxes stop before the workers and stores go away.
	cancel()
	if !coordStopped {
		if err := <-coordDone; err != nil {
			log.WithError(err).Error("coordinator stopped with error")
		}
	}
	dispatcher.Wait()
	pool.Wait()
	if runErr != nil {
		return runErr
	}
	log.Info("server stopped gracefully")
	return nil
}

func runWorkers(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if cfg.Signals.Transport == "memory" {
		return errors.New("the worker command needs a shared queue; set signals.transport to redis or nats")
	}
	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	pool := startWorkerPool(ctx, cfg, rt, log)
	<-ctx.Done()
	pool.Wait()
	return nil
}

func migrate(cfg *config.Config, log *logrus.Logger) error {
	if cfg.Store.Driver != "postgres" {
		return errors.New("migrate only applies to the postgres store")
	}
	db, err := repository.Open(cfg.DSN(), gormlogger.New(log, gormlogger.Config{LogLevel: gormlogger.Info}))
	if err != nil {
		return err
	}
	if err := repository.Migrate(db); err != nil {
		return errors.Wrap(err, "migrate")
	}
	log.Info("database schema is up to date")
	return nil
}

// seed applies YAML definitions as an admin of org. Definitions that did
// not change are left alone.
func seed(ctx context.Context, cfg *config.Config, log *logrus.Logger, org string, files []string) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	seeder := domain.Principal{UserID: "seed", OrgID: org, Roles: []string{service.AdminRole}}
	defs := service.NewDefinitionService(store.Definitions, nil, log)

	for _, file := range files {
		parsed, err := definitions.ParseFile(file)
		if err != nil {
			return err
		}
		for _, def := range parsed {
			applied, changed, err := defs.Apply(ctx, seeder, def)
			if err != nil {
				return errors.Wrapf(err, "apply %s", def.Name)
			}
			log.WithFields(logrus.Fields{
				"file":    file,
				"name":    applied.Name,
				"version": applied.Version,
				"changed": changed,
			}).Info("workflow definition seeded")
		}
	}
	return nil
}
