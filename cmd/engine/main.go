package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/admission"
	"notifyhub/internal/channel"
	"notifyhub/internal/clock"
	"notifyhub/internal/config"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/engine"
	"notifyhub/internal/httpserver"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/statemachine"
	"notifyhub/internal/userdir"
	"notifyhub/internal/wshub"
	"notifyhub/pkg/circuitbreaker"
	pkgconfig "notifyhub/pkg/config"
	"notifyhub/pkg/db"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/mq"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/outbox"
	redisclient "notifyhub/pkg/redis"
	"notifyhub/pkg/util"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLoggerWithLevel(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting notifyhub engine...",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("transport", cfg.Storage.Transport),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	shutdownOTel, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	var checks []httpserver.ReadinessCheck

	// Redis（可选）
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redisclient.Connect(cfg.Redis.RedisConfig, log)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	// Storage
	var (
		store      repository.Store
		source     userdir.Source
		dbConn     *pgxpool.Pool
		outboxRepo *outbox.Repository
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		log.Info("Initializing database connection...")
		dbConn, err = db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer dbConn.Close()

		if err := repository.EnsureSchema(ctx, dbConn); err != nil {
			log.Fatal("Failed to apply schema", zap.Error(err))
		}
		outboxRepo = outbox.NewRepository(dbConn)
		store = repository.NewPostgresStore(dbConn, outboxRepo, clk, log)
		source = userdir.NewPostgresSource(dbConn)
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Ping: dbConn.Ping})
		log.Info("Database connection established successfully")
	default:
		store = repository.NewMemoryStore(clk)
		source = userdir.NewStaticSource()
		log.Warn("Using in-memory storage; notifications are lost on restart")
	}

	// Transport
	var (
		transport dispatch.Transport
		amqpConn  *amqp091.Connection
		amqpTrans *dispatch.AMQPTransport
	)
	switch cfg.Storage.Transport {
	case config.DriverAMQP:
		amqpConn, err = mq.NewConnection(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer amqpConn.Close()

		amqpTrans, err = dispatch.NewAMQPTransport(amqpConn, cfg.Lanes, log)
		if err != nil {
			log.Fatal("Failed to declare lanes", zap.Error(err))
		}
		transport = amqpTrans
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "mq",
			Ping: func(context.Context) error {
				if amqpConn.IsClosed() {
					return errors.New("connection closed")
				}
				return nil
			},
		})
	default:
		transport = dispatch.NewMemoryTransport(cfg.Lanes, log)
	}
	defer transport.Close()
	queue := dispatch.NewQueue(transport, cfg.Lanes, log)

	directory := userdir.New(source, rdb, cfg.Directory.CacheTTL, log)

	// Channels
	hub := wshub.New(cfg.Channels.WSWriteTimeout, log)
	defer hub.CloseAll()

	var inbox channel.Inbox
	if rdb != nil {
		inbox = channel.NewRedisInbox(rdb, cfg.Channels.InboxMaxItems, cfg.Channels.InboxTTL)
	}
	registry := buildRegistry(cfg, directory, hub, inbox, log)

	// Core
	machine := statemachine.New(store, registry, cfg.Engine.MaxRetries, log)

	sched := scheduler.New(store, machine, queue, clk, scheduler.Config{
		SweepInterval:        cfg.Engine.SweepInterval,
		StallThreshold:       cfg.Engine.StallThreshold,
		QueuedStallThreshold: cfg.Engine.QueuedStallThreshold,
		PoolSize:             cfg.Engine.TimerPoolSize,
		BatchSize:            cfg.Engine.SweepBatchSize,
	}, log)
	if rdb != nil {
		sched.WithClaimer(util.NewClaimer(rdb, cfg.Engine.ClaimTTL, log))
	}

	eng := engine.New(engine.Deps{
		Store:     store,
		Machine:   machine,
		Queue:     queue,
		Scheduler: sched,
		Admission: admission.NewController(cfg.Engine.HeavyLoadThreshold, log),
		Directory: directory,
		Requeuer:  engine.NewBackoffRequeuer(queue, clk, cfg.Engine.RetryBackoff, log),
		Clock:     clk,
	}, engine.Config{
		InstanceID: cfg.Engine.InstanceID,
		DeferDelay: cfg.Engine.DeferDelay,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Engine starting", zap.String("instance_id", eng.InstanceID()))
		return eng.Run(gctx)
	})

	// Outbox（仅 postgres）
	var replay *outbox.ReplayService
	if outboxRepo != nil && amqpTrans != nil {
		dispatcher := outbox.NewDispatcher(dbConn, outboxRepo, amqpTrans.Publisher(), log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		replay = outbox.NewReplayService(outboxRepo, log)
		g.Go(func() error {
			dispatcher.Start(gctx)
			return nil
		})
	}

	// HTTP Server
	router := httpserver.NewRouter(httpserver.Deps{
		Engine:    eng,
		Scheduler: sched,
		Store:     store,
		Hub:       hub,
		Registry:  registry,
		Inbox:     inbox,
		Replay:    replay,
		Checks:    checks,
	}, cfg.JWT.Secret, log)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("notifyhub engine is fully initialized and running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("notifyhub engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("notifyhub engine shutdown complete")
}

// buildRegistry 注册已配置的渠道；每个外部 provider 套一层熔断 + 超时
func buildRegistry(cfg *config.Config, contacts channel.ContactLookup, hub *wshub.Hub, inbox channel.Inbox, log *zap.Logger) *channel.Registry {
	registry := channel.NewRegistry()
	client := &http.Client{Timeout: cfg.Channels.ProviderTimeout}

	protect := func(c model.Channel, h channel.Handler) {
		cb := circuitbreaker.NewCircuitBreaker(string(c), cfg.Channels.Breaker).
			OnStateChange(func(name string, from, to circuitbreaker.State) {
				log.Warn("Channel breaker state changed",
					zap.String("channel", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			})
		registry.Register(c, channel.Protect(h, cb, cfg.Channels.ProviderTimeout))
	}

	switch cfg.Channels.Email.Provider {
	case config.EmailSMTP:
		protect(model.ChannelEmail, channel.NewEmailHandler(channel.NewSMTPSender(cfg.Channels.Email.SMTP), contacts))
	case config.EmailPostmark:
		sender, err := channel.NewPostmarkSender(cfg.Channels.Email.Postmark)
		if err != nil {
			log.Fatal("Failed to init Postmark sender", zap.Error(err))
		}
		protect(model.ChannelEmail, channel.NewEmailHandler(sender, contacts))
	}
	if cfg.Channels.SMSGatewayURL != "" {
		protect(model.ChannelSMS, channel.NewSMSHandler(client, cfg.Channels.SMSGatewayURL, contacts))
	}
	if cfg.Channels.PushGatewayURL != "" {
		protect(model.ChannelPush, channel.NewPushHandler(client, cfg.Channels.PushGatewayURL))
	}

	registry.Register(model.ChannelWebSocket, channel.NewWebSocketHandler(hub))
	if inbox != nil {
		registry.Register(model.ChannelInApp, channel.NewInAppHandler(inbox, hub, log))
	}

	log.Info("Channel handlers registered", zap.Any("channels", registry.Channels()))
	return registry
}
