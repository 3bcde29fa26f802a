package bootstrap

import (
	"context"
	"strings"

	"github.com/gomodule/redigo/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/baechuer/booking-confirmation/internal/application/confirm"
	"github.com/baechuer/booking-confirmation/internal/application/notify"
	"github.com/baechuer/booking-confirmation/internal/config"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/attempts"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/client"
	infraemail "github.com/baechuer/booking-confirmation/internal/infrastructure/email"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/idempotency"
	rmq "github.com/baechuer/booking-confirmation/internal/infrastructure/messaging/rabbitmq"
	"github.com/baechuer/booking-confirmation/internal/infrastructure/tracing"
	web "github.com/baechuer/booking-confirmation/internal/infrastructure/web"
	"github.com/baechuer/booking-confirmation/internal/logger"
)

const serviceName = "confirmation-service"

type App struct {
	consumer *rmq.Consumer
	web      *web.Server
	tracer   *tracing.TracerProvider
	cfg      *config.Config
}

func NewApp() (*App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	tp, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		return nil, nil, err
	}

	// Sender
	var sender notify.Sender
	switch cfg.EmailSender {
	case "smtp":
		sender = infraemail.NewSMTPSender(infraemail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
			Insecure: cfg.SMTPInsecure,
		}, logger.Component("smtp_sender"))
	default:
		sender = infraemail.NewFakeSender(cfg.FakeFailMode, logger.Component("fake_sender"))
	}

	checks := map[string]web.Check{}

	// Redis: redigo pool for the sent-marker store, go-redis for attempt counters
	var idem notify.IdempotencyStore = idempotency.NewNoopStore()
	var counter rmq.AttemptCounter
	var redisPool *redis.Pool
	var redisClient *goredis.Client

	if cfg.RedisEnabled {
		redisPool = idempotency.NewRedisPool(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		store := idempotency.NewRedisStore(redisPool, log.Logger)
		idem = store
		checks["redis"] = store.Ping

		if cfg.RetryStrategy == config.RetryRequeue {
			redisClient = attempts.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			rc := attempts.NewRedisCounter(redisClient, cfg.AttemptTTL)
			counter = rc
			checks["attempt_counter"] = rc.Ping
		}

		log.Info().
			Str("addr", cfg.RedisAddr).
			Int("db", cfg.RedisDB).
			Str("retry_strategy", cfg.RetryStrategy).
			Msg("redis enabled for idempotency")
	} else {
		// only reachable with IDEMPOTENCY_DISABLED=true
		log.Warn().Msg("idempotency disabled: redelivered bookings will be emailed again")
	}

	dispatcher := notify.NewDispatcher(sender, idem, notify.Config{
		TTL:             cfg.IdempotencyTTL,
		ClaimTTL:        cfg.ClaimTTL,
		MessageIDDomain: messageIDDomain(cfg.SMTPFrom),
	}, log.Logger)

	directory := client.NewDirectoryClient(client.DirectoryConfig{
		BaseURL:            cfg.DirectoryBaseURL,
		Timeout:            cfg.CallTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerReset:       cfg.BreakerReset,
	}, log.Logger)

	processor := confirm.NewProcessor(directory, dispatcher, confirm.Config{
		MaxRedeliveries: cfg.MaxRedeliveries,
		CallTimeout:     cfg.CallTimeout,
	}, log.Logger)

	consumer := rmq.NewConsumer(rmq.Config{
		URL:            cfg.RabbitURL,
		Queue:          cfg.Queue,
		ConsumerTag:    cfg.ConsumeTag,
		ConnectionName: serviceName,
		Prefetch:       cfg.Prefetch,
		Workers:        cfg.Workers,
		Heartbeat:      cfg.Heartbeat,
		RetryStrategy:  cfg.RetryStrategy,
		RetryDelay:     cfg.RetryDelay,
		ShutdownWait:   cfg.ShutdownWait,
		Reconnect: rmq.ReconnectConfig{
			Initial:     cfg.ReconnectInitial,
			Max:         cfg.ReconnectMax,
			Multiplier:  cfg.ReconnectMultiplier,
			Jitter:      cfg.ReconnectJitter,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
	}, processor, counter, log.Logger)
	checks["broker"] = consumer.Check

	webSrv := web.NewServer(web.Config{
		Addr:    cfg.OpsAddr,
		Version: cfg.Version,
		Checks:  checks,
	}, log.Logger)

	app := &App{
		consumer: consumer,
		web:      webSrv,
		tracer:   tp,
		cfg:      cfg,
	}

	cleanup := func() {
		log.Info().Msg("Performing final resource cleanup...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()

		_ = app.Stop(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
		if redisPool != nil {
			_ = redisPool.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}

	return app, cleanup, nil
}

// Start runs until ctx ends, the ops server fails, or the consumer gives up.
func (a *App) Start(ctx context.Context) error {
	log.Info().Msg("Starting confirmation consumer...")
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}

	webErr := make(chan error, 1)
	go func() {
		log.Info().Msg("Starting ops server...")
		webErr <- a.web.Start(ctx)
	}()

	select {
	case err := <-a.consumer.Fatal():
		return err
	case err := <-webErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the ops server first so readiness drops, then drains the
// consumer. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	log.Info().Msg("Shutting down confirmation service gracefully...")

	if a.web != nil {
		_ = a.web.Stop(ctx)
	}
	if a.consumer != nil {
		return a.consumer.Stop(ctx)
	}
	return nil
}

// messageIDDomain takes the domain of the sender address for Message-IDs.
func messageIDDomain(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return strings.Trim(from[i+1:], "> ")
	}
	return serviceName + ".local"
}
