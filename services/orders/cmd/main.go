// Orders Service — сервис заказов. Принимает команды через HTTP и брокер,
// публикует события через transactional outbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"example.com/swiftparcel/pkg/circuitbreaker"
	"example.com/swiftparcel/pkg/config"
	"example.com/swiftparcel/pkg/contracts"
	"example.com/swiftparcel/pkg/db"
	"example.com/swiftparcel/pkg/dedup"
	"example.com/swiftparcel/pkg/healthcheck"
	"example.com/swiftparcel/pkg/logger"
	"example.com/swiftparcel/pkg/messaging"
	"example.com/swiftparcel/pkg/metrics"
	"example.com/swiftparcel/pkg/middleware"
	"example.com/swiftparcel/pkg/outbox"
	"example.com/swiftparcel/pkg/tracing"
	"example.com/swiftparcel/services/orders/internal/httpapi"
	"example.com/swiftparcel/services/orders/internal/service"
)

const (
	shutdownTimeout     = 15 * time.Second
	healthCheckInterval = 10 * time.Second
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})
	log := logger.With().Str("service", cfg.App.Name).Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("db_driver", cfg.Database.Driver).
		Str("broker", cfg.Broker.Kind).
		Msg("Запуск Orders Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.App.Name,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
		Environment:    cfg.App.Env,
		Version:        cfg.App.Version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	// =========================================================================
	// Инфраструктура
	// =========================================================================

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к базе данных")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("Подключение к базе данных установлено")

	rdb := db.ConnectRedis(cfg.Redis)

	brk, err := openBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к брокеру")
	}
	log.Info().Str("broker", cfg.Broker.Kind).Msg("Подключение к брокеру установлено")

	// =========================================================================
	// Клиент брокера и обработчики
	// =========================================================================

	clientOpts := []messaging.Option{
		messaging.WithDestinations(messaging.PrefixedDestinations(cfg.Broker.Prefix)),
		messaging.WithErrorMapper(service.Rejections),
	}
	if cfg.Dedup.Enabled {
		clientOpts = append(clientOpts, messaging.WithDedup(dedup.New(rdb, dedup.Config{
			InFlightTTL:  cfg.Dedup.InFlightTTL,
			ProcessedTTL: cfg.Dedup.ProcessedTTL,
		})))
	}
	client := messaging.NewClient(brk.transport, cfg.App.Name, clientOpts...)

	mapper, err := service.NewMapper()
	if err != nil {
		log.Fatal().Err(err).Msg("Маппинг доменных событий неполон")
	}

	orders := service.NewOrders(store.orders)
	commands := make(map[string]outbox.Handler)

	register := func(typ string, h outbox.HandlerFunc) {
		decorated := outbox.Decorate(h, store.outbox, mapper, cfg.App.Name)
		commands[typ] = decorated
		if err := client.Subscribe(typ, messaging.WithLogging(typ, messaging.Adapt(decorated))); err != nil {
			log.Fatal().Err(err).Str("message_type", typ).Msg("Ошибка подписки")
		}
	}
	register(contracts.TypeCreateOrder, orders.CreateOrder)
	register(contracts.TypeApproveOrder, orders.ApproveOrder)
	register(contracts.TypeCancelOrder, orders.CancelOrder)
	register(contracts.TypeDeliveryCompleted, orders.DeliveryCompleted)

	if brk.ensure != nil {
		destinations := client.Destinations()
		for _, typ := range service.Destinations() {
			destinations = append(destinations, client.Destination(typ))
		}
		if err := brk.ensure(ctx, destinations); err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания топиков")
		}
	}

	// =========================================================================
	// Релей outbox
	// =========================================================================

	breaker := circuitbreaker.NewWithSettings("broker-publish", circuitbreaker.Settings{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             cfg.Broker.BreakerTimeout,
		FailureRatio:        0.5,
		MinRequests:         10,
		ConsecutiveFailures: cfg.Broker.BreakerFailures,
	})

	instance, _ := os.Hostname()
	relay := outbox.NewRelay(
		store.outbox,
		circuitbreaker.WrapPublisher(breaker, client),
		outbox.RelayConfig{
			PollInterval:      cfg.Outbox.PollInterval,
			BatchSize:         cfg.Outbox.BatchSize,
			MaxAttempts:       cfg.Outbox.MaxAttempts,
			Lease:             cfg.Outbox.Lease,
			Concurrency:       cfg.Outbox.Concurrency,
			BackoffInitial:    cfg.Outbox.BackoffInitial,
			BackoffMax:        cfg.Outbox.BackoffMax,
			BackoffMultiplier: cfg.Outbox.BackoffMultiplier,
		},
		cfg.App.Name,
		outbox.WithInstance(instance),
		outbox.WithGate(breaker.Allow),
		outbox.WithDeadLetterHook(func(ctx context.Context, m *outbox.Message) {
			logger.FromContext(ctx).Error().
				Str("outbox_id", m.ID).
				Str("message_type", m.Type).
				Str("aggregate_key", m.AggregateKey).
				Int("attempts", m.Attempts).
				Msg("Запись outbox исчерпала попытки, нужен разбор вручную")
		}),
	)

	// =========================================================================
	// Серверы
	// =========================================================================

	ready := healthcheck.Composite(
		store.check,
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
		brk.check,
	)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Service:        cfg.App.Name,
		Commands:       commands,
		Orders:         orders,
		DeadLetters:    store.outbox,
		MaxAttempts:    relay.Config().MaxAttempts,
		ReadinessCheck: httpapi.ReadinessChecker(ready),
		Debug:          cfg.IsDevelopment(),
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(middleware.ChainUnaryInterceptors(cfg.App.Name)...),
		grpc.ChainStreamInterceptor(middleware.ChainStreamInterceptors(cfg.App.Name)...),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPC.Addr()).Msg("Ошибка создания listener")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), cfg.App.Name,
			metrics.WithReadinessCheck(metrics.ReadinessChecker(ready)))
	}

	// =========================================================================
	// Запуск
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	goSafe(g, "relay", func() error {
		relay.Run(gctx)
		return nil
	})

	if cfg.Outbox.Retention > 0 {
		janitor := outbox.NewJanitor(store.outbox, cfg.Outbox.Retention, cfg.Outbox.CleanupInterval, cfg.App.Name)
		goSafe(g, "janitor", func() error {
			janitor.Run(gctx)
			return nil
		})
	}

	goSafe(g, "consumers", func() error {
		return client.Run(gctx)
	})

	goSafe(g, "http", func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP сервер запущен")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ошибка HTTP сервера: %w", err)
		}
		return nil
	})

	goSafe(g, "grpc", func() error {
		log.Info().Str("addr", grpcListener.Addr().String()).Msg("gRPC сервер запущен")
		return grpcServer.Serve(grpcListener)
	})

	goSafe(g, "health", func() error {
		watchHealth(gctx, healthServer, ready)
		return nil
	})

	if metricsServer != nil {
		goSafe(g, "metrics", metricsServer.Start)
	}

	// Ожидаем сигнал завершения или падение одного из компонентов
	<-gctx.Done()
	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}
	grpcServer.GracefulStop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Компонент сервиса завершился с ошибкой")
	}

	if err := brk.transport.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия транспорта")
	}
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}
	if err := store.close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия базы данных")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки tracing")
	}

	log.Info().Msg("Orders Service остановлен")
}

// goSafe запускает компонент в группе. Паника превращается в ошибку
// и останавливает остальные компоненты.
func goSafe(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("component", name).Interface("panic", r).Msg("Паника в компоненте сервиса")
				err = fmt.Errorf("паника в %s: %v", name, r)
			}
		}()
		return fn()
	})
}

// watchHealth периодически обновляет статус gRPC health по проверке готовности.
func watchHealth(ctx context.Context, hs *health.Server, check healthcheck.Check) {
	update := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err := check(checkCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
