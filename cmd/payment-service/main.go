package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"

	"github.com/dmehra2102/payment-orchestrator/internal/config"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/application"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
	paymentgrpc "github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/grpc"
	paymenthttp "github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/http"
	paymentkafka "github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/kafka"
	pg "github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/processor"
	"github.com/dmehra2102/payment-orchestrator/pkg/idempotency"
	"github.com/dmehra2102/payment-orchestrator/pkg/logging"
	"github.com/dmehra2102/payment-orchestrator/pkg/outbox"
	"github.com/dmehra2102/payment-orchestrator/pkg/shutdown"
	"github.com/dmehra2102/payment-orchestrator/pkg/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// cardLimit is the single-authorization ceiling of the simulated network.
const cardLimit = 1_000_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("payment-service stopped", "err", err)
		os.Exit(1)
	}
	log.Info("payment-service shutdown")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPURL, log)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
	mp, metricsReader := tracing.InitMetrics(cfg.ServiceName)
	defer func() { _ = mp.Shutdown(context.WithoutCancel(ctx)) }()

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	redisDB := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisDB.Close()

	registry, err := buildRegistry(ctx, cfg, log, redisDB)
	if err != nil {
		return err
	}

	repo := pg.NewRepository(log, pool)
	svc := application.NewService(log, repo, registry,
		application.WithAttemptTimeout(cfg.AttemptTimeout),
		application.WithStaleGrace(cfg.StaleGrace),
	)

	// Outbox relay for payment events
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaAddr),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutTopic)
	relay := outbox.NewRelay(log, pg.NewOutboxStore(log, pool, cfg.OutboxRetries), dispatch, cfg.ServiceName+"-relay")

	idem := idempotency.NewStore(redisDB, cfg.ConsumerGroup, cfg.IdempotencyTTL)
	reader := paymentkafka.NewReader([]string{cfg.KafkaAddr}, cfg.InTopic, cfg.ConsumerGroup)
	consumer := paymentkafka.NewConsumer(log, reader, svc, idem)

	handler := paymenthttp.NewHandler(log, svc, paymenthttp.WithMetrics(metricsReader))
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Routes()}
	grpcSrv := paymentgrpc.NewServer(log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return svc.RunReaper(gctx, cfg.ReaperInterval) })
	g.Go(func() error { return paymentgrpc.Run(gctx, cfg.GRPCAddr, grpcSrv) })
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGrace)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

func buildRegistry(ctx context.Context, cfg config.Config, log *slog.Logger, rdb *redis.Client) (*processor.Registry, error) {
	var points processor.PointsLedger
	switch cfg.PointsBackend {
	case config.PointsRedis:
		rp := gateway.NewRedisPoints(log, rdb)
		for member, bal := range cfg.SeedPoints {
			if err := rp.Seed(ctx, member, bal); err != nil {
				return nil, err
			}
		}
		points = rp
	default:
		mp := gateway.NewPoints(log)
		for member, bal := range cfg.SeedPoints {
			mp.Seed(member, bal)
		}
		points = mp
	}

	cardFaults := gateway.AmountLimit(cardLimit, "limit exceeded")
	if cfg.CardFaultRate > 0 {
		rng := rand.New(rand.NewPCG(cfg.CardFaultSeed, cfg.CardFaultSeed))
		cardFaults = gateway.Compose(cardFaults, gateway.Random(cfg.CardFaultRate, rng, gateway.OpAuthorize))
	}

	metrics, err := processor.NewMetrics(otel.Meter("payment-processor"))
	if err != nil {
		return nil, err
	}
	decorate := func(p processor.Processor) processor.Processor {
		return processor.Chain(p,
			processor.WithLogging(log),
			metrics.Middleware(),
			processor.WithTracing(otel.Tracer("payment-processor")),
			processor.WithTimeout(cfg.LegTimeout),
		)
	}

	return processor.NewRegistry(
		decorate(processor.NewCard(gateway.NewCardNetwork(log, gateway.WithFaults(cardFaults)))),
		decorate(processor.NewPoints(points)),
		decorate(processor.NewCoupon(gateway.NewCoupons(log, gateway.DefaultCoupons()))),
		decorate(processor.NewDeferred(gateway.NewCreditLine(log, gateway.FixedScore(700)))),
	)
}
