package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_caja/pkg/circuitbreaker"
	"github.com/fjod/go_caja/pkg/logger"
	"github.com/fjod/go_caja/pos-service/internal/archive"
	"github.com/fjod/go_caja/pos-service/internal/auth"
	"github.com/fjod/go_caja/pos-service/internal/cache"
	"github.com/fjod/go_caja/pos-service/internal/caja"
	"github.com/fjod/go_caja/pos-service/internal/clock"
	"github.com/fjod/go_caja/pos-service/internal/config"
	apphttp "github.com/fjod/go_caja/pos-service/internal/http"
	"github.com/fjod/go_caja/pos-service/internal/inventory"
	"github.com/fjod/go_caja/pos-service/internal/metrics"
	"github.com/fjod/go_caja/pos-service/internal/observability"
	"github.com/fjod/go_caja/pos-service/internal/publisher"
	"github.com/fjod/go_caja/pos-service/internal/repository"
	"github.com/fjod/go_caja/pos-service/internal/sale"
	"github.com/fjod/go_caja/pos-service/internal/scheduler"
	"github.com/fjod/go_caja/pos-service/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// cajaStore is what both the postgres and the in-memory repositories provide.
type cajaStore interface {
	caja.Repository
	publisher.OutboxRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.ServiceName, cfg.Development, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	zap.ReplaceGlobals(lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("pos-service stopped with error", zap.Error(err))
	}
	lg.Info("pos-service stopped")
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	_, shutdownTracing, err := observability.SetupTracingSDK(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: 1,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	clk := clock.NewSystem()

	// Stock: sqlite is the durable copy, the ledger is authoritative while running.
	stockRepo, err := repository.NewStockRepository(cfg.StockDBPath)
	if err != nil {
		return err
	}
	defer stockRepo.Close()
	if err := stockRepo.RunMigrations(cfg.StockMigrationsPath); err != nil {
		return err
	}
	ledger := inventory.NewLedger()
	rows, err := stockRepo.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, s := range rows {
		if err := ledger.SetStock(s.ProductID, s.Total, s.Kind, s.Minimum); err != nil {
			return fmt.Errorf("load stock %d: %w", s.ProductID, err)
		}
	}
	lg.Info("stock loaded", zap.Int("products", len(rows)))

	// Events: SSE hub always, Kafka when brokers are configured.
	hub := publisher.NewHub()
	outboxSink := publisher.Fanout{hub}
	stockSink := publisher.Fanout{hub}
	var kafkaAsync *publisher.Async
	if len(cfg.KafkaBrokers) > 0 {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("kafka"), lg)
		kp := publisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, breaker)
		defer kp.Close()
		kafkaAsync = publisher.NewAsync(kp, 4096, lg)
		outboxSink = append(outboxSink, kp)
		stockSink = append(stockSink, kafkaAsync)
		lg.Info("kafka publisher enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	mgr := inventory.NewManager(ledger,
		inventory.WithTTL(cfg.ReservationTTL),
		inventory.WithClock(clk),
		inventory.WithAdvisory(cfg.AdvisoryStock),
		inventory.WithPublisher(stockSink),
		inventory.WithRecorder(reg),
		inventory.WithLogger(lg),
	)
	tracker := session.NewTracker(mgr, clk, lg)

	var store cajaStore
	if cfg.DBHost != "" {
		creds := &repository.Credentials{
			Host:              cfg.DBHost,
			Port:              cfg.DBPortNumber(),
			User:              cfg.DBUser,
			Password:          cfg.DBPassword,
			DBName:            cfg.DBName,
			MigrationsDirPath: cfg.MigrationsPath,
		}
		pg, err := repository.NewRepository(ctx, creds)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(creds); err != nil {
			return err
		}
		lg.Info("database migrations completed")
		store = pg
	} else {
		lg.Warn("DB_HOST not set, caja state is kept in memory")
		store = repository.NewMemoryRepository()
	}

	authz, err := auth.NewStaticAuthorizer(cfg.AuthTokens)
	if err != nil {
		return err
	}
	if authz.Len() == 0 {
		lg.Warn("no operator tokens configured, every API call will be rejected")
	}

	opts := []caja.Option{
		caja.WithClock(clk),
		caja.WithPolicy(caja.Policy{
			OpenRoles:      cfg.OpenRoles,
			CloseRoles:     cfg.CloseRoles,
			CountRoles:     cfg.CountRoles,
			AuthorizeRoles: cfg.AuthorizeRoles,
			ResolveRoles:   cfg.ResolveRoles,
			VoidRoles:      cfg.VoidRoles,
		}),
		caja.WithLocation(cfg.Location()),
		caja.WithRecorder(reg),
		caja.WithLogger(lg),
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		opts = append(opts, caja.WithCache(cache.NewRedisCache(rc, cfg.Terminal)))
		lg.Info("redis snapshot cache enabled", zap.String("addr", cfg.RedisAddr))
	}
	if cfg.MongoURI != "" {
		db, err := archive.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName, archive.ConnectOptions{AppName: cfg.ServiceName})
		if err != nil {
			return err
		}
		defer func() { _ = db.Client().Disconnect(context.Background()) }()
		arch := archive.NewMongoArchive(db)
		if err := arch.CreateIndexes(ctx); err != nil {
			return err
		}
		opts = append(opts, caja.WithArchiver(arch))
		lg.Info("closed caja archive enabled", zap.String("db", cfg.MongoDBName))
	}
	cajas := caja.NewService(store, authz, opts...)
	sales := sale.NewService(mgr, ledger, tracker, cajas, stockRepo, reg, lg)

	poller := publisher.NewOutboxPoller(store, outboxSink, cfg.OutboxInterval, lg).WithRecorder(reg)

	hour, minute, _ := cfg.AutoCloseClock()
	if cfg.AutoCloseAt == "" {
		hour = -1
	}
	sched := scheduler.New(scheduler.Config{
		SweepInterval:     cfg.SweepInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		AutoCloseHour:     hour,
		AutoCloseMinute:   minute,
		Location:          cfg.Location(),
	}, mgr, tracker, cajas, clk, lg)
	sched.OnTick(func() {
		reg.SetReservationState(tracker.Count(), mgr.Stats().ReservedUnits)
	})

	httpSrv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: apphttp.NewRouter(apphttp.Deps{
			Sales:   sales,
			Cajas:   cajas,
			Auth:    authz,
			Events:  hub,
			Metrics: reg.Handler(),
			Log:     lg,
			Timeout: cfg.RequestTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("http server listening", zap.String("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("grpc health server listening", zap.String("port", cfg.GRPCPort))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	if kafkaAsync != nil {
		g.Go(func() error {
			kafkaAsync.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		healthSrv.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}
