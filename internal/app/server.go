// Package app wires the inventory runtime and its HTTP and gRPC lifecycles.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/inventory-ledger/internal/adapter/handler"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/aggregate"
	"github.com/rl1809/inventory-ledger/internal/core/ledger"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/platform/config"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is read from INVENTORY_* environment variables.
type Config struct {
	HTTPAddr    string `env:"INVENTORY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"INVENTORY_GRPC_ADDR" envDefault:":50051"`
	StoreDriver string `env:"INVENTORY_STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"INVENTORY_SQLITE_PATH" envDefault:"data/inventory.db"`
	MySQLDSN    string `env:"INVENTORY_MYSQL_DSN"`
	// RedisAddr enables the Redis cache; empty keeps idempotency keys and
	// mirrored aggregates in memory.
	RedisAddr            string        `env:"INVENTORY_REDIS_ADDR"`
	MirrorWorkers        int           `env:"INVENTORY_MIRROR_WORKERS" envDefault:"4"`
	MirrorQueueSize      int           `env:"INVENTORY_MIRROR_QUEUE_SIZE" envDefault:"1024"`
	LockTimeout          time.Duration `env:"INVENTORY_LOCK_TIMEOUT" envDefault:"2s"`
	SubscriberQueueLimit int           `env:"INVENTORY_SUBSCRIBER_QUEUE_LIMIT" envDefault:"4096"`
	ShutdownTimeout      time.Duration `env:"INVENTORY_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	OTelEndpoint         string        `env:"INVENTORY_OTEL_ENDPOINT"`
	OTelEnabled          bool          `env:"INVENTORY_OTEL_ENABLED" envDefault:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// App hosts the inventory HTTP and gRPC APIs over one ledger.
type App struct {
	cfg    Config
	logger *log.Logger

	inventory  *service.InventoryService
	mirror     *service.AggregateMirror
	mirrorWait func()

	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server

	closers   []func() error
	closeOnce sync.Once
}

// New opens the configured backends and binds both listeners.
func New(ctx context.Context, cfg Config, logger *log.Logger) (_ *App, err error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	a.mirror = service.NewAggregateMirror(cfg.MirrorWorkers, cfg.MirrorQueueSize, logger)
	store := ledger.NewStore(repo, ledger.Options{LockTimeout: cfg.LockTimeout, Logger: logger})
	agg := aggregate.New(store, logger, aggregate.WithSink(a.mirror))
	store.Attach(agg)
	a.mirrorWait = a.mirror.Run(cache)
	a.inventory = service.NewInventoryService(store, agg, service.Options{
		Cache:          cache,
		ViewQueueLimit: cfg.SubscriberQueueLimit,
		Logger:         logger,
	})

	if a.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	if a.httpListener, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	a.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	handler.RegisterLedgerServiceServer(a.grpcServer, handler.NewGRPCHandler(a.inventory, logger))
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)
	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(handler.LedgerServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	mux := http.NewServeMux()
	handler.NewHTTPHandler(a.inventory).Register(mux)
	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger,
	}
	return a, nil
}

func (a *App) Inventory() *service.InventoryService { return a.inventory }

func (a *App) HTTPAddr() string { return listenerAddr(a.httpListener) }

func (a *App) GRPCAddr() string { return listenerAddr(a.grpcListener) }

// Serve runs both servers until ctx is cancelled or one of them fails, then
// shuts everything down and drains the aggregate mirror.
func (a *App) Serve(ctx context.Context) error {
	defer a.Close()

	serveErr := make(chan error, 2)
	go func() {
		a.logger.Printf("gRPC server listening on %s", a.GRPCAddr())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()
	go func() {
		a.logger.Printf("HTTP server listening on %s", a.HTTPAddr())
		if err := a.httpServer.Serve(a.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	a.logger.Println("shutting down...")
	a.shutdown()
	return err
}

func (a *App) shutdown() {
	a.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Printf("HTTP shutdown: %v", err)
	}
	a.logger.Println("HTTP server stopped")

	// Live view streams never finish on their own.
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		a.grpcServer.Stop()
		<-stopped
	}
	a.logger.Println("gRPC server stopped")
}

// Close releases every resource. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	if a.httpServer != nil {
		_ = a.httpServer.Close()
	}
	for _, l := range []net.Listener{a.grpcListener, a.httpListener} {
		if l != nil {
			_ = l.Close()
		}
	}
	if a.mirror != nil {
		a.mirror.Close()
		if a.mirrorWait != nil {
			a.mirrorWait()
		}
		a.logger.Println("mirror workers stopped")
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Printf("close: %v", err)
		}
	}
}

func (a *App) openRepository(ctx context.Context) (port.LedgerRepository, error) {
	switch strings.ToLower(strings.TrimSpace(a.cfg.StoreDriver)) {
	case DriverMemory:
		return storage.NewMemoryAdapter(), nil
	case DriverSQLite, "":
		if dir := filepath.Dir(a.cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		repo, err := storage.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.logger.Printf("opened sqlite ledger at %s", a.cfg.SQLitePath)
		return repo, nil
	case DriverMySQL:
		return a.openMySQL(ctx)
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
}

func (a *App) openMySQL(ctx context.Context) (port.LedgerRepository, error) {
	if a.cfg.MySQLDSN == "" {
		return nil, errors.New("INVENTORY_MYSQL_DSN is required for the mysql driver")
	}
	if _, err := mysql.ParseDSN(a.cfg.MySQLDSN); err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", a.cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	repo := storage.NewMySQLAdapter(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.logger.Println("connected to mysql")
	return repo, nil
}

func (a *App) openCache(ctx context.Context) (port.CacheRepository, error) {
	if a.cfg.RedisAddr == "" {
		return storage.NewMemoryCache(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		PoolSize: 100,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.logger.Println("connected to redis")
	return storage.NewRedisAdapter(rdb), nil
}

func listenerAddr(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}
