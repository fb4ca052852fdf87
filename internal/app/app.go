// Package app wires configuration into the adapters and services shared by
// the API and worker processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/grpc"

	"github.com/rl1809/stockflow/internal/adapter/auth"
	"github.com/rl1809/stockflow/internal/adapter/discovery"
	"github.com/rl1809/stockflow/internal/adapter/handler"
	"github.com/rl1809/stockflow/internal/adapter/pubsub"
	"github.com/rl1809/stockflow/internal/adapter/queue"
	"github.com/rl1809/stockflow/internal/adapter/storage"
	"github.com/rl1809/stockflow/internal/config"
	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/core/service"
	"github.com/rl1809/stockflow/internal/port"
)

const (
	serviceName     = "stockflow"
	shutdownTimeout = 5 * time.Second
	mongoCollection = "audit_logs"
)

var ErrDurableQueueRequired = errors.New("a standalone worker needs REDIS_ADDR")

type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	primary *storage.SQLAdapter
	replica *storage.SQLAdapter
	rdb     *redis.Client
	mongo   *mongo.Client
	kafka   *pubsub.KafkaSink
	events  *pubsub.RedisPubSub

	memQueue    *queue.MemoryQueue
	limiter     port.RateLimiter
	auth        port.Authenticator
	broadcaster *service.Broadcaster

	Stock  *service.StockService
	Query  *service.InventoryQueryService
	Audit  *service.AuditService
	Worker *service.StockWorker
}

// New connects every backend named in cfg. Backends left unset fall back to
// in-process implementations suitable for a single node.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, broadcaster: service.NewBroadcaster(logger)}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	db, err := storage.Open(ctx, cfg.DBDriver, cfg.DBURI)
	if err != nil {
		return nil, fmt.Errorf("connect primary: %w", err)
	}
	if a.primary, err = storage.NewSQLAdapter(db); err != nil {
		a.primary = nil
		db.Close()
		return nil, err
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to primary database")

	a.replica = a.primary
	if dsn := cfg.ReplicaDSN(); dsn != cfg.DBURI {
		replicaDB, err := storage.Open(ctx, cfg.DBDriver, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect replica: %w", err)
		}
		if a.replica, err = storage.NewSQLAdapter(replicaDB); err != nil {
			a.replica = nil
			replicaDB.Close()
			return nil, err
		}
		logger.Info().Msg("connected to read replica")
	}

	var (
		tasks       port.TaskQueue
		deadLetters port.DeadLetterStore
		cache       port.CacheStore
		publisher   service.MultiPublisher
	)

	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 100,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

		redisQueue := queue.NewRedisQueue(a.rdb, cfg.QueuePartitions)
		redisAdapter := storage.NewRedisAdapter(a.rdb)
		a.events = pubsub.NewRedisPubSub(a.rdb, pubsub.DefaultChannel, logger)

		tasks, deadLetters = redisQueue, redisQueue
		cache, a.limiter = redisAdapter, redisAdapter
		publisher = append(publisher, a.events)
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-memory queue and cache")
		a.memQueue = queue.NewMemoryQueue(cfg.QueuePartitions, cfg.QueueCapacity)

		tasks, deadLetters = a.memQueue, a.memQueue
		cache, a.limiter = storage.NewMemoryCache(), storage.NewMemoryRateLimiter()
		publisher = append(publisher, a.broadcaster)
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = pubsub.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = append(publisher, a.kafka)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("exporting events to kafka")
	}

	var audit port.AuditRepository = a.primary
	if cfg.AuditBackend == "mongo" {
		var err error
		a.mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := a.mongo.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		audit = storage.NewMongoAuditStore(a.mongo.Database(cfg.MongoDB).Collection(mongoCollection))
		logger.Info().Str("db", cfg.MongoDB).Msg("audit trail stored in mongo")
	}

	a.auth = auth.NewPasswordAuthenticator(a.primary)
	a.Stock = service.NewStockService(a.primary, tasks, deadLetters, logger)
	a.Query = service.NewInventoryQueryService(a.primary, a.replica, service.NewReadCache(cache, logger), cfg.CacheTTL, logger)
	a.Audit = service.NewAuditService(audit)
	a.Worker = service.NewStockWorker(tasks, a.primary, audit, publisher, deadLetters, service.WorkerConfig{
		MaxAttempts:   cfg.WorkerAttempts,
		Backoff:       cfg.WorkerBackoff,
		TaskTimeout:   cfg.TaskTimeout,
		AuditAttempts: cfg.WorkerAttempts,
		Policy:        cfg.Policy(),
	}, logger)

	ready = true
	return a, nil
}

// Primary exposes the write-side database for administrative commands.
func (a *App) Primary() *storage.SQLAdapter {
	return a.primary
}

func (a *App) Broadcaster() *service.Broadcaster {
	return a.broadcaster
}

// Migrate applies the schema to the primary and, when it is a separate
// database, the replica.
func (a *App) Migrate(ctx context.Context, seed bool) error {
	if err := a.primary.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate primary: %w", err)
	}
	if a.replica != a.primary {
		if err := a.replica.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate replica: %w", err)
		}
	}
	if seed {
		if err := a.primary.Seed(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}

func (a *App) AddUser(ctx context.Context, username, password string, admin bool) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return a.primary.CreateUser(ctx, &domain.User{
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      admin,
		CreatedAt:    time.Now().UTC(),
	})
}

// Router builds the HTTP surface: public health and observer endpoints plus
// the authenticated API. Every route is rate limited, before authentication
// rejects anything.
func (a *App) Router() http.Handler {
	rules, _ := a.cfg.RateRules()
	proxies, _ := a.cfg.ProxyPrefixes()

	httpHandler := handler.NewHTTPHandler(a.Stock, a.Query, a.Audit, a.logger)
	wsHandler := handler.NewWSHandler(a.broadcaster, a.logger)

	r := mux.NewRouter()
	r.Use(
		handler.RealIP(proxies),
		handler.RequestLogger(a.logger),
		handler.Identify(a.auth, a.logger),
		handler.RateLimit(a.limiter, rules, a.logger),
	)
	r.Handle("/ws", wsHandler)

	protected := r.NewRoute().Subrouter()
	protected.Use(handler.RequireUser())

	httpHandler.RegisterRoutes(r, protected)

	return cors.New(cors.Options{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)
}

func (a *App) GRPCServer() *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(handler.UnaryAuthInterceptor(a.auth)),
		grpc.ChainStreamInterceptor(handler.StreamAuthInterceptor(a.auth)),
	)
	handler.RegisterStockServiceServer(s, handler.NewGRPCHandler(a.Stock, a.Query, a.broadcaster, a.logger))
	return s
}

// StartWorker runs the worker pool in the background. The returned stop
// drains an in-memory queue before returning; a durable queue keeps its
// backlog for the next worker.
func (a *App) StartWorker() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Worker.Run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if a.memQueue != nil {
				a.memQueue.Close()
			} else {
				cancel()
			}
			<-done
			cancel()
		})
	}
}

// RunWorker consumes the durable queue until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	if a.memQueue != nil {
		return ErrDurableQueueRequired
	}
	stop := a.StartWorker()
	<-ctx.Done()
	a.logger.Info().Msg("shutting down worker...")
	stop()
	return nil
}

// Serve runs the HTTP and gRPC servers until ctx is cancelled or a server
// fails, then shuts down in order: listeners, worker, fan-out. The in-memory
// queue has no other consumer, so it always runs the worker in-process.
func (a *App) Serve(ctx context.Context, withWorker bool) error {
	if a.memQueue != nil && !withWorker {
		a.logger.Warn().Msg("in-memory queue selected, starting workers in this process")
		withWorker = true
	}

	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	httpServer := &http.Server{Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}
	grpcServer := a.GRPCServer()
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		a.logger.Info().Str("addr", a.cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	fanoutCtx, stopFanout := context.WithCancel(context.Background())
	defer stopFanout()
	if a.events != nil {
		go a.forwardEvents(fanoutCtx)
	}

	stopWorker := func() {}
	if withWorker {
		stopWorker = a.StartWorker()
	}

	deregister := a.register()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		a.logger.Error().Err(err).Msg("server failed")
	}

	a.logger.Info().Msg("shutting down...")
	deregister()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	a.logger.Info().Msg("HTTP server stopped")

	stopGRPC(grpcServer, shutdownTimeout)
	a.logger.Info().Msg("gRPC server stopped")

	stopWorker()
	if withWorker {
		a.logger.Info().Msg("workers stopped")
	}

	return err
}

// stopGRPC waits for in-flight RPCs, then cuts long-lived watch streams.
func stopGRPC(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Stop()
		<-done
	}
}

// forwardEvents relays events published by any worker process to this
// process's observers, resubscribing after Redis errors.
func (a *App) forwardEvents(ctx context.Context) {
	for ctx.Err() == nil {
		if err := a.events.Forward(ctx, a.broadcaster, nil); err != nil {
			a.logger.Warn().Err(err).Msg("event subscription lost, retrying")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (a *App) register() (deregister func()) {
	if a.cfg.ConsulAddr == "" {
		return func() {}
	}

	client, err := discovery.NewConsulClient(a.cfg.ConsulAddr)
	if err != nil {
		a.logger.Warn().Err(err).Msg("service registration skipped")
		return func() {}
	}

	id := a.cfg.ServiceID
	if id == "" {
		id = serviceName + "-" + uuid.New().String()
	}
	reg, err := discovery.Registration(id, serviceName, a.cfg.ServiceHost, a.cfg.HTTPAddr)
	if err != nil {
		a.logger.Warn().Err(err).Msg("service registration skipped")
		return func() {}
	}
	if err := client.Register(reg); err != nil {
		a.logger.Warn().Err(err).Msg("service registration failed")
		return func() {}
	}
	a.logger.Info().Str("service_id", id).Msg("registered with consul")

	return func() {
		if err := client.Deregister(id); err != nil {
			a.logger.Warn().Err(err).Msg("consul deregistration failed")
		}
	}
}

// Close releases every backend connection. It is safe on a partially built App.
func (a *App) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close kafka writer")
		}
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		a.mongo.Disconnect(ctx)
		cancel()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.replica != nil && a.replica != a.primary {
		a.replica.DB().Close()
	}
	if a.primary != nil {
		a.primary.DB().Close()
	}
	a.logger.Info().Msg("connections closed")
}
