package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/minerp/internal/acceptance"
	"github.com/odyssey-erp/minerp/internal/api"
	"github.com/odyssey-erp/minerp/internal/exchange"
	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/ledger/memstore"
	"github.com/odyssey-erp/minerp/internal/ledger/pgstore"
	"github.com/odyssey-erp/minerp/internal/matching"
	"github.com/odyssey-erp/minerp/internal/observability"
	"github.com/odyssey-erp/minerp/internal/payables"
	"github.com/odyssey-erp/minerp/internal/platform/blob"
	"github.com/odyssey-erp/minerp/internal/platform/cache"
	"github.com/odyssey-erp/minerp/internal/platform/db"
	"github.com/odyssey-erp/minerp/internal/runner"
	"github.com/odyssey-erp/minerp/internal/shared"
	"github.com/odyssey-erp/minerp/jobs"
)

type auditStore interface {
	payables.AuditPort
	exchange.AuditSource
}

// Runtime holds the wired services of one process.
type Runtime struct {
	Config     *Config
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Ledger     ledger.Store
	Receipts   *acceptance.Service
	Matcher    *matching.Service
	Payables   *payables.Service
	Exchange   *exchange.Service
	Runner     *runner.Runner
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	JobClient  *jobs.Client
	Inspector  *asynq.Inspector
	dispatcher *runner.LocalDispatcher
}

// Build connects the configured drivers and wires the services. In test mode every driver
// is replaced by its in-process counterpart.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if InTestMode() {
		copied := *cfg
		copied.StorageDriver = DriverMemory
		copied.LockDriver = DriverLocal
		copied.JobStore = DriverMemory
		copied.JobDispatch = DriverLocal
		copied.BlobDriver = DriverLocal
		cfg = &copied
	}

	rt := &Runtime{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	var (
		audit     auditStore
		approvals payables.ApprovalPort
		idem      payables.IdempotencyPort
		locks     shared.Locker
	)
	switch cfg.StorageDriver {
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.Pool = pool
		rt.Ledger = pgstore.New(pool)
		audit = shared.NewAuditLogger(pool)
		approvals = shared.NewApprovalRecorder(pool, logger)
		idem = shared.NewIdempotencyStore(pool)
	default:
		rt.Ledger = memstore.New()
		audit = shared.NewMemoryAuditLog()
		approvals = shared.NewMemoryApprovals()
		idem = shared.NewMemoryIdempotency()
	}

	if cfg.UsesRedis() {
		client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Redis = client
	}

	if cfg.LockDriver == DriverRedis {
		locks = shared.NewRedisLocker(redislock.New(rt.Redis), cfg.LockTTL)
	} else {
		locks = shared.NewKeyedMutex()
	}

	var blobs blob.Store
	if cfg.BlobDriver == DriverMinio {
		blobs, err = blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	} else {
		blobs, err = blob.NewLocalStore(cfg.BlobDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	var jobStore runner.Store = runner.NewMemoryStore()
	if cfg.JobStore == DriverRedis {
		jobStore = runner.NewRedisStore(rt.Redis, cfg.JobTTL)
	}

	var dispatcher runner.Dispatcher
	if cfg.JobDispatch == DriverAsynq {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			return nil, fmt.Errorf("asynq client: %w", err)
		}
		rt.JobClient = client
		rt.Inspector = asynq.NewInspector(redisOpts)
		dispatcher = jobs.NewAsynqDispatcher(client)
	} else {
		rt.dispatcher = runner.NewLocalDispatcher(context.WithoutCancel(ctx), logger)
		dispatcher = rt.dispatcher
	}

	rt.Receipts = acceptance.NewService(rt.Ledger, locks, audit, logger)
	rt.Matcher = matching.NewService(rt.Ledger, locks, audit, logger).WithDefaultTolerance(cfg.MatchTolerancePct)
	rt.Payables = payables.NewService(rt.Ledger, locks, audit, approvals, idem, logger)
	rt.Exchange = exchange.NewService(rt.Ledger, blobs, rt.Payables, audit, rt.Payables, logger)
	rt.Runner = runner.New(jobStore, dispatcher, rt.Metrics.Jobs(), logger)
	rt.Exchange.Register(rt.Runner)
	return rt, nil
}

// Handler builds the HTTP router over the runtime services.
func (rt *Runtime) Handler() http.Handler {
	apiHandler := api.NewHandler(api.Deps{
		Logger:   rt.Logger,
		Receipts: rt.Receipts,
		Matcher:  rt.Matcher,
		Invoices: rt.Payables,
		Jobs:     rt.Runner,
		Params:   rt.Exchange,
	})
	return NewRouter(RouterParams{
		Logger:     rt.Logger,
		Config:     rt.Config,
		API:        apiHandler,
		JobHandler: jobs.NewHandler(rt.Inspector, rt.Logger),
		Metrics:    rt.Metrics,
		Checks:     rt.HealthChecks(),
	})
}

// HealthChecks returns probes for the connected backing services.
func (rt *Runtime) HealthChecks() map[string]HealthCheck {
	checks := map[string]HealthCheck{}
	if rt.Pool != nil {
		checks["postgres"] = rt.Pool.Ping
	}
	if rt.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
	}
	return checks
}

// RunOverdueSweep refreshes overdue invoices every OVERDUE_SWEEP_INTERVAL until ctx ends. The
// asynq worker schedules the same sweep by cron, so this only runs under JOB_DISPATCH=local.
func (rt *Runtime) RunOverdueSweep(ctx context.Context) {
	if rt.Config.JobDispatch != DriverLocal {
		return
	}
	sweep := &jobs.OverdueSweepJob{Sweeper: rt.Payables, Logger: rt.Logger, Metrics: rt.Metrics.Jobs()}
	sweep.RunEvery(ctx, rt.Config.OverdueSweepInterval)
}

// Close waits for in-process jobs and releases connections.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.dispatcher != nil {
		rt.dispatcher.Wait()
	}
	if rt.JobClient != nil {
		if err := rt.JobClient.Close(); err != nil {
			rt.Logger.Warn("close asynq client", slog.Any("error", err))
		}
	}
	if rt.Inspector != nil {
		_ = rt.Inspector.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
