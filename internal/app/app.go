// Package app assembles the shared dependencies of the api and worker processes.
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"practice-ops/internal/alerts"
	"practice-ops/internal/api"
	"practice-ops/internal/config"
	"practice-ops/internal/delivery"
	"practice-ops/internal/email"
	"practice-ops/internal/health"
	"practice-ops/internal/notify"
	"practice-ops/internal/queue"
	"practice-ops/internal/reclaim"
	"practice-ops/internal/scheduler"
	"practice-ops/internal/signal"
	"practice-ops/internal/storage"
	"practice-ops/internal/store"
	"practice-ops/internal/store/memstore"
	"practice-ops/internal/webhook"
	"practice-ops/internal/worker"
)

// Backend is every repository method the handlers and the API need. Both
// *store.Store and *memstore.Store satisfy it.
type Backend interface {
	scheduler.JobStore
	worker.JobStore
	worker.AuditStore
	delivery.Store
	webhook.Store
	reclaim.Store
	alerts.Store
	health.KanbanSource
	health.QueueSource
	health.SnapshotStore
	notify.Store
	api.JobStore
	api.AlertReader
	api.SnapshotReader
	Close()
}

// Stack holds the long-lived clients for one process.
type Stack struct {
	Cfg      config.Config
	Log      *zap.SugaredLogger
	Store    Backend
	Redis    *redis.Client
	Queue    *queue.RedisQueue
	Enqueuer *scheduler.Enqueuer
	Alerts   *alerts.Engine
	Board    *signal.Board
}

// Open connects the store selected by cfg.StoreDriver and the Redis queue.
func Open(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Stack, error) {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	client := queue.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
	}
	q := queue.NewRedisQueue(client, cfg)
	enq := scheduler.NewEnqueuer(st, q, cfg, log)
	var emails notify.EmailQueue
	if cfg.EmailEnabled() {
		emails = enq
	} else {
		log.Infow("EMAIL_ENDPOINT not set; alert notifications are in-app only")
	}
	notifier := notify.NewAlertNotifier(st, notify.NewDispatcher(st, emails, log), cfg.NotifyActionBaseURL)

	return &Stack{
		Cfg:      cfg,
		Log:      log,
		Store:    st,
		Redis:    client,
		Queue:    q,
		Enqueuer: enq,
		Alerts:   alerts.NewEngine(st, notifier, cfg.NotifyInterval, log),
		Board:    signal.NewBoard(client, signal.DefaultTTL),
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (Backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warnw("using in-memory store; data is lost on exit")
		return memstore.New(), nil
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, errors.Wrap(err, "migrations")
		}
		return st, nil
	default:
		return nil, errors.Newf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func (s *Stack) Close() {
	s.Store.Close()
	_ = s.Redis.Close()
}

// Handlers builds every job handler. Reclamation is only registered when an S3
// bucket is configured; email goes to the HTTP provider only when an endpoint is set.
func (s *Stack) Handlers(ctx context.Context) (worker.Handlers, error) {
	var provider email.Provider = email.NewLogProvider(s.Log)
	if s.Cfg.EmailEnabled() {
		provider = email.NewHTTPProvider(s.Cfg.EmailEndpoint, s.Cfg.EmailAPIKey, s.Cfg.EmailFrom, &http.Client{Timeout: 30 * time.Second})
	}

	var reclaimer *reclaim.Handler
	if s.Cfg.S3Bucket != "" {
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Bucket:    s.Cfg.S3Bucket,
			Region:    s.Cfg.S3Region,
			Endpoint:  s.Cfg.S3Endpoint,
			PathStyle: s.Cfg.S3PathStyle,
		})
		if err != nil {
			return worker.Handlers{}, err
		}
		reclaimer = reclaim.NewHandler(s.Store, storage.NewS3Store(client, s.Cfg.S3Bucket), s.Log)
	} else {
		s.Log.Warnw("S3_BUCKET not set; upload-intent reclamation is disabled")
	}

	guard := webhook.NewURLGuard(net.DefaultResolver, s.Cfg.WebhookAllowPrivate)
	snapshots := health.NewEngine(health.Sources{
		Kanban:    s.Store,
		Queue:     s.Store,
		Depth:     s.Queue,
		Signal:    s.Board,
		Snapshots: s.Store,
	}, s.Log)

	return worker.Handlers{
		Email: delivery.NewHandler(delivery.NewLedger(s.Store, s.Cfg.EmailPendingLease), provider, s.Log),
		Audit: worker.NewAuditHandler(s.Store, s.Log),
		Webhook: webhook.NewHandler(s.Store, guard, webhook.NewSafeClient(guard), webhook.Options{
			Timeout:      s.Cfg.WebhookTimeout,
			MaxBodyBytes: s.Cfg.WebhookMaxBodyBytes,
		}, s.Log),
		Reclaim: reclaimer,
		Health:  health.NewHandler(snapshots, s.Alerts, s.Cfg.Thresholds, s.Log),
	}, nil
}

// APIDeps wires the HTTP server to this stack.
func (s *Stack) APIDeps(limiter api.Limiter) api.Deps {
	return api.Deps{
		Jobs:      s.Store,
		Enqueuer:  s.Enqueuer,
		Queue:     s.Queue,
		Limiter:   limiter,
		Alerts:    s.Store,
		Actions:   s.Alerts,
		Snapshots: s.Store,
		Board:     s.Board,
	}
}
