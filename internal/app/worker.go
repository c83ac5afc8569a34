package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedcheck/internal/config"
	"github.com/hitoshi/feedcheck/internal/entry"
	"github.com/hitoshi/feedcheck/internal/fetch"
	"github.com/hitoshi/feedcheck/internal/fingerprint"
	"github.com/hitoshi/feedcheck/internal/handler"
	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/notify"
	"github.com/hitoshi/feedcheck/internal/repository"
	"github.com/hitoshi/feedcheck/internal/worker/beat"
	"github.com/hitoshi/feedcheck/internal/worker/check"
	"github.com/hitoshi/feedcheck/internal/worker/reaper"
)

// worker は配線済みのワーカー構成要素。
type worker struct {
	beat      *beat.Beat
	scheduler *check.Scheduler
	router    http.Handler
}

// openRedis はREDIS_URLが設定されていればRedisに接続する。未設定の場合はnilを返す。
func openRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// newWorker は全依存関係をワイヤリングする。
// rdbがnilの場合、実行中管理はプロセス内、放棄通知はログ出力になる。
func newWorker(cfg *config.Config, db *sql.DB, rdb *redis.Client, logger *slog.Logger) (*worker, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 2. リポジトリ
	feedRegistry := repository.NewPostgresFeedRegistry(db, cfg.CheckInterval)
	creationRepo := repository.NewPostgresCreationTaskRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)

	// 3. 実行中管理と放棄通知
	var (
		inflight check.InflightTracker
		notifier reaper.Notifier
	)
	if rdb != nil {
		inflight = check.NewRedisInflight(rdb, cfg.InflightLease)
		notifier = notify.NewRedisNotifier(rdb, notify.DefaultChannel)
	} else {
		inflight = check.NewMemoryInflight()
		notifier = notify.NewLogNotifier(logger)
	}

	// 4. チェックパイプライン
	fingerprinter, err := fingerprint.New(cfg.FingerprintAlgorithm)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewHTTPFetcher(fetch.SafeGuard{}, logger, collector, cfg.FetchTimeout, cfg.FetchMaxSize)
	store := entry.NewStore(entryRepo, logger, collector)
	updater := check.NewUpdater(fetcher, fingerprinter, feedRegistry, store, logger, collector, cfg.CheckInterval, cfg.FetchTimeout)

	selector := check.NewSelector(feedRegistry, inflight, logger, cfg.CheckInterval, cfg.SchedulerTickPeriod, cfg.RegistryPageSize)
	stager := check.NewStager(updater, inflight, logger, collector, cfg.FetchMaxConcurrent, cfg.DispatchRate, cfg.DispatchMaxPending)
	scheduler := check.NewScheduler(selector, stager, logger, collector)

	// 5. 作成タスクの回収と削除
	rp := reaper.NewReaper(creationRepo, notifier, logger, collector, cfg.CreationStalenessThreshold)
	purge := reaper.NewPurgeJob(db, logger, collector)
	purge.RetentionDays = cfg.CreationRetentionDays

	// 6. 周期タスク
	tasks := beat.NewRegistry()
	tasks.MustRegister(beat.TaskCheckFeed, scheduler.Tick)
	tasks.MustRegister(beat.TaskCleanFeedCreation, rp.RunOnce)
	tasks.MustRegister(beat.TaskPurgeFeedCreation, purge.Run)

	table := beat.DefaultTable(cfg.SchedulerTickPeriod, cfg.ReaperTickPeriod)
	if cfg.ScheduleFile != "" {
		overrides, err := beat.LoadTableFile(cfg.ScheduleFile)
		if err != nil {
			return nil, err
		}
		table = beat.MergeTable(table, overrides)
	}
	b, err := beat.New(tasks, table, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	// 7. 運用ルーター
	deps := &handler.RouterDeps{
		Logger:    logger,
		DB:        db,
		Metrics:   metrics.Handler(reg),
		Scheduler: scheduler,
		Beat:      b,
	}
	if r, ok := inflight.(handler.InflightReporter); ok {
		deps.Inflight = r
	}

	return &worker{
		beat:      b,
		scheduler: scheduler,
		router:    handler.NewRouter(deps),
	}, nil
}
