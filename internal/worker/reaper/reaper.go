// Package reaper はフィード作成タスクの回収ジョブを提供する。
// 作成パイプラインが異常終了などで放置したPendingタスクをAbandonedに遷移させ、
// 保持期間を過ぎた終端状態のタスクを削除する。
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/model"
	"github.com/hitoshi/feedcheck/internal/repository"
)

const (
	// DefaultStalenessThreshold は作成タスクを放置とみなすまでの既定時間。
	DefaultStalenessThreshold = 10 * time.Minute
	// DefaultPageSize はPendingタスク走査の1ページあたりの既定件数。
	DefaultPageSize = 500
)

// Notifier は作成タスクの放棄をユーザー側へ通知するインターフェース。
type Notifier interface {
	NotifyCreationAbandoned(ctx context.Context, taskID string) error
}

// Reaper は閾値を超えて進捗のないPendingタスクをAbandonedに遷移させる。
type Reaper struct {
	repo      repository.CreationTaskRepository
	notifier  Notifier
	logger    *slog.Logger
	metrics   metrics.Recorder
	threshold time.Duration
	pageSize  int
	now       func() time.Time
}

// NewReaper はReaperを生成する。
// thresholdが0以下の場合はDefaultStalenessThresholdを使用する。
func NewReaper(
	repo repository.CreationTaskRepository,
	notifier Notifier,
	logger *slog.Logger,
	recorder metrics.Recorder,
	threshold time.Duration,
) *Reaper {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return &Reaper{
		repo:      repo,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics.OrNop(recorder),
		threshold: threshold,
		pageSize:  DefaultPageSize,
		now:       time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）。
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// SetPageSize は走査の1ページあたりの件数を設定する。
func (r *Reaper) SetPageSize(n int) {
	if n > 0 {
		r.pageSize = n
	}
}

// RunOnce はPendingタスクを走査し、放置されたタスクをAbandonedに遷移させる。
// 終端状態の判定を放置判定より先に行うため、終端状態のタスクには何もしない。
// 遷移は条件付き更新で行い、作成パイプラインが先に完了させた場合や
// 再実行時には遷移も通知も発生しない。
// 走査に失敗した場合はそのティックを中断する。それまでに遷移したタスクは
// 確定済みのまま残り、次のティックで残りが処理される。
func (r *Reaper) RunOnce(ctx context.Context) error {
	start := r.now()
	now := start

	var scanned, abandoned int
	afterID := ""

	for {
		tasks, err := r.repo.ListPending(ctx, afterID, r.pageSize)
		if err != nil {
			r.logger.Error("作成タスクの走査に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %w", model.ErrReaperScan, err)
		}

		for _, task := range tasks {
			scanned++
			if r.reap(ctx, task, now) {
				abandoned++
			}
		}

		if len(tasks) < r.pageSize {
			break
		}
		afterID = tasks[len(tasks)-1].ID
	}

	r.logger.Info("作成タスク回収ジョブが完了しました",
		slog.Int("scanned_count", scanned),
		slog.Int("abandoned_count", abandoned),
		slog.Duration("threshold", r.threshold),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Milliseconds())),
	)
	return nil
}

// reap は1件のタスクを判定し、放置されていればAbandonedに遷移させる。
// 遷移した場合にtrueを返す。
func (r *Reaper) reap(ctx context.Context, task *model.CreationTask, now time.Time) bool {
	if task.Status.IsTerminal() {
		return false
	}
	if !task.IsStale(now, r.threshold) {
		return false
	}

	transitioned, err := r.repo.MarkAbandoned(ctx, task.ID, now)
	if err != nil {
		r.logger.Error("作成タスクの放棄に失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !transitioned {
		r.logger.Debug("作成タスクは既に終端状態です",
			slog.String("task_id", task.ID),
		)
		return false
	}

	r.metrics.RecordAbandoned()
	r.logger.Warn("放置された作成タスクを放棄しました",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("feed_url", task.FeedURL),
		slog.Time("last_progress_at", task.LastProgressAt),
	)

	if r.notifier != nil {
		if err := r.notifier.NotifyCreationAbandoned(ctx, task.ID); err != nil {
			r.logger.Error("作成タスク放棄の通知に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}
