package reaper

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedcheck/internal/metrics"
)

// DefaultRetentionDays は終端状態の作成タスクの既定保持日数。
const DefaultRetentionDays = 7

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PurgeJob は保持期間を超過した終端状態の作成タスクを削除するジョブ。
// Pending状態のタスクはリーパーの管轄のため削除しない。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type PurgeJob struct {
	db            Executor
	logger        *slog.Logger
	metrics       metrics.Recorder
	RetentionDays int // 終端状態の作成タスクの保持日数（デフォルト: 7）
}

// NewPurgeJob は新しいPurgeJobを生成する。
func NewPurgeJob(db Executor, logger *slog.Logger, recorder metrics.Recorder) *PurgeJob {
	return &PurgeJob{
		db:            db,
		logger:        logger,
		metrics:       metrics.OrNop(recorder),
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はupdated_atがRetentionDays日前より古い終端状態の作成タスクを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *PurgeJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM feed_creations WHERE status <> 'pending' AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("作成タスク削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("作成タスク削除の実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.metrics.RecordPurged(deletedCount)
	j.logger.Info("作成タスク削除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
