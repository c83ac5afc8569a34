package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedcheck/internal/model"
)

// PostgresCreationTaskRepo はPostgreSQLを使用したフィード作成タスクリポジトリ。
type PostgresCreationTaskRepo struct {
	db *sql.DB
}

// NewPostgresCreationTaskRepo はPostgresCreationTaskRepoを生成する。
func NewPostgresCreationTaskRepo(db *sql.DB) *PostgresCreationTaskRepo {
	return &PostgresCreationTaskRepo{db: db}
}

// ListPending はPending状態の作成タスクを取得する。
func (r *PostgresCreationTaskRepo) ListPending(ctx context.Context, afterID string, limit int) ([]*model.CreationTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, feed_url, status, requested_at, last_progress_at, updated_at
		 FROM feed_creations
		 WHERE status = 'pending' AND id > $1
		 ORDER BY id ASC
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("作成タスクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*model.CreationTask
	for rows.Next() {
		task := &model.CreationTask{}
		if err := rows.Scan(
			&task.ID, &task.UserID, &task.FeedURL, &task.Status,
			&task.RequestedAt, &task.LastProgressAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("作成タスクの読み取りに失敗しました: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作成タスクの走査に失敗しました: %w", err)
	}

	return tasks, nil
}

// MarkAbandoned はPending状態のタスクのみをAbandonedに遷移させる。
// 作成パイプラインが先に終端状態へ遷移させていた場合は更新されない。
func (r *PostgresCreationTaskRepo) MarkAbandoned(ctx context.Context, taskID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE feed_creations SET status = 'abandoned', updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		taskID, at,
	)
	if err != nil {
		return false, fmt.Errorf("作成タスクの放棄に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected == 1, nil
}

// compile-time interface check
var _ CreationTaskRepository = (*PostgresCreationTaskRepo)(nil)
