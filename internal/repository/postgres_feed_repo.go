package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedcheck/internal/model"
)

// PostgresFeedRegistry はPostgreSQLを使用したフィードレジストリ。
// check_interval_secondsがNULLのフィードにはdefaultIntervalを適用する。
type PostgresFeedRegistry struct {
	db              *sql.DB
	defaultInterval time.Duration
}

// NewPostgresFeedRegistry はPostgresFeedRegistryを生成する。
func NewPostgresFeedRegistry(db *sql.DB, defaultInterval time.Duration) *PostgresFeedRegistry {
	return &PostgresFeedRegistry{db: db, defaultInterval: defaultInterval}
}

const feedColumns = `id, feed_url, last_checked_at, content_fingerprint,
        check_interval_seconds, consecutive_failures, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFeed はfeedColumnsの順に読み取った1行をmodel.Feedに変換する。
func scanFeed(row rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var lastCheckedAt sql.NullTime
	var fingerprint sql.NullString
	var intervalSeconds sql.NullInt64

	if err := row.Scan(
		&feed.ID, &feed.FeedURL, &lastCheckedAt, &fingerprint,
		&intervalSeconds, &feed.ConsecutiveFailures, &feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		feed.LastCheckedAt = &t
	}
	feed.ContentFingerprint = model.Fingerprint(nullStringValue(fingerprint))
	if intervalSeconds.Valid {
		feed.CheckInterval = time.Duration(intervalSeconds.Int64) * time.Second
	}
	return feed, nil
}

// ListDueCandidates はチェック期限が到来しているフィードをキーセットページングで取得する。
// ページごとに独立したクエリを発行し、走査全体をトランザクションで囲まない。
// 既定間隔は秒の小数として渡し、Feed.IsDueと同じ境界で判定する。
func (r *PostgresFeedRegistry) ListDueCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`
		 FROM feeds
		 WHERE id > $1
		   AND (last_checked_at IS NULL
		        OR last_checked_at + make_interval(secs => COALESCE(check_interval_seconds::double precision, $2)) <= $3)
		 ORDER BY id ASC
		 LIMIT $4`,
		afterID, r.defaultInterval.Seconds(), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("チェック対象フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("チェック対象フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェック対象フィードの走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// FindByID は指定IDのフィードの最新のチェック状態を取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRegistry) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// UpdateCheckResult はチェック試行の結果を記録する。
func (r *PostgresFeedRegistry) UpdateCheckResult(
	ctx context.Context,
	feedID string,
	fingerprint model.Fingerprint,
	outcome model.CheckOutcome,
	checkedAt time.Time,
) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    last_checked_at = GREATEST(COALESCE(last_checked_at, $4), $4),
		    content_fingerprint = COALESCE($2, content_fingerprint),
		    consecutive_failures = CASE WHEN $3 = 'failed' THEN consecutive_failures + 1 ELSE 0 END,
		    updated_at = now()
		 WHERE id = $1`,
		feedID,
		nullString(string(fingerprint)),
		string(outcome),
		checkedAt,
	)
	if err != nil {
		return fmt.Errorf("チェック結果の更新に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ FeedRegistry = (*PostgresFeedRegistry)(nil)
