package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedcheck/internal/model"
)

// PostgresEntryRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// UpsertEntries は1フィード分の記事を同一トランザクションでUPSERTする。
// (feed_id, guid) が既存の場合は上書き更新し、履歴は保持しない。
// xmax = 0 の判定で挿入と更新を区別する。
func (r *PostgresEntryRepo) UpsertEntries(ctx context.Context, feedID string, entries []*model.Entry) (int, int, error) {
	if len(entries) == 0 {
		return 0, 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inserted, updated int
	for _, e := range entries {
		var publishedAt sql.NullTime
		if e.PublishedAt != nil {
			publishedAt = sql.NullTime{Time: *e.PublishedAt, Valid: true}
		}

		var wasInserted bool
		err := tx.QueryRowContext(ctx,
			`INSERT INTO feed_entries (id, feed_id, guid, title, link, content, summary, author,
			                           published_at, fetched_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
			 ON CONFLICT (feed_id, guid) DO UPDATE SET
			    title = EXCLUDED.title,
			    link = EXCLUDED.link,
			    content = EXCLUDED.content,
			    summary = EXCLUDED.summary,
			    author = EXCLUDED.author,
			    published_at = EXCLUDED.published_at,
			    fetched_at = EXCLUDED.fetched_at,
			    updated_at = now()
			 RETURNING (xmax = 0)`,
			e.ID, feedID, e.GUID, e.Title, nullString(e.Link),
			nullString(e.Content), nullString(e.Summary), nullString(e.Author),
			publishedAt, e.FetchedAt,
		).Scan(&wasInserted)
		if err != nil {
			return 0, 0, fmt.Errorf("記事のUPSERTに失敗しました (guid=%s): %w", e.GUID, err)
		}

		if wasInserted {
			inserted++
		} else {
			updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, updated, nil
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
