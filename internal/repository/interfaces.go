// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedcheck/internal/model"
)

// FeedRegistry はフィードのチェック状態を読み書きするインターフェース。
// 書き込みはChange-Gated Updaterからのみ行う。
type FeedRegistry interface {
	// ListDueCandidates はnow時点でチェック期限が到来しているフィードを
	// ID昇順でafterIDより後からlimit件返す。afterIDが空の場合は先頭から返す。
	// 返却件数がlimit未満であれば走査の終端を意味する。
	ListDueCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Feed, error)

	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// UpdateCheckResult はチェック試行の結果を記録する。
	// fingerprintが空の場合は保存済みのフィンガープリントを変更しない。
	// outcomeがfailedの場合は連続失敗回数をインクリメントし、それ以外は0にリセットする。
	// last_checked_atはcheckedAtより古い場合のみ更新する（単調非減少）。
	UpdateCheckResult(ctx context.Context, feedID string, fingerprint model.Fingerprint, outcome model.CheckOutcome, checkedAt time.Time) error
}

// CreationTaskRepository はフィード作成タスクの永続化インターフェース。
type CreationTaskRepository interface {
	// ListPending はPending状態の作成タスクをID昇順でafterIDより後からlimit件返す。
	ListPending(ctx context.Context, afterID string, limit int) ([]*model.CreationTask, error)

	// MarkAbandoned はPending状態のタスクをAbandonedに遷移させる。
	// 既に終端状態の場合は何もせずfalseを返す。
	MarkAbandoned(ctx context.Context, taskID string, at time.Time) (bool, error)
}

// EntryRepository はフィード記事の永続化インターフェース。
type EntryRepository interface {
	// UpsertEntries はfeed_idとguidをキーに記事を挿入または上書き更新する。
	// 戻り値は挿入数と更新数。
	UpsertEntries(ctx context.Context, feedID string, entries []*model.Entry) (inserted int, updated int, err error)
}
