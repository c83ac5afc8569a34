package model

import "time"

// CreationStatus はフィード作成タスクの状態を表す。
type CreationStatus string

const (
	// CreationStatusPending は作成処理が未完了の状態。
	CreationStatusPending CreationStatus = "pending"
	// CreationStatusCompleted は作成処理が成功した状態。
	CreationStatusCompleted CreationStatus = "completed"
	// CreationStatusFailed は作成パイプラインが失敗を記録した状態。
	CreationStatusFailed CreationStatus = "failed"
	// CreationStatusAbandoned はリーパーが放棄と判定した状態。
	CreationStatusAbandoned CreationStatus = "abandoned"
)

// IsTerminal は終端状態かどうかを返す。終端状態から遷移することはない。
func (s CreationStatus) IsTerminal() bool {
	switch s {
	case CreationStatusCompleted, CreationStatusFailed, CreationStatusAbandoned:
		return true
	default:
		return false
	}
}

// CreationTask はユーザーが要求したフィード購読の作成試行を表す。
// (UserID, FeedURL) ごとにPendingは同時に1件のみ。
type CreationTask struct {
	ID             string
	UserID         string
	FeedURL        string
	Status         CreationStatus
	RequestedAt    time.Time
	LastProgressAt time.Time
	UpdatedAt      time.Time
}

// IsStale はnow時点で最終進捗からthresholdを超過しているかを返す。
// 経過時間がthresholdちょうどの場合は超過とみなさない。
func (t *CreationTask) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(t.LastProgressAt) > threshold
}
