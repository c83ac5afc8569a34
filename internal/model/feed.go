// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は定期チェック対象のフィードを表す。
// チェック状態（LastCheckedAt、ContentFingerprint、ConsecutiveFailures）は
// Change-Gated Updater のみが更新する。
type Feed struct {
	ID                  string
	FeedURL             string
	LastCheckedAt       *time.Time  // 未チェックの場合はnil
	ContentFingerprint  Fingerprint // 未取得の場合は空
	CheckInterval       time.Duration
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EffectiveInterval はフィード固有のチェック間隔を返す。
// 未設定（0以下）の場合はdefaultIntervalを返す。
func (f *Feed) EffectiveInterval(defaultInterval time.Duration) time.Duration {
	if f.CheckInterval > 0 {
		return f.CheckInterval
	}
	return defaultInterval
}

// NextCheckAt は次回チェック期限を返す。
// 未チェックのフィードはゼロ値を返す（常に期限到来）。
func (f *Feed) NextCheckAt(defaultInterval time.Duration) time.Time {
	if f.LastCheckedAt == nil {
		return time.Time{}
	}
	return f.LastCheckedAt.Add(f.EffectiveInterval(defaultInterval))
}

// IsDue はnow時点でフィードのチェック期限が到来しているかを返す。
// 期限ちょうどの時刻は期限到来として扱う。
func (f *Feed) IsDue(now time.Time, defaultInterval time.Duration) bool {
	if f.LastCheckedAt == nil {
		return true
	}
	return !now.Before(f.NextCheckAt(defaultInterval))
}

// Fingerprint はフィードコンテンツのダイジェスト。比較は等価性のみ。
type Fingerprint string

// CheckOutcome は1回のチェック試行の結果を表す。
type CheckOutcome string

const (
	// CheckOutcomeUnchanged はフィンガープリントが前回と一致した結果。
	CheckOutcomeUnchanged CheckOutcome = "unchanged"
	// CheckOutcomeChanged はコンテンツが変化し、パース・保存まで完了した結果。
	CheckOutcomeChanged CheckOutcome = "changed"
	// CheckOutcomeFailed はフェッチまたは後続処理が失敗した結果。
	CheckOutcomeFailed CheckOutcome = "failed"
)

// CheckDecision はDue-Set Selectorが1ティックで出力するディスパッチ判断。
// 同一ティック内でのみ使用し、ティックをまたいで共有しない。
type CheckDecision struct {
	Feed   *Feed
	Offset time.Duration // ティック開始からのディスパッチ遅延
}

// FeedID は判断対象のフィードIDを返す。
func (d CheckDecision) FeedID() string {
	return d.Feed.ID
}
