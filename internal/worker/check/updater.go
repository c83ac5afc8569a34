package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/model"
	"github.com/hitoshi/feedcheck/internal/repository"
)

// DefaultFetchTimeout はフェッチ1回あたりの既定タイムアウト。
const DefaultFetchTimeout = 30 * time.Second

// FeedFetcher はフィードドキュメントを取得するインターフェース。
type FeedFetcher interface {
	// FetchFeed はフィードのコンテンツを取得する。
	// タイムアウトはctxの期限に従う。
	FetchFeed(ctx context.Context, feed *model.Feed) ([]byte, error)
}

// Fingerprinter はコンテンツのフィンガープリントを計算するインターフェース。
type Fingerprinter interface {
	Fingerprint(content []byte) (model.Fingerprint, error)
}

// ContentStore はフィードコンテンツをパースして保存するインターフェース。
// コンテンツの変更を検知した場合にのみ呼び出される。
type ContentStore interface {
	ParseAndStore(ctx context.Context, feedID string, content []byte) error
}

// Updater はフィードを1件チェックし、フィンガープリントが変化した場合のみ
// パース・保存処理を呼び出す。チェック状態の書き込みはUpdaterのみが行う。
type Updater struct {
	fetcher       FeedFetcher
	fingerprinter Fingerprinter
	registry      repository.FeedRegistry
	store         ContentStore
	logger        *slog.Logger
	metrics       metrics.Recorder
	interval      time.Duration
	timeout       time.Duration
	now           func() time.Time
}

// NewUpdater はUpdaterを生成する。
// intervalはcheck_interval_secondsが未設定のフィードに適用する既定のチェック間隔。
// timeoutが0以下の場合はDefaultFetchTimeoutを使用する。
func NewUpdater(
	fetcher FeedFetcher,
	fingerprinter Fingerprinter,
	registry repository.FeedRegistry,
	store ContentStore,
	logger *slog.Logger,
	recorder metrics.Recorder,
	interval time.Duration,
	timeout time.Duration,
) *Updater {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Updater{
		fetcher:       fetcher,
		fingerprinter: fingerprinter,
		registry:      registry,
		store:         store,
		logger:        logger,
		metrics:       metrics.OrNop(recorder),
		interval:      interval,
		timeout:       timeout,
		now:           time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）。
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

// Check はフィードを1回チェックし、結果をレジストリに記録する。
//
//   - フェッチ失敗（タイムアウト含む）: 連続失敗回数を加算し、フィンガープリントは変更しない
//   - フィンガープリント一致: 連続失敗回数をリセットし、パース・保存は行わない
//   - フィンガープリント不一致: パース・保存後に新しいフィンガープリントを記録する
//
// パース・保存に失敗した場合は失敗として記録し、フィンガープリントは保存しない。
// 次回のチェックで同じコンテンツが再度変更として扱われる。
// 親コンテキストがキャンセルされた場合は何も記録せずに中断する。
//
// 選定時のスナップショットは古い可能性があるため、フェッチ前にレジストリから
// チェック状態を読み直す。その時点で期限が到来していないフィード
// （選定後に別のチェックが完了したもの）は何も記録せずにスキップする。
func (u *Updater) Check(ctx context.Context, selected *model.Feed) error {
	feed, err := u.registry.FindByID(ctx, selected.ID)
	if err != nil {
		return fmt.Errorf("チェック状態の再読み込みに失敗: %w", err)
	}
	if feed == nil {
		u.logger.Warn("フィードが見つからないためチェックをスキップします",
			slog.String("feed_id", selected.ID),
		)
		return nil
	}
	if !feed.IsDue(u.now(), u.interval) {
		u.logger.Debug("選定後にチェック済みのためスキップします",
			slog.String("feed_id", feed.ID),
		)
		return nil
	}

	start := u.now()

	fetchCtx, cancel := context.WithTimeout(ctx, u.timeout)
	content, err := u.fetcher.FetchFeed(fetchCtx, feed)
	cancel()
	u.metrics.RecordFetchLatency(u.now().Sub(start))

	if ctx.Err() != nil {
		u.logger.Info("シャットダウンのためチェックを中断しました",
			slog.String("feed_id", feed.ID),
		)
		return ctx.Err()
	}

	if err != nil {
		return u.recordFailure(ctx, feed, start, fmt.Errorf("フェッチに失敗: %w", err))
	}

	fp, err := u.fingerprinter.Fingerprint(content)
	if err != nil {
		return u.recordFailure(ctx, feed, start, fmt.Errorf("%w: %w", model.ErrFingerprint, err))
	}

	if fp == feed.ContentFingerprint {
		return u.record(ctx, feed, start, "", model.CheckOutcomeUnchanged)
	}

	if err := u.store.ParseAndStore(ctx, feed.ID, content); err != nil {
		return u.recordFailure(ctx, feed, start, fmt.Errorf("パース・保存に失敗: %w", err))
	}

	return u.record(ctx, feed, start, fp, model.CheckOutcomeChanged)
}

// record はチェック結果をレジストリに書き込む。
func (u *Updater) record(
	ctx context.Context,
	feed *model.Feed,
	start time.Time,
	fp model.Fingerprint,
	outcome model.CheckOutcome,
) error {
	checkedAt := u.now()
	if err := u.registry.UpdateCheckResult(ctx, feed.ID, fp, outcome, checkedAt); err != nil {
		u.logger.Error("チェック結果の記録に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
		return err
	}

	u.metrics.RecordCheckOutcome(outcome)
	u.logger.Info("フィードチェックが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.String("outcome", string(outcome)),
		slog.Float64("duration_ms", float64(checkedAt.Sub(start).Milliseconds())),
	)
	return nil
}

// recordFailure は失敗したチェック試行を記録する。
// 試行自体はlast_checked_atを進めるため、失敗し続けるフィードが
// 毎ティックでディスパッチされることはない。
func (u *Updater) recordFailure(ctx context.Context, feed *model.Feed, start time.Time, cause error) error {
	u.logger.Warn("フィードチェックに失敗しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.String("kind", string(model.FetchErrorKindOf(cause))),
		slog.Int("consecutive_failures", feed.ConsecutiveFailures+1),
		slog.String("error", cause.Error()),
	)

	if err := u.record(ctx, feed, start, "", model.CheckOutcomeFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
