package check

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/model"
)

// DefaultMaxConcurrency は同時実行チェック数の既定上限。
const DefaultMaxConcurrency = 10

// DefaultMaxPending はディスパッチ済みで未終了のチェック数の既定上限。
const DefaultMaxPending = 1000

// Checker はフィード1件のチェックを実行するインターフェース。
type Checker interface {
	Check(ctx context.Context, feed *model.Feed) error
}

// Stager は選定されたフィードのチェックをティック内に分散してディスパッチする。
// ディスパッチ自体は即座に戻り、チェックはゴルーチン上で非同期に実行される。
// 同時実行数はsemaphoreで、全体の実行レートは任意のrate.Limiterで制限する。
// 待機中を含むゴルーチン数はmaxPendingで制限し、超過分は次のティックに持ち越す。
type Stager struct {
	checker        Checker
	inflight       InflightTracker
	limiter        *rate.Limiter
	logger         *slog.Logger
	metrics        metrics.Recorder
	sem            chan struct{}
	maxConcurrency int
	maxPending     int64
	pending        atomic.Int64
	wg             sync.WaitGroup
}

// NewStager はStagerを生成する。
// maxConcurrencyが0以下の場合はDefaultMaxConcurrencyを使用する。
// ratePerSecondが0以下の場合はレート制限を行わない。
// maxPendingが0以下の場合はDefaultMaxPendingを使用する。
func NewStager(
	checker Checker,
	inflight InflightTracker,
	logger *slog.Logger,
	recorder metrics.Recorder,
	maxConcurrency int,
	ratePerSecond float64,
	maxPending int,
) *Stager {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if inflight == nil {
		inflight = NewMemoryInflight()
	}

	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}

	return &Stager{
		checker:        checker,
		inflight:       inflight,
		limiter:        limiter,
		logger:         logger,
		metrics:        metrics.OrNop(recorder),
		sem:            make(chan struct{}, maxConcurrency),
		maxConcurrency: maxConcurrency,
		maxPending:     int64(maxPending),
	}
}

// Dispatch は各フィードを実行中としてマークし、ディスパッチ遅延の後に
// チェックを実行するゴルーチンを起動する。チェックの完了は待たない。
// 既に実行中のフィードはスキップする。未終了のチェックがmaxPendingに達した場合、
// 残りはマークせずに次のティックへ持ち越す。戻り値は実際にディスパッチした件数。
func (s *Stager) Dispatch(ctx context.Context, decisions []model.CheckDecision) int {
	dispatched := 0
	deferred := 0

	for _, d := range decisions {
		feedID := d.FeedID()

		if s.pending.Load() >= s.maxPending {
			deferred++
			continue
		}

		token, ok, err := s.inflight.TryAcquire(ctx, feedID)
		if err != nil {
			s.logger.Warn("実行中マークの取得に失敗したためスキップします",
				slog.String("feed_id", feedID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			s.metrics.RecordSkippedInflight()
			s.logger.Debug("チェック実行中のためスキップします",
				slog.String("feed_id", feedID),
			)
			continue
		}

		dispatched++
		s.metrics.RecordDispatched()
		s.pending.Add(1)
		s.wg.Add(1)
		go s.run(ctx, d, token)
	}

	if deferred > 0 {
		s.logger.Warn("未終了のチェックが上限に達したため次のティックに持ち越します",
			slog.Int("deferred", deferred),
			slog.Int64("max_pending", s.maxPending),
		)
	}

	return dispatched
}

// Wait はディスパッチ済みのチェックがすべて終了するまで待機する。
func (s *Stager) Wait() {
	s.wg.Wait()
}

// run は1件のディスパッチを実行する。
// どの経路で終了しても実行中マークは必ず解除する。
// 待機中にリースが失効していた場合、チェックは新しい取得者に任せる。
func (s *Stager) run(ctx context.Context, d model.CheckDecision, token string) {
	defer s.wg.Done()
	defer s.pending.Add(-1)
	defer s.release(ctx, d.FeedID(), token)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("フィードチェック中にパニックが発生しました",
				slog.String("feed_id", d.FeedID()),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()

	if err := sleepContext(ctx, d.Offset); err != nil {
		return
	}

	// semaphore取得
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	// リース期限はチェック開始時点から数える
	held, err := s.inflight.Refresh(ctx, d.FeedID(), token)
	if err != nil {
		s.logger.Warn("実行中マークの延長に失敗したためスキップします",
			slog.String("feed_id", d.FeedID()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !held {
		s.logger.Warn("待機中に実行中マークが失効したためスキップします",
			slog.String("feed_id", d.FeedID()),
		)
		return
	}

	s.metrics.IncInflight()
	defer s.metrics.DecInflight()

	if err := s.checker.Check(ctx, d.Feed); err != nil {
		s.logger.Error("フィードチェックでエラーが発生しました",
			slog.String("feed_id", d.FeedID()),
			slog.String("error", err.Error()),
		)
	}
}

// release は実行中マークを解除する。シャットダウン中でも解除できるよう
// キャンセルされないコンテキストを使用する。
func (s *Stager) release(ctx context.Context, feedID, token string) {
	if err := s.inflight.Release(context.WithoutCancel(ctx), feedID, token); err != nil {
		s.logger.Warn("実行中マークの解除に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
	}
}

// sleepContext はdの間待機する。ctxがキャンセルされた場合はctx.Err()を返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
