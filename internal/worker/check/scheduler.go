package check

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedcheck/internal/metrics"
)

// TickStatus は直近のティックの実行結果。
type TickStatus struct {
	At         time.Time `json:"at"`
	Due        int       `json:"due"`
	Dispatched int       `json:"dispatched"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Scheduler はティックごとに期限到来フィードを選定し、ディスパッチする。
// グローバルな状態を持たないため、テストでは複数インスタンスを生成できる。
type Scheduler struct {
	selector *Selector
	stager   *Stager
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	mu   sync.Mutex
	last TickStatus
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(selector *Selector, stager *Stager, logger *slog.Logger, recorder metrics.Recorder) *Scheduler {
	return &Scheduler{
		selector: selector,
		stager:   stager,
		logger:   logger,
		metrics:  metrics.OrNop(recorder),
		now:      time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）。
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Tick は1回分の選定とディスパッチを行う。
// ネットワークI/Oを待たずに戻る。レジストリの読み取りに失敗した場合は
// 何もディスパッチせずにエラーを返し、次のティックで再試行される。
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()

	decisions, err := s.selector.Select(ctx, start)
	if err != nil {
		s.metrics.RecordTickError()
		s.setLast(TickStatus{At: start, Error: err.Error()})
		return err
	}

	s.metrics.RecordDue(len(decisions))

	dispatched := 0
	if len(decisions) > 0 {
		dispatched = s.stager.Dispatch(ctx, decisions)
	}

	duration := s.now().Sub(start)
	s.metrics.RecordTick(duration)
	s.setLast(TickStatus{
		At:         start,
		Due:        len(decisions),
		Dispatched: dispatched,
		DurationMS: duration.Milliseconds(),
	})

	if len(decisions) == 0 {
		s.logger.Debug("チェック対象のフィードはありません")
		return nil
	}

	s.logger.Info("チェックをディスパッチしました",
		slog.Int("due_count", len(decisions)),
		slog.Int("dispatched_count", dispatched),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Wait はディスパッチ済みのチェックがすべて終了するまで待機する。
func (s *Scheduler) Wait() {
	s.stager.Wait()
}

// LastTick は直近のティックの実行結果を返す。
func (s *Scheduler) LastTick() TickStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) setLast(st TickStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = st
}
