// Package check はフィードの定期チェック処理を提供する。
// 期限到来フィードの選定、ディスパッチの分散、変更検知付きの更新を含む。
package check

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/feedcheck/internal/model"
	"github.com/hitoshi/feedcheck/internal/repository"
)

// DefaultPageSize はレジストリ走査の1ページあたりの既定件数。
const DefaultPageSize = 500

// JitterFunc はティック内のディスパッチ遅延を[0, tick)から選ぶ関数。
type JitterFunc func(tick time.Duration) time.Duration

// UniformJitter は[0, tick)から一様にディスパッチ遅延を選ぶ。
func UniformJitter(tick time.Duration) time.Duration {
	if tick <= 0 {
		return 0
	}
	return rand.N(tick)
}

// Selector はティックごとにチェック期限が到来したフィードを選定する。
type Selector struct {
	registry        repository.FeedRegistry
	inflight        InflightTracker
	logger          *slog.Logger
	defaultInterval time.Duration
	tick            time.Duration
	pageSize        int
	jitter          JitterFunc
}

// NewSelector はSelectorを生成する。
// pageSizeが0以下の場合はDefaultPageSizeを使用する。
func NewSelector(
	registry repository.FeedRegistry,
	inflight InflightTracker,
	logger *slog.Logger,
	defaultInterval time.Duration,
	tick time.Duration,
	pageSize int,
) *Selector {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Selector{
		registry:        registry,
		inflight:        inflight,
		logger:          logger,
		defaultInterval: defaultInterval,
		tick:            tick,
		pageSize:        pageSize,
		jitter:          UniformJitter,
	}
}

// SetJitter はディスパッチ遅延の選択関数を差し替える（テスト用）。
func (s *Selector) SetJitter(fn JitterFunc) {
	s.jitter = fn
}

// Select はnow時点でチェック期限が到来しているフィードを選定し、
// それぞれにディスパッチ遅延を割り当てて返す。
// レジストリはキーセットページングで走査し、読み取りに1度でも失敗した場合は
// 部分的な結果を返さずにティック全体を中断する。
// 実行中のフィードは期限が到来していても除外する。
func (s *Selector) Select(ctx context.Context, now time.Time) ([]model.CheckDecision, error) {
	var decisions []model.CheckDecision
	afterID := ""

	for {
		feeds, err := s.registry.ListDueCandidates(ctx, now, afterID, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrRegistryRead, err)
		}

		for _, feed := range feeds {
			if feed == nil {
				continue
			}
			if !feed.IsDue(now, s.defaultInterval) {
				continue
			}
			if s.isInflight(ctx, feed.ID) {
				continue
			}
			decisions = append(decisions, model.CheckDecision{
				Feed:   feed,
				Offset: s.jitter(s.tick),
			})
		}

		if len(feeds) < s.pageSize {
			break
		}
		afterID = feeds[len(feeds)-1].ID
	}

	return decisions, nil
}

// isInflight は実行中判定を行う。判定に失敗した場合は除外せず、
// ディスパッチ時のTryAcquireに判断を委ねる。
func (s *Selector) isInflight(ctx context.Context, feedID string) bool {
	if s.inflight == nil {
		return false
	}
	busy, err := s.inflight.IsInflight(ctx, feedID)
	if err != nil {
		s.logger.Warn("実行中判定に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return busy
}
