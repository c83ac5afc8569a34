// Package fetch はフィードURLからコンテンツを取得するHTTPフェッチャーを提供する。
// 取得したバイト列はそのままフィンガープリント計算に渡すため、ここではパースしない。
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/model"
)

const (
	// DefaultMaxSize はレスポンスボディの既定の上限（5MB）。
	DefaultMaxSize int64 = 5 << 20

	userAgent    = "feedcheck/1.0 (+feed change monitor)"
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
)

// Status はHTTPステータスコードの分類。
type Status int

const (
	// StatusOK はボディを読み込む成功応答。
	StatusOK Status = iota
	// StatusPermanent はフィード削除や認可エラーなど、再試行しても回復しない応答。
	StatusPermanent
	// StatusTransient はレート制限やサーバーエラーなど一時的な応答。
	StatusTransient
)

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(code int) Status {
	switch {
	case code == http.StatusOK:
		return StatusOK
	case code == http.StatusNotFound, code == http.StatusGone,
		code == http.StatusUnauthorized, code == http.StatusForbidden:
		return StatusPermanent
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return StatusTransient
	case code >= 500:
		return StatusTransient
	case code >= 400:
		return StatusPermanent
	default:
		return StatusTransient
	}
}

// HTTPFetcher はフィードURLにGETリクエストを送りボディを返す。
type HTTPFetcher struct {
	guard   Guard
	client  *http.Client
	logger  *slog.Logger
	metrics metrics.Recorder
	maxSize int64
}

// NewHTTPFetcher はHTTPFetcherを生成する。
// タイムアウトは呼び出し側のコンテキストで制御するため、クライアントのtimeoutは安全弁として渡す。
func NewHTTPFetcher(guard Guard, logger *slog.Logger, recorder metrics.Recorder, timeout time.Duration, maxSize int64) *HTTPFetcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &HTTPFetcher{
		guard:   guard,
		client:  guard.NewClient(timeout),
		logger:  logger,
		metrics: metrics.OrNop(recorder),
		maxSize: maxSize,
	}
}

// FetchFeed はフィードのコンテンツを取得する。
// 失敗はmodel.FetchErrorとして一時的・恒久的に分類して返す。
func (f *HTTPFetcher) FetchFeed(ctx context.Context, feed *model.Feed) ([]byte, error) {
	if err := f.guard.ValidateURL(feed.FeedURL); err != nil {
		return nil, model.NewPermanentFetchError(0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.FeedURL, nil)
	if err != nil {
		return nil, model.NewPermanentFetchError(0, fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewTransientFetchError(0, fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyStatus(resp.StatusCode) {
	case StatusOK:
	case StatusPermanent:
		f.logger.Warn("フィードが恒久的なエラーを返しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewPermanentFetchError(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	default:
		return nil, model.NewTransientFetchError(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, model.NewTransientFetchError(resp.StatusCode, fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}
	if int64(len(body)) > f.maxSize {
		return nil, model.NewPermanentFetchError(resp.StatusCode, fmt.Errorf("レスポンスが上限 %d バイトを超えています", f.maxSize))
	}

	f.logger.Debug("フィードを取得しました",
		slog.String("feed_id", feed.ID),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("bytes", len(body)),
	)
	return body, nil
}
