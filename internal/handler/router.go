// Package handler は運用HTTPサーバーのルーティングとハンドラーを提供する。
// ワーカーの稼働確認、Prometheusメトリクス、スケジューラの状態を公開する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/feedcheck/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ヘルスチェック
	DB Pinger

	// GET /metrics。nilの場合はルートを登録しない
	Metrics http.Handler

	// GET /debug/scheduler
	Scheduler TickReporter
	Beat      BeatReporter
	Inflight  InflightReporter // 任意
}

// NewRouter は運用エンドポイントのchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "エンドポイントが見つかりません")
	})

	health := NewHealthHandler(deps.DB)
	r.Get("/health", health.Health)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	debug := NewDebugHandler(deps.Scheduler, deps.Beat, deps.Inflight)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/scheduler", debug.Scheduler)
	})

	return r
}
