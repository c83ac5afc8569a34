package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedcheck/internal/middleware"
)

const healthTimeout = 2 * time.Second

// Pinger はデータベースの疎通確認インターフェース。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse はGET /healthのレスポンス。
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// HealthHandler はワーカーの稼働確認を返す。
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health はデータベースに到達できれば200、できなければ503を返す。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		slog.Warn("ヘルスチェックでデータベースに接続できません", slog.String("error", err.Error()))
		middleware.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Database: "unreachable"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}
