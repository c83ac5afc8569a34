package handler

import (
	"net/http"

	"github.com/hitoshi/feedcheck/internal/middleware"
	"github.com/hitoshi/feedcheck/internal/worker/beat"
	"github.com/hitoshi/feedcheck/internal/worker/check"
)

// TickReporter は直近のティック結果を返す。
type TickReporter interface {
	LastTick() check.TickStatus
}

// BeatReporter は周期タスクの実行状況を返す。
type BeatReporter interface {
	Status() []beat.TaskStatus
}

// InflightReporter は実行中のチェックを返す。
type InflightReporter interface {
	Snapshot() []check.InflightEntry
}

// SchedulerResponse はGET /debug/schedulerのレスポンス。
type SchedulerResponse struct {
	LastTick check.TickStatus      `json:"last_tick"`
	Tasks    []beat.TaskStatus     `json:"tasks"`
	Inflight []check.InflightEntry `json:"inflight,omitempty"`
}

// DebugHandler はスケジューラの内部状態を返す。
type DebugHandler struct {
	scheduler TickReporter
	beat      BeatReporter
	inflight  InflightReporter
}

// NewDebugHandler はDebugHandlerを生成する。inflightはnilでもよい。
func NewDebugHandler(scheduler TickReporter, b BeatReporter, inflight InflightReporter) *DebugHandler {
	return &DebugHandler{scheduler: scheduler, beat: b, inflight: inflight}
}

// Scheduler は直近のティック、周期タスク、実行中のフィードを返す。
func (h *DebugHandler) Scheduler(w http.ResponseWriter, _ *http.Request) {
	resp := SchedulerResponse{
		LastTick: h.scheduler.LastTick(),
		Tasks:    h.beat.Status(),
	}
	if h.inflight != nil {
		resp.Inflight = h.inflight.Snapshot()
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
