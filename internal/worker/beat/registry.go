// Package beat は周期タスクのスケジュール表と実行ループを提供する。
// タスクは型付きのIDでハンドラーに静的に結び付け、起動時に解決する。
// 未登録のタスク名はティック発火時ではなく設定読み込み時にエラーとなる。
package beat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hitoshi/feedcheck/internal/model"
)

// TaskID は周期タスクの識別子。
type TaskID string

const (
	// TaskCheckFeed はフィードチェックのティック。
	TaskCheckFeed TaskID = "check_feed"
	// TaskCleanFeedCreation は放置された作成タスクの回収。
	TaskCleanFeedCreation TaskID = "clean_feed_creation"
	// TaskPurgeFeedCreation は終端状態の作成タスクの削除。
	TaskPurgeFeedCreation TaskID = "purge_feed_creation"
)

// Handler は周期タスク1回分の処理。
type Handler func(ctx context.Context) error

// Registry はTaskIDとHandlerの対応表。
type Registry struct {
	handlers map[TaskID]Handler
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskID]Handler)}
}

// Register はタスクを登録する。同じIDの二重登録はエラーとする。
func (r *Registry) Register(id TaskID, h Handler) error {
	if id == "" {
		return errors.New("タスクIDが空です")
	}
	if h == nil {
		return fmt.Errorf("タスク %q のハンドラーがnilです", id)
	}
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("タスク %q は既に登録されています", id)
	}
	r.handlers[id] = h
	return nil
}

// MustRegister はRegisterに失敗した場合にパニックする。起動時の配線でのみ使用する。
func (r *Registry) MustRegister(id TaskID, h Handler) {
	if err := r.Register(id, h); err != nil {
		panic(err)
	}
}

// Lookup はタスクのハンドラーを返す。
func (r *Registry) Lookup(id TaskID) (Handler, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownTask, id)
	}
	return h, nil
}

// Tasks は登録済みのタスクIDを名前順で返す。
func (r *Registry) Tasks() []TaskID {
	ids := make([]TaskID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
