package beat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskStatus は周期タスクの直近の実行状況。
type TaskStatus struct {
	Task       TaskID    `json:"task"`
	Every      string    `json:"every"`
	Runs       int64     `json:"runs"`
	Failures   int64     `json:"failures"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

type job struct {
	entry   Entry
	handler Handler

	mu     sync.Mutex
	status TaskStatus
}

// Beat はスケジュール表の各タスクを独立したティッカーで周期実行する。
type Beat struct {
	jobs   []*job
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New はスケジュール表を検証してBeatを生成する。
// 未登録のタスク、0以下の間隔、重複したタスクはエラーとする。
// Disabledの行は検証後に除外する。
func New(reg *Registry, table []Entry, logger *slog.Logger) (*Beat, error) {
	b := &Beat{logger: logger, now: time.Now}
	seen := make(map[TaskID]bool, len(table))

	for _, e := range table {
		h, err := reg.Lookup(e.Task)
		if err != nil {
			return nil, err
		}
		if seen[e.Task] {
			return nil, fmt.Errorf("タスク %q がスケジュール表に重複しています", e.Task)
		}
		seen[e.Task] = true
		if e.Disabled {
			continue
		}
		if e.Every <= 0 {
			return nil, fmt.Errorf("タスク %q の実行間隔が不正です: %s", e.Task, e.Every)
		}
		b.jobs = append(b.jobs, &job{
			entry:   e,
			handler: h,
			status:  TaskStatus{Task: e.Task, Every: e.Every.String()},
		})
	}
	return b, nil
}

// Run は全タスクを起動し、ctxがキャンセルされ全タスクが停止するまでブロックする。
// 各タスクは起動直後に1回実行し、以降は間隔ごとに実行する。
func (b *Beat) Run(ctx context.Context) {
	b.logger.Info("周期タスクを開始しました", slog.Int("task_count", len(b.jobs)))

	for _, j := range b.jobs {
		b.wg.Add(1)
		go func(j *job) {
			defer b.wg.Done()
			b.loop(ctx, j)
		}(j)
	}
	b.wg.Wait()

	b.logger.Info("周期タスクを停止しました")
}

func (b *Beat) loop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.entry.Every)
	defer ticker.Stop()

	b.runOnce(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runOnce(ctx, j)
		}
	}
}

// runOnce はタスクを1回実行する。同じタスクの実行は重ならない。
func (b *Beat) runOnce(ctx context.Context, j *job) {
	start := b.now()
	err := b.invoke(ctx, j)
	elapsed := b.now().Sub(start)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRunAt = start
	j.status.DurationMS = elapsed.Milliseconds()
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		b.logger.Error("周期タスクの実行に失敗しました",
			slog.String("task", string(j.entry.Task)),
			slog.String("error", err.Error()),
		)
	}
}

// invoke はハンドラーのパニックをエラーに変換する。
func (b *Beat) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("パニックが発生しました: %v", r)
		}
	}()
	return j.handler(ctx)
}

// Status はタスクごとの実行状況を返す。
func (b *Beat) Status() []TaskStatus {
	out := make([]TaskStatus, 0, len(b.jobs))
	for _, j := range b.jobs {
		j.mu.Lock()
		out = append(out, j.status)
		j.mu.Unlock()
	}
	return out
}
