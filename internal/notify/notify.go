// Package notify はフィード作成タスクの放棄をユーザー側に伝える通知を提供する。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel は放棄通知を発行するRedisチャンネル。
const DefaultChannel = "feed_creation.abandoned"

// AbandonedEvent はRedisに発行する放棄通知のペイロード。
type AbandonedEvent struct {
	TaskID      string    `json:"task_id"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// RedisNotifier は放棄通知をRedisのPub/Subチャンネルに発行する。
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
	now     func() time.Time
}

// NewRedisNotifier はRedisNotifierを生成する。channelが空の場合はDefaultChannelを使用する。
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, now: time.Now}
}

// NotifyCreationAbandoned は放棄されたタスクのIDを発行する。
func (n *RedisNotifier) NotifyCreationAbandoned(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(AbandonedEvent{TaskID: taskID, AbandonedAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("放棄通知のエンコードに失敗: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("放棄通知の発行に失敗: %w", err)
	}
	return nil
}

// LogNotifier は放棄通知をログに出力するだけの通知先。Redis未設定時に使用する。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyCreationAbandoned は放棄されたタスクをINFOレベルで記録する。
func (n *LogNotifier) NotifyCreationAbandoned(_ context.Context, taskID string) error {
	n.logger.Info("フィード作成タスクが放棄されました",
		slog.String("task_id", taskID),
	)
	return nil
}
