package check

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InflightTracker はチェック実行中のフィードを追跡する。
// 同一フィードのチェックが同時に2つ以上実行されないことを保証する。
// マークは取得ごとに固有のトークンで識別し、解除と延長はトークンが一致する場合のみ行う。
type InflightTracker interface {
	// TryAcquire はフィードを実行中としてマークし、取得したマークのトークンを返す。
	// 既に実行中の場合はokがfalseになる。
	TryAcquire(ctx context.Context, feedID string) (token string, ok bool, err error)

	// Refresh はtokenのマークの期限をチェック開始時点から延長する。
	// マークが失効して他の取得者に移っていた場合はfalseを返す。
	Refresh(ctx context.Context, feedID, token string) (bool, error)

	// Release はtokenのマークを解除する。他の取得者のマークは解除しない。
	Release(ctx context.Context, feedID, token string) error

	// IsInflight はフィードが実行中かを返す。
	IsInflight(ctx context.Context, feedID string) (bool, error)
}

type memoryMark struct {
	token string
	since time.Time
}

// MemoryInflight はプロセス内のマップで実行中フィードを追跡する。
// マークに期限はなく、プロセス再起動ですべて消える。
type MemoryInflight struct {
	mu    sync.Mutex
	feeds map[string]memoryMark
	now   func() time.Time
}

// NewMemoryInflight はMemoryInflightを生成する。
func NewMemoryInflight() *MemoryInflight {
	return &MemoryInflight{
		feeds: make(map[string]memoryMark),
		now:   time.Now,
	}
}

// TryAcquire はInflightTrackerを実装する。
func (m *MemoryInflight) TryAcquire(_ context.Context, feedID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.feeds[feedID]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	m.feeds[feedID] = memoryMark{token: token, since: m.now()}
	return token, true, nil
}

// Refresh はInflightTrackerを実装する。
func (m *MemoryInflight) Refresh(_ context.Context, feedID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := m.feeds[feedID]
	return ok && mark.token == token, nil
}

// Release はInflightTrackerを実装する。
func (m *MemoryInflight) Release(_ context.Context, feedID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mark, ok := m.feeds[feedID]; ok && mark.token == token {
		delete(m.feeds, feedID)
	}
	return nil
}

// IsInflight はInflightTrackerを実装する。
func (m *MemoryInflight) IsInflight(_ context.Context, feedID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.feeds[feedID]
	return ok, nil
}

// InflightEntry は実行中フィードのスナップショット要素。
type InflightEntry struct {
	FeedID string    `json:"feed_id"`
	Since  time.Time `json:"since"`
}

// Snapshot は実行中フィードの一覧をフィードID順で返す。
func (m *MemoryInflight) Snapshot() []InflightEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]InflightEntry, 0, len(m.feeds))
	for id, mark := range m.feeds {
		entries = append(entries, InflightEntry{FeedID: id, Since: mark.since})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FeedID < entries[j].FeedID })
	return entries
}

const inflightKeyPrefix = "feedcheck:inflight:"

// releaseScript はトークンが一致するリースのみを削除する。
// リース切れ後に他の取得者が取得したマークを消さないため。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript はトークンが一致するリースの期限を延長する。
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisInflight はRedisのリース付きキーで実行中フィードを追跡する。
// 複数ワーカープロセス間で同一フィードの同時チェックを防ぐ。
// プロセスが異常終了した場合、マークはリース期限で自然に消える。
// キーの値は取得ごとのトークンで、同一プロセス内の再取得とも区別する。
type RedisInflight struct {
	client redis.Cmdable
	lease  time.Duration
}

// NewRedisInflight はRedisInflightを生成する。
func NewRedisInflight(client redis.Cmdable, lease time.Duration) *RedisInflight {
	return &RedisInflight{
		client: client,
		lease:  lease,
	}
}

func (r *RedisInflight) key(feedID string) string {
	return inflightKeyPrefix + feedID
}

// TryAcquire はSET NX PXでリースを取得する。
func (r *RedisInflight) TryAcquire(ctx context.Context, feedID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(feedID), token, r.lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("実行中マークの取得に失敗しました (feed_id=%s): %w", feedID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh はリースの期限を現在からleaseだけ延長する。
func (r *RedisInflight) Refresh(ctx context.Context, feedID, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(feedID)}, token, r.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("実行中マークの延長に失敗しました (feed_id=%s): %w", feedID, err)
	}
	return n == 1, nil
}

// Release はtokenのリースを解放する。
func (r *RedisInflight) Release(ctx context.Context, feedID, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(feedID)}, token).Err(); err != nil {
		return fmt.Errorf("実行中マークの解除に失敗しました (feed_id=%s): %w", feedID, err)
	}
	return nil
}

// IsInflight はリースキーの存在を確認する。
func (r *RedisInflight) IsInflight(ctx context.Context, feedID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(feedID)).Result()
	if err != nil {
		return false, fmt.Errorf("実行中マークの確認に失敗しました (feed_id=%s): %w", feedID, err)
	}
	return n == 1, nil
}

// compile-time interface check
var (
	_ InflightTracker = (*MemoryInflight)(nil)
	_ InflightTracker = (*RedisInflight)(nil)
)
