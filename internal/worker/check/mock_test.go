package check

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedcheck/internal/fingerprint"
	"github.com/hitoshi/feedcheck/internal/model"
)

// --- モック定義 ---

// mockRegistry はFeedRegistryのテスト用モック。
type mockRegistry struct {
	listDueCandidatesFunc func(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Feed, error)
	findByIDFunc          func(ctx context.Context, id string) (*model.Feed, error)
	updateCheckResultFunc func(ctx context.Context, feedID string, fp model.Fingerprint, outcome model.CheckOutcome, checkedAt time.Time) error
}

func (m *mockRegistry) ListDueCandidates(ctx context.Context, now time.Time, afterID string, limit int) ([]*model.Feed, error) {
	if m.listDueCandidatesFunc != nil {
		return m.listDueCandidatesFunc(ctx, now, afterID, limit)
	}
	return nil, nil
}

func (m *mockRegistry) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockRegistry) UpdateCheckResult(ctx context.Context, feedID string, fp model.Fingerprint, outcome model.CheckOutcome, checkedAt time.Time) error {
	if m.updateCheckResultFunc != nil {
		return m.updateCheckResultFunc(ctx, feedID, fp, outcome, checkedAt)
	}
	return nil
}

// fakeRegistry はPostgresFeedRegistryと同じ更新規則を持つインメモリ実装。
type fakeRegistry struct {
	mu              sync.Mutex
	feeds           map[string]*model.Feed
	defaultInterval time.Duration
	listCalls       int
	updates         int

	// afterList はListDueCandidatesがページを返した直後に呼ばれる。
	afterList func()
}

func newFakeRegistry(defaultInterval time.Duration, feeds ...*model.Feed) *fakeRegistry {
	r := &fakeRegistry{
		feeds:           make(map[string]*model.Feed),
		defaultInterval: defaultInterval,
	}
	for _, f := range feeds {
		r.feeds[f.ID] = f
	}
	return r
}

func (r *fakeRegistry) ListDueCandidates(_ context.Context, now time.Time, afterID string, limit int) ([]*model.Feed, error) {
	if r.afterList != nil {
		defer r.afterList()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++

	ids := make([]string, 0, len(r.feeds))
	for id := range r.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*model.Feed
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		f := r.feeds[id]
		if !f.IsDue(now, r.defaultInterval) {
			continue
		}
		cp := *f
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRegistry) FindByID(_ context.Context, id string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	if f.LastCheckedAt != nil {
		t := *f.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	return &cp, nil
}

func (r *fakeRegistry) UpdateCheckResult(_ context.Context, feedID string, fp model.Fingerprint, outcome model.CheckOutcome, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++

	f, ok := r.feeds[feedID]
	if !ok {
		return nil
	}
	if f.LastCheckedAt == nil || checkedAt.After(*f.LastCheckedAt) {
		t := checkedAt
		f.LastCheckedAt = &t
	}
	if fp != "" {
		f.ContentFingerprint = fp
	}
	if outcome == model.CheckOutcomeFailed {
		f.ConsecutiveFailures++
	} else {
		f.ConsecutiveFailures = 0
	}
	return nil
}

func (r *fakeRegistry) get(id string) model.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.feeds[id]
}

// mockFetcher はFeedFetcherのテスト用モック。
type mockFetcher struct {
	fetchFunc func(ctx context.Context, feed *model.Feed) ([]byte, error)
}

func (m *mockFetcher) FetchFeed(ctx context.Context, feed *model.Feed) ([]byte, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, feed)
	}
	return nil, nil
}

// mockStore はContentStoreのテスト用モック。呼び出しを記録する。
type mockStore struct {
	mu        sync.Mutex
	calls     []storeCall
	storeFunc func(ctx context.Context, feedID string, content []byte) error
}

type storeCall struct {
	feedID  string
	content string
}

func (m *mockStore) ParseAndStore(ctx context.Context, feedID string, content []byte) error {
	m.mu.Lock()
	m.calls = append(m.calls, storeCall{feedID: feedID, content: string(content)})
	m.mu.Unlock()
	if m.storeFunc != nil {
		return m.storeFunc(ctx, feedID, content)
	}
	return nil
}

func (m *mockStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockChecker はCheckerのテスト用モック。
type mockChecker struct {
	checkFunc func(ctx context.Context, feed *model.Feed) error
}

func (m *mockChecker) Check(ctx context.Context, feed *model.Feed) error {
	if m.checkFunc != nil {
		return m.checkFunc(ctx, feed)
	}
	return nil
}

// fakeClock はテスト用の手動時計。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// syncBuffer は複数ゴルーチンから書き込まれるログ用のバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newSyncLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// logEntries はJSONログを1行ずつデコードする。
func logEntries(t *testing.T, raw string) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("ログのJSONパースに失敗: %v (line=%s)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func mustFingerprinter(t *testing.T) *fingerprint.Fingerprinter {
	t.Helper()
	fp, err := fingerprint.New(fingerprint.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("fingerprint.New がエラーを返した: %v", err)
	}
	return fp
}

func mustFingerprint(t *testing.T, content string) model.Fingerprint {
	t.Helper()
	fp, err := mustFingerprinter(t).Fingerprint([]byte(content))
	if err != nil {
		t.Fatalf("Fingerprint がエラーを返した: %v", err)
	}
	return fp
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// waitFor は条件が成立するまで最大timeoutの間ポーリングする。
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("条件が期限内に成立しませんでした")
}

func zeroJitter(time.Duration) time.Duration { return 0 }
