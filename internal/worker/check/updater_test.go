package check

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/feedcheck/internal/model"
)

// newScenarioUpdater は既定のフィンガープリンタとfakeRegistryでUpdaterを組み立てる。
func newScenarioUpdater(t *testing.T, reg *fakeRegistry, fetcher FeedFetcher, store *mockStore, clock *fakeClock, buf *bytes.Buffer) *Updater {
	t.Helper()
	u := NewUpdater(fetcher, mustFingerprinter(t), reg, store, newTestLogger(buf), nil, interval, time.Second)
	u.SetClock(clock.Now)
	return u
}

func staticFetcher(content string) *mockFetcher {
	return &mockFetcher{
		fetchFunc: func(context.Context, *model.Feed) ([]byte, error) {
			return []byte(content), nil
		},
	}
}

// シナリオA: 同じコンテンツが再取得された場合はパース・保存を行わない
func TestUpdater_ScenarioA_UnchangedContent(t *testing.T) {
	var buf bytes.Buffer
	h1 := mustFingerprint(t, "<rss>v1</rss>")
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                 "F",
		FeedURL:            "https://example.com/f.xml",
		LastCheckedAt:      timePtr(t0),
		ContentFingerprint: h1,
		CheckInterval:      600 * time.Second,
	})
	store := &mockStore{}
	clock := newFakeClock(t0.Add(650 * time.Second))

	u := newScenarioUpdater(t, reg, staticFetcher("<rss>v1</rss>"), store, clock, &buf)
	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}

	got := reg.get("F")
	if !got.LastCheckedAt.Equal(t0.Add(650 * time.Second)) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, t0.Add(650*time.Second))
	}
	if got.ContentFingerprint != h1 {
		t.Errorf("ContentFingerprint = %q, want %q", got.ContentFingerprint, h1)
	}
	if store.callCount() != 0 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 0", store.callCount())
	}
}

// シナリオB: コンテンツが変化した場合はパース・保存を1回だけ呼び出す
func TestUpdater_ScenarioB_ChangedContent(t *testing.T) {
	var buf bytes.Buffer
	h1 := mustFingerprint(t, "<rss>v1</rss>")
	h2 := mustFingerprint(t, "<rss>v2</rss>")
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                 "F",
		LastCheckedAt:      timePtr(t0),
		ContentFingerprint: h1,
		CheckInterval:      600 * time.Second,
	})
	store := &mockStore{}
	clock := newFakeClock(t0.Add(650 * time.Second))

	u := newScenarioUpdater(t, reg, staticFetcher("<rss>v2</rss>"), store, clock, &buf)
	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}

	if store.callCount() != 1 {
		t.Fatalf("ParseAndStore 呼び出し回数 = %d, want 1", store.callCount())
	}
	if store.calls[0].feedID != "F" || store.calls[0].content != "<rss>v2</rss>" {
		t.Errorf("ParseAndStore 引数 = %+v", store.calls[0])
	}
	if got := reg.get("F").ContentFingerprint; got != h2 {
		t.Errorf("ContentFingerprint = %q, want %q", got, h2)
	}
}

// シナリオC: タイムアウトは失敗として記録され、次の期限まで再チェックされない
func TestUpdater_ScenarioC_TimeoutRecordedAsFailure(t *testing.T) {
	var buf bytes.Buffer
	h1 := mustFingerprint(t, "old")
	t1 := t0.Add(time.Hour)
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                 "G",
		LastCheckedAt:      timePtr(t0),
		ContentFingerprint: h1,
	})
	store := &mockStore{}
	clock := newFakeClock(t1)

	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, _ *model.Feed) ([]byte, error) {
			<-ctx.Done()
			return nil, model.NewTransientFetchError(0, ctx.Err())
		},
	}

	u := NewUpdater(fetcher, mustFingerprinter(t), reg, store, newTestLogger(&buf), nil, interval, 20*time.Millisecond)
	u.SetClock(clock.Now)

	feed := reg.get("G")
	err := u.Check(context.Background(), &feed)
	if err == nil {
		t.Fatal("Check() はタイムアウト時にエラーを返すべき")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("errors.Is(err, DeadlineExceeded) = false: %v", err)
	}

	got := reg.get("G")
	if got.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}
	if !got.LastCheckedAt.Equal(t1) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, t1)
	}
	if got.ContentFingerprint != h1 {
		t.Errorf("ContentFingerprint = %q, want unchanged %q", got.ContentFingerprint, h1)
	}
	if store.callCount() != 0 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 0", store.callCount())
	}

	if got.IsDue(t1.Add(interval-time.Second), interval) {
		t.Error("失敗直後のフィードが期限前に期限到来と判定された")
	}
	if !got.IsDue(t1.Add(interval), interval) {
		t.Error("失敗したフィードが期限ちょうどに期限到来と判定されない")
	}
}

func TestUpdater_IdenticalContentTwiceNeverStores(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{ID: "F"})
	store := &mockStore{}
	clock := newFakeClock(t0)

	u := newScenarioUpdater(t, reg, staticFetcher("same"), store, clock, &buf)

	for i := 0; i < 3; i++ {
		clock.Set(t0.Add(time.Duration(i) * interval))
		feed := reg.get("F")
		if err := u.Check(context.Background(), &feed); err != nil {
			t.Fatalf("Check() がエラーを返した: %v", err)
		}
	}

	// 初回のみ（未保存→保存）
	if store.callCount() != 1 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 1", store.callCount())
	}
}

func TestUpdater_EmptyContentIsFingerprinted(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{ID: "F"})
	store := &mockStore{}
	clock := newFakeClock(t0)

	u := newScenarioUpdater(t, reg, staticFetcher(""), store, clock, &buf)
	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("空コンテンツでCheck() がエラーを返した: %v", err)
	}

	got := reg.get("F")
	if got.ContentFingerprint != mustFingerprint(t, "") {
		t.Errorf("ContentFingerprint = %q, want fingerprint of empty content", got.ContentFingerprint)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got.ConsecutiveFailures)
	}
}

func TestUpdater_SuccessResetsFailureCount(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                  "F",
		ConsecutiveFailures: 4,
		ContentFingerprint:  mustFingerprint(t, "body"),
	})
	clock := newFakeClock(t0)

	u := newScenarioUpdater(t, reg, staticFetcher("body"), &mockStore{}, clock, &buf)
	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}
	if got := reg.get("F").ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got)
	}
}

// errFingerprinter は常に失敗するフィンガープリンタ。
type errFingerprinter struct{}

func (errFingerprinter) Fingerprint([]byte) (model.Fingerprint, error) {
	return "", errors.New("hash unavailable")
}

func TestUpdater_FingerprintErrorRecordedAsFailure(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{ID: "F", ContentFingerprint: "prev"})
	store := &mockStore{}

	u := NewUpdater(staticFetcher("x"), errFingerprinter{}, reg, store, newTestLogger(&buf), nil, interval, time.Second)
	u.SetClock(newFakeClock(t0).Now)

	feed := reg.get("F")
	err := u.Check(context.Background(), &feed)
	if !errors.Is(err, model.ErrFingerprint) {
		t.Fatalf("errors.Is(err, ErrFingerprint) = false: %v", err)
	}

	got := reg.get("F")
	if got.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.ContentFingerprint != "prev" {
		t.Errorf("ContentFingerprint = %q, want unchanged", got.ContentFingerprint)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(t0) {
		t.Errorf("LastCheckedAt = %v, want %v", got.LastCheckedAt, t0)
	}
	if store.callCount() != 0 {
		t.Error("フィンガープリント失敗時にParseAndStoreが呼ばれた")
	}
}

func TestUpdater_StoreFailureDoesNotPersistFingerprint(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{ID: "F", ContentFingerprint: "prev"})
	store := &mockStore{
		storeFunc: func(context.Context, string, []byte) error {
			return errors.New("disk full")
		},
	}
	clock := newFakeClock(t0)

	u := newScenarioUpdater(t, reg, staticFetcher("new"), store, clock, &buf)
	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err == nil {
		t.Fatal("Check() は保存失敗時にエラーを返すべき")
	}

	got := reg.get("F")
	if got.ContentFingerprint != "prev" {
		t.Errorf("ContentFingerprint = %q, want unchanged 'prev'", got.ContentFingerprint)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}

	// 次回のチェックでは同じコンテンツが再び変更として扱われる
	store.storeFunc = nil
	clock.Set(t0.Add(interval))
	feed = reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("2回目のCheck() がエラーを返した: %v", err)
	}
	if store.callCount() != 2 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 2", store.callCount())
	}
	if got := reg.get("F").ContentFingerprint; got != mustFingerprint(t, "new") {
		t.Errorf("ContentFingerprint = %q, want fingerprint of 'new'", got)
	}
}

func TestUpdater_RegistryWriteErrorIsReturned(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockRegistry{
		findByIDFunc: func(_ context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id, ContentFingerprint: mustFingerprint(t, "x")}, nil
		},
		updateCheckResultFunc: func(context.Context, string, model.Fingerprint, model.CheckOutcome, time.Time) error {
			return errors.New("write failed")
		},
	}

	u := NewUpdater(staticFetcher("x"), mustFingerprinter(t), repo, &mockStore{}, newTestLogger(&buf), nil, interval, time.Second)
	err := u.Check(context.Background(), &model.Feed{ID: "F", ContentFingerprint: mustFingerprint(t, "x")})
	if err == nil || !strings.Contains(err.Error(), "write failed") {
		t.Errorf("Check() error = %v, want write failed", err)
	}
	if !strings.Contains(buf.String(), "チェック結果の記録に失敗しました") {
		t.Errorf("ログに記録失敗が出力されていない: %s", buf.String())
	}
}

func TestUpdater_ParentCancelRecordsNothing(t *testing.T) {
	var buf bytes.Buffer
	updates := 0
	repo := &mockRegistry{
		findByIDFunc: func(_ context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id}, nil
		},
		updateCheckResultFunc: func(context.Context, string, model.Fingerprint, model.CheckOutcome, time.Time) error {
			updates++
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, _ *model.Feed) ([]byte, error) {
			cancel()
			return nil, ctx.Err()
		},
	}

	u := NewUpdater(fetcher, mustFingerprinter(t), repo, &mockStore{}, newTestLogger(&buf), nil, interval, time.Second)
	err := u.Check(ctx, &model.Feed{ID: "F"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Check() error = %v, want context.Canceled", err)
	}
	if updates != 0 {
		t.Errorf("シャットダウン中にチェック結果が記録された: %d回", updates)
	}
}

func TestUpdater_LogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval, &model.Feed{ID: "F", FeedURL: "https://example.com/f"})
	u := newScenarioUpdater(t, reg, staticFetcher("x"), &mockStore{}, newFakeClock(t0), &buf)

	feed := reg.get("F")
	if err := u.Check(context.Background(), &feed); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}

	entries := logEntries(t, buf.String())
	found := false
	for _, e := range entries {
		if e["msg"] == "フィードチェックが完了しました" {
			found = true
			if e["feed_id"] != "F" {
				t.Errorf("feed_id = %v, want F", e["feed_id"])
			}
			if e["outcome"] != string(model.CheckOutcomeChanged) {
				t.Errorf("outcome = %v, want changed", e["outcome"])
			}
		}
	}
	if !found {
		t.Errorf("完了ログが出力されていない: %s", buf.String())
	}
}

// 選定後に別のチェックが完了したフィードは、古いスナップショットで再チェックしない
func TestUpdater_SkipsFeedCheckedAfterSelection(t *testing.T) {
	var buf bytes.Buffer
	h1 := mustFingerprint(t, "<rss>v1</rss>")
	h2 := mustFingerprint(t, "<rss>v2</rss>")
	tick := t0.Add(interval)
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                 "F",
		LastCheckedAt:      timePtr(t0),
		ContentFingerprint: h1,
	})
	store := &mockStore{}
	var fetches atomic.Int64
	fetcher := &mockFetcher{
		fetchFunc: func(context.Context, *model.Feed) ([]byte, error) {
			fetches.Add(1)
			return []byte("<rss>v2</rss>"), nil
		},
	}

	u := newScenarioUpdater(t, reg, fetcher, store, newFakeClock(tick), &buf)
	selected := reg.get("F")

	// 選定とチェック開始の間に先行チェックがv2を記録した
	if err := reg.UpdateCheckResult(context.Background(), "F", h2, model.CheckOutcomeChanged, tick.Add(-time.Second)); err != nil {
		t.Fatalf("UpdateCheckResult() がエラーを返した: %v", err)
	}

	if err := u.Check(context.Background(), &selected); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}
	if fetches.Load() != 0 {
		t.Errorf("フェッチ回数 = %d, want 0", fetches.Load())
	}
	if store.callCount() != 0 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 0", store.callCount())
	}
	if got := reg.get("F"); !got.LastCheckedAt.Equal(tick.Add(-time.Second)) || got.ContentFingerprint != h2 {
		t.Errorf("レジストリが変更された: %+v", got)
	}
}

// 再読み込みした最新のフィンガープリントと比較する
func TestUpdater_ComparesAgainstReloadedFingerprint(t *testing.T) {
	var buf bytes.Buffer
	h2 := mustFingerprint(t, "<rss>v2</rss>")
	reg := newFakeRegistry(interval, &model.Feed{
		ID:                 "F",
		LastCheckedAt:      timePtr(t0),
		ContentFingerprint: h2,
	})
	store := &mockStore{}

	u := newScenarioUpdater(t, reg, staticFetcher("<rss>v2</rss>"), store, newFakeClock(t0.Add(interval)), &buf)
	stale := model.Feed{ID: "F", ContentFingerprint: mustFingerprint(t, "<rss>v1</rss>")}
	if err := u.Check(context.Background(), &stale); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}
	if store.callCount() != 0 {
		t.Errorf("ParseAndStore 呼び出し回数 = %d, want 0", store.callCount())
	}
}

func TestUpdater_MissingFeedIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	reg := newFakeRegistry(interval)
	var fetches atomic.Int64
	fetcher := &mockFetcher{
		fetchFunc: func(context.Context, *model.Feed) ([]byte, error) {
			fetches.Add(1)
			return nil, nil
		},
	}

	u := newScenarioUpdater(t, reg, fetcher, &mockStore{}, newFakeClock(t0), &buf)
	if err := u.Check(context.Background(), &model.Feed{ID: "gone"}); err != nil {
		t.Fatalf("Check() がエラーを返した: %v", err)
	}
	if fetches.Load() != 0 {
		t.Errorf("削除済みフィードをフェッチした: %d回", fetches.Load())
	}
	if !strings.Contains(buf.String(), "フィードが見つからないためチェックをスキップします") {
		t.Errorf("スキップのログが出力されていない: %s", buf.String())
	}
}

func TestUpdater_ReloadErrorRecordsNothing(t *testing.T) {
	var buf bytes.Buffer
	updates := 0
	repo := &mockRegistry{
		findByIDFunc: func(context.Context, string) (*model.Feed, error) {
			return nil, errors.New("connection refused")
		},
		updateCheckResultFunc: func(context.Context, string, model.Fingerprint, model.CheckOutcome, time.Time) error {
			updates++
			return nil
		},
	}

	u := NewUpdater(staticFetcher("x"), mustFingerprinter(t), repo, &mockStore{}, newTestLogger(&buf), nil, interval, time.Second)
	err := u.Check(context.Background(), &model.Feed{ID: "F"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Check() error = %v, want connection refused", err)
	}
	if updates != 0 {
		t.Errorf("再読み込み失敗時にチェック結果が記録された: %d回", updates)
	}
}
