// Package entry はフィードコンテンツのパースと記事の保存を提供する。
// コンテンツが変化したと判定されたチェックでのみ呼び出される。
package entry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedcheck/internal/metrics"
	"github.com/hitoshi/feedcheck/internal/model"
	"github.com/hitoshi/feedcheck/internal/repository"
)

// Store はフィードコンテンツをパースし、記事をUPSERTする。
type Store struct {
	repo      repository.EntryRepository
	sanitizer *Sanitizer
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(repo repository.EntryRepository, logger *slog.Logger, recorder metrics.Recorder) *Store {
	return &Store{
		repo:      repo,
		sanitizer: NewSanitizer(),
		logger:    logger,
		metrics:   metrics.OrNop(recorder),
		now:       time.Now,
	}
}

// ParseAndStore はRSS/Atom/JSON Feedをパースして記事を保存する。
// パースに失敗した場合は何も保存せずエラーを返す。
func (s *Store) ParseAndStore(ctx context.Context, feedID string, content []byte) error {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	entries := s.convert(feedID, parsed.Items)
	inserted, updated, err := s.repo.UpsertEntries(ctx, feedID, entries)
	if err != nil {
		return fmt.Errorf("記事の保存に失敗: %w", err)
	}
	s.metrics.RecordEntriesUpserted(inserted + updated)

	s.logger.Info("記事を保存しました",
		slog.String("feed_id", feedID),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("items_inserted", inserted),
		slog.Int("items_updated", updated),
	)
	return nil
}

// convert はgofeedの記事をmodel.Entryに変換する。
// 識別子はguid、link、タイトル・公開日時・要約のハッシュの順に決める。
// 同じ識別子が複数ある場合は先勝ちとする。
func (s *Store) convert(feedID string, items []*gofeed.Item) []*model.Entry {
	fetchedAt := s.now()
	seen := make(map[string]bool, len(items))
	entries := make([]*model.Entry, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		e := &model.Entry{
			ID:        uuid.NewString(),
			FeedID:    feedID,
			Title:     strings.TrimSpace(item.Title),
			Link:      item.Link,
			Content:   s.sanitizer.Sanitize(item.Content),
			Summary:   s.sanitizer.Sanitize(item.Description),
			FetchedAt: fetchedAt,
		}

		if item.Author != nil {
			e.Author = item.Author.Name
		}
		if e.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			e.Author = item.Authors[0].Name
		}

		switch {
		case item.PublishedParsed != nil:
			t := *item.PublishedParsed
			e.PublishedAt = &t
		case item.UpdatedParsed != nil:
			t := *item.UpdatedParsed
			e.PublishedAt = &t
		}

		if e.Content == "" {
			e.Content = e.Summary
		}
		if e.Link == "" && isHTTPURL(item.GUID) {
			e.Link = item.GUID
		}

		e.GUID = identity(item.GUID, e.Link, e.Title, e.PublishedAt, e.Summary)
		if e.GUID == "" || seen[e.GUID] {
			continue
		}
		seen[e.GUID] = true
		entries = append(entries, e)
	}
	return entries
}

func identity(guid, link, title string, publishedAt *time.Time, summary string) string {
	if guid != "" {
		return guid
	}
	if link != "" {
		return link
	}
	if title == "" && summary == "" {
		return ""
	}

	h := sha256.New()
	h.Write([]byte(title))
	if publishedAt != nil {
		h.Write([]byte(publishedAt.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte(summary))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
