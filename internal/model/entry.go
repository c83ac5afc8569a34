package model

import "time"

// Entry はフィードから取得した記事を表す。
type Entry struct {
	ID          string
	FeedID      string
	GUID        string // guid、なければlink
	Title       string
	Link        string
	Content     string // サニタイズ済みHTML
	Summary     string // サニタイズ済み
	Author      string
	PublishedAt *time.Time
	FetchedAt   time.Time
}
