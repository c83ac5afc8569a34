package beat

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry はスケジュール表の1行。TaskをEvery間隔で実行する。
type Entry struct {
	Task     TaskID        `yaml:"task"`
	Every    time.Duration `yaml:"every"`
	Disabled bool          `yaml:"disabled,omitempty"`
}

// TableFile はスケジュール表ファイルの構造。
//
//	schedule:
//	  - task: check_feed
//	    every: 10s
//	  - task: purge_feed_creation
//	    disabled: true
type TableFile struct {
	Schedule []Entry `yaml:"schedule"`
}

// DefaultTable は既定のスケジュール表を返す。
func DefaultTable(checkTick, reaperTick time.Duration) []Entry {
	return []Entry{
		{Task: TaskCheckFeed, Every: checkTick},
		{Task: TaskCleanFeedCreation, Every: reaperTick},
		{Task: TaskPurgeFeedCreation, Every: 24 * time.Hour},
	}
}

// ParseTable はYAMLのスケジュール表をパースする。
func ParseTable(data []byte) ([]Entry, error) {
	var f TableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("スケジュール表のパースに失敗: %w", err)
	}
	return f.Schedule, nil
}

// LoadTableFile はファイルからスケジュール表を読み込む。
func LoadTableFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("スケジュール表の読み込みに失敗: %w", err)
	}
	return ParseTable(data)
}

// MergeTable はbaseにoverridesをタスク名単位で上書きする。
// overridesのEveryが0の場合はbaseの間隔を維持する。
// baseに無いタスクは末尾に追加する。
func MergeTable(base, overrides []Entry) []Entry {
	merged := make([]Entry, len(base))
	copy(merged, base)

	index := make(map[TaskID]int, len(merged))
	for i, e := range merged {
		index[e.Task] = i
	}

	for _, o := range overrides {
		i, ok := index[o.Task]
		if !ok {
			index[o.Task] = len(merged)
			merged = append(merged, o)
			continue
		}
		if o.Every > 0 {
			merged[i].Every = o.Every
		}
		merged[i].Disabled = o.Disabled
	}
	return merged
}
