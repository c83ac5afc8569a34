package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultMaxOpenConns は接続プールの既定の最大接続数。
const DefaultMaxOpenConns = 15

// backgroundConns は選定・作成タスク回収・削除・ヘルスチェック用に確保する接続数。
const backgroundConns = 5

// PoolSize は同時チェック数から接続プールの最大接続数を求める。
// 各チェックはチェック状態の再読み込みと結果の記録で1接続ずつ使う。
func PoolSize(maxConcurrentChecks int) int {
	if maxConcurrentChecks <= 0 {
		return DefaultMaxOpenConns
	}
	return maxConcurrentChecks + backgroundConns
}

// Open はフィードレジストリと作成タスクを保持するPostgreSQLへの接続プールを開く。
// maxOpenConnsが0以下の場合はDefaultMaxOpenConnsを使用する。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(databaseURL string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
