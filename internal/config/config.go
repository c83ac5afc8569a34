package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/feedcheck/internal/fingerprint"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（任意。未設定の場合はプロセス内の実装を使用する）
	RedisURL string

	// Check
	CheckInterval        time.Duration
	FingerprintAlgorithm fingerprint.Algorithm
	SchedulerTickPeriod  time.Duration
	RegistryPageSize     int
	InflightLease        time.Duration

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	DispatchRate       float64 // 1秒あたりの最大ディスパッチ数。0は無制限
	DispatchMaxPending int     // 待機中を含む未終了チェック数の上限

	// Creation
	ReaperTickPeriod           time.Duration
	CreationStalenessThreshold time.Duration
	CreationRetentionDays      int

	// Schedule
	ScheduleFile string

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	algorithm, err := fingerprint.ParseAlgorithm(getEnvString("FINGERPRINT_ALGORITHM", string(fingerprint.DefaultAlgorithm)))
	if err != nil {
		return nil, fmt.Errorf("invalid FINGERPRINT_ALGORITHM: %w", err)
	}
	cfg.FingerprintAlgorithm = algorithm

	level, err := parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.CheckInterval = getEnvDuration("CHECK_INTERVAL", 600*time.Second)
	cfg.SchedulerTickPeriod = getEnvDuration("SCHEDULER_TICK_PERIOD", 10*time.Second)
	cfg.RegistryPageSize = getEnvInt("REGISTRY_PAGE_SIZE", 500)
	cfg.InflightLease = getEnvDuration("INFLIGHT_LEASE", 2*cfg.CheckInterval)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.DispatchRate = getEnvFloat("DISPATCH_RATE", 0)
	cfg.DispatchMaxPending = getEnvInt("DISPATCH_MAX_PENDING", 1000)
	cfg.ReaperTickPeriod = getEnvDuration("REAPER_TICK_PERIOD", 60*time.Second)
	cfg.CreationStalenessThreshold = getEnvDuration("CREATION_STALENESS_THRESHOLD", 10*time.Minute)
	cfg.CreationRetentionDays = getEnvInt("CREATION_RETENTION_DAYS", 7)
	cfg.ScheduleFile = getEnvString("SCHEDULE_FILE", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は値の範囲と相互関係を検証する。
// スケジューラのティックはチェック間隔より短くなければならない。
// INFLIGHT_LEASEはチェック開始時に延長されるため、FETCH_TIMEOUTより長ければよい。
func (c *Config) validate() error {
	var problems []string

	if c.CheckInterval <= 0 {
		problems = append(problems, "CHECK_INTERVAL must be positive")
	}
	if c.SchedulerTickPeriod <= 0 {
		problems = append(problems, "SCHEDULER_TICK_PERIOD must be positive")
	} else if c.SchedulerTickPeriod >= c.CheckInterval {
		problems = append(problems, "SCHEDULER_TICK_PERIOD must be shorter than CHECK_INTERVAL")
	}
	if c.ReaperTickPeriod <= 0 {
		problems = append(problems, "REAPER_TICK_PERIOD must be positive")
	}
	if c.CreationStalenessThreshold <= 0 {
		problems = append(problems, "CREATION_STALENESS_THRESHOLD must be positive")
	}
	if c.FetchTimeout <= 0 {
		problems = append(problems, "FETCH_TIMEOUT must be positive")
	}
	if c.InflightLease <= c.FetchTimeout {
		problems = append(problems, "INFLIGHT_LEASE must be longer than FETCH_TIMEOUT")
	}
	if c.DispatchRate < 0 {
		problems = append(problems, "DISPATCH_RATE must not be negative")
	}
	if c.FetchMaxConcurrent <= 0 {
		problems = append(problems, "FETCH_MAX_CONCURRENT must be positive")
	} else if c.DispatchMaxPending < c.FetchMaxConcurrent {
		problems = append(problems, "DISPATCH_MAX_PENDING must not be smaller than FETCH_MAX_CONCURRENT")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
