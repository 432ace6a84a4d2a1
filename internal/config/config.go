// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// ログ設定
	LogLevel   string // zerologのログレベル (trace, debug, info, warn, error)
	LogConsole bool   // 開発向けのコンソール出力を使うかどうか

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストレージ設定
	DataDir     string // アップロード・取得ファイル・成果物の保存先
	MaxFileSize int64  // 単一ドキュメントの最大サイズ（バイト）

	// リモート取得設定
	FetchTimeout    time.Duration // リモートURL取得のタイムアウト
	AllowedURLHosts string        // remoteUrl で許可するホスト（カンマ区切り、サフィックス一致）

	// ジョブ/キュー設定
	QueueRedisURL   string        // ジョブ状態ストアとWebhook配送用のRedis接続URL
	QueueCapacity   int           // 受付キューの容量（満杯時は即時拒否）
	WorkerCount     int           // ワーカーゴルーチン数
	MaxAttempts     int           // 一時的エラーに対する最大試行回数
	StageTimeout    time.Duration // 1ステージあたりのタイムアウト
	LivenessTimeout time.Duration // processing のまま放置されたジョブを回収するまでの猶予
	ReaperInterval  time.Duration // 回収スイープの実行間隔
	JobTTL          time.Duration // 終了後にジョブ記録と成果物を保持する期間
	BusGrace        time.Duration // 終端イベント後にイベントチャネルを維持する猶予

	// 受付レート制限
	SubmitRatePerSec float64 // 投入エンドポイントの毎秒許容リクエスト数
	SubmitBurst      int     // 投入エンドポイントのバースト許容量
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// ログ設定
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogConsole: getEnv("LOG_CONSOLE", "") == "true" || getEnv("GIN_MODE", "debug") == "debug",

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストレージ設定
		DataDir:     getEnv("DATA_DIR", "data"),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 52428800), // 50MB

		// リモート取得設定
		FetchTimeout:    getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
		AllowedURLHosts: getEnv("ALLOWED_URL_HOSTS", "arxiv.org"),

		// ジョブ/キュー設定
		QueueRedisURL:   getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueCapacity:   getEnvAsInt("QUEUE_CAPACITY", 64),
		WorkerCount:     getEnvAsInt("WORKER_COUNT", 4),
		MaxAttempts:     getEnvAsInt("MAX_ATTEMPTS", 5),
		StageTimeout:    getEnvAsDuration("STAGE_TIMEOUT", 2*time.Minute),
		LivenessTimeout: getEnvAsDuration("LIVENESS_TIMEOUT", 5*time.Minute),
		ReaperInterval:  getEnvAsDuration("REAPER_INTERVAL", 30*time.Second),
		JobTTL:          getEnvAsDuration("JOB_TTL", time.Hour),
		BusGrace:        getEnvAsDuration("BUS_GRACE", 5*time.Second),

		// 受付レート制限
		SubmitRatePerSec: getEnvAsFloat("SUBMIT_RATE_PER_SEC", 5),
		SubmitBurst:      getEnvAsInt("SUBMIT_BURST", 10),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive (got %d)", c.QueueCapacity)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive (got %d)", c.WorkerCount)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive (got %d)", c.MaxAttempts)
	}

	// 本番モードでは外部依存の設定を厳格にチェックする
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if strings.TrimSpace(c.AllowedURLHosts) == "" {
			return fmt.Errorf("ALLOWED_URL_HOSTS is required in release mode")
		}
	}

	return nil
}

// AllowedHosts は remoteUrl で許可するホストの一覧を返します。
func (c *Config) AllowedHosts() []string {
	parts := strings.Split(c.AllowedURLHosts, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(p); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s", "5m"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
