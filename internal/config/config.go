package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppPort string
	BaseURL string

	// 可选的全站 Basic Auth
	BasicAuthUser string
	BasicAuthPass string

	// 存储：postgres（默认）或 sqlite（本地开发）
	StoreDriver string
	PostgresDSN string
	SQLitePath  string
	RedisAddr   string
	RetainItems int

	ProcessingCron string
	FeedsDir       string
	SourcesFile    string
	HTTPTimeout    time.Duration

	// 短链接（ouo.io）变现
	OuoAPIToken         string
	OuoAPIBase          string
	OuoRateLimitPerHour int
	MonetizePacing      time.Duration

	// 变现链接缓存：file 或 redis
	CacheBackend string
	CacheFile    string
	CacheTTL     time.Duration

	// Discord webhook 通知
	DiscordWebhookURL         string
	DiscordBotName            string
	DiscordAvatarURL          string
	DiscordRateLimitPerMinute int
	NotifyPacing              time.Duration
	Webhooks                  map[string]string
}

func Load() *Config {
	cfg := &Config{
		AppPort:       getEnv("APP_PORT", "9000"),
		BaseURL:       strings.TrimRight(getEnv("BASE_URL", "http://localhost:9000"), "/"),
		BasicAuthUser: os.Getenv("APP_BASIC_USER"),
		BasicAuthPass: os.Getenv("APP_BASIC_PASS"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		PostgresDSN: getEnv("POSTGRES_DSN", "host=localhost user=offerhub password=offerhub dbname=offerhub port=5432 sslmode=disable TimeZone=UTC"),
		SQLitePath:  getEnv("SQLITE_PATH", "data/offerhub.db"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RetainItems: getEnvInt("RETAIN_ITEMS", 10000),

		ProcessingCron: getEnv("PROCESSING_CRON", "*/15 * * * *"),
		FeedsDir:       getEnv("FEEDS_DIR", "public/feeds"),
		SourcesFile:    os.Getenv("SOURCES_FILE"),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		OuoAPIToken:         os.Getenv("OUO_API_TOKEN"),
		OuoAPIBase:          strings.TrimRight(getEnv("OUO_API_URL", "https://ouo.io/api"), "/"),
		OuoRateLimitPerHour: getEnvInt("OUO_RATE_LIMIT_PER_HOUR", 900),
		MonetizePacing:      getEnvDuration("MONETIZE_PACING", 100*time.Millisecond),

		CacheBackend: getEnv("CACHE_BACKEND", "file"),
		CacheFile:    getEnv("CACHE_FILE", "cache/monetized-links.json"),
		CacheTTL:     time.Duration(getEnvInt("CACHE_TTL_HOURS", 24)) * time.Hour,

		DiscordWebhookURL:         os.Getenv("DISCORD_WEBHOOK_URL"),
		DiscordBotName:            getEnv("DISCORD_BOT_NAME", "RSS Feed Bot"),
		DiscordAvatarURL:          os.Getenv("DISCORD_AVATAR_URL"),
		DiscordRateLimitPerMinute: getEnvInt("DISCORD_RATE_LIMIT_PER_MINUTE", 25),
		NotifyPacing:              getEnvDuration("NOTIFY_PACING", 2*time.Second),
		Webhooks: map[string]string{
			"ivy_league": os.Getenv("WEBHOOK_IVY_LEAGUE"),
			"udemy":      os.Getenv("WEBHOOK_UDEMY"),
			"itchio":     os.Getenv("WEBHOOK_ITCHIO"),
			"videogame":  os.Getenv("WEBHOOK_VIDEOGAME"),
			"dlc":        os.Getenv("WEBHOOK_DLC"),
		},
	}

	log.Printf("config loaded: port=%s store=%s cache=%s cron=%s feeds=%s",
		cfg.AppPort, cfg.StoreDriver, cfg.CacheBackend, cfg.ProcessingCron, cfg.FeedsDir)
	return cfg
}

// Validate 校验启动必需的配置；缺少外部凭据属于致命错误，进程不应启动
func (c *Config) Validate() error {
	var errs []error
	if c.OuoAPIToken == "" {
		errs = append(errs, errors.New("missing required environment variable OUO_API_TOKEN"))
	}
	if c.DiscordWebhookURL == "" {
		errs = append(errs, errors.New("missing required environment variable DISCORD_WEBHOOK_URL"))
	}
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver))
	}
	switch c.CacheBackend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be file or redis, got %q", c.CacheBackend))
	}
	return errors.Join(errs...)
}

// StoreDSN 返回当前驱动对应的连接串
func (c *Config) StoreDSN() string {
	if c.StoreDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.PostgresDSN
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("warn: %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.Printf("warn: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}
