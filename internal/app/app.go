package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/LJTian/OfferHub/internal/collector"
	"github.com/LJTian/OfferHub/internal/config"
	"github.com/LJTian/OfferHub/internal/linkcache"
	"github.com/LJTian/OfferHub/internal/monetizer"
	"github.com/LJTian/OfferHub/internal/notifier"
	"github.com/LJTian/OfferHub/internal/pipeline"
	"github.com/LJTian/OfferHub/internal/processor"
	"github.com/LJTian/OfferHub/internal/publisher"
	"github.com/LJTian/OfferHub/internal/ratelimit"
	"github.com/LJTian/OfferHub/internal/storage"
)

// App 持有进程内唯一的存储、缓存和限流器，由 cmd/api 与 cmd/collect 共用
type App struct {
	Config    *config.Config
	Sources   []config.Source
	Store     *storage.Store
	Cache     *linkcache.Cache
	Monetizer *monetizer.Monetizer
	Notifier  *notifier.Notifier
	Publisher *publisher.Publisher
	Pipeline  *pipeline.Pipeline
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	enabled := config.EnabledSources(sources)

	if cfg.StoreDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("app: sqlite dir: %w", err)
		}
	}
	store, err := storage.NewStore(storage.Options{
		Driver:    cfg.StoreDriver,
		DSN:       cfg.StoreDSN(),
		RedisAddr: cfg.RedisAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	var backend linkcache.Backend
	switch cfg.CacheBackend {
	case "redis":
		if store.Redis == nil {
			_ = store.Close()
			return nil, fmt.Errorf("app: CACHE_BACKEND=redis requires REDIS_ADDR")
		}
		backend = linkcache.NewRedisBackend(store.Redis, "")
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.CacheFile), 0o755); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("app: cache dir: %w", err)
		}
		backend = linkcache.NewFileBackend(cfg.CacheFile)
	}
	cache := linkcache.New(backend, cfg.CacheTTL)
	if err := cache.Load(ctx); err != nil {
		// 缓存只是加速，读不回来就从空缓存开始
		log.Printf("warn: load link cache: %v", err)
	}

	mon := monetizer.New(monetizer.Options{
		APIBase: cfg.OuoAPIBase,
		Token:   cfg.OuoAPIToken,
		Timeout: cfg.HTTPTimeout,
		Pacing:  cfg.MonetizePacing,
	}, cache, ratelimit.New(cfg.OuoRateLimitPerHour, time.Hour))

	notif := notifier.New(notifier.Options{
		DefaultWebhook: cfg.DiscordWebhookURL,
		Webhooks:       cfg.Webhooks,
		BotName:        cfg.DiscordBotName,
		AvatarURL:      cfg.DiscordAvatarURL,
		Timeout:        cfg.HTTPTimeout,
		Pacing:         cfg.NotifyPacing,
	}, ratelimit.New(cfg.DiscordRateLimitPerMinute, time.Minute))

	pub := publisher.New(store, publisher.Options{Dir: cfg.FeedsDir, BaseURL: cfg.BaseURL})

	pipe := pipeline.New(pipeline.Deps{
		Sources:    enabled,
		Fetcher:    collector.NewRegistry(cfg.HTTPTimeout),
		Processor:  processor.NewProcessor(collector.DefaultClassifier()),
		Store:      store,
		FeedStates: store,
		Publisher:  pub,
		Monetizer:  mon,
		Notifier:   notif,
		FeedsDir:   cfg.FeedsDir,
	})

	log.Printf("app: %d/%d sources enabled, cache has %d entries", len(enabled), len(sources), cache.Stats().Total)
	return &App{
		Config:    cfg,
		Sources:   enabled,
		Store:     store,
		Cache:     cache,
		Monetizer: mon,
		Notifier:  notif,
		Publisher: pub,
		Pipeline:  pipe,
	}, nil
}

// SystemStats 汇总每周状态报告需要的数据
func (a *App) SystemStats(ctx context.Context) notifier.SystemStats {
	st := notifier.SystemStats{}
	if states, err := a.Store.ListFeedStates(ctx); err == nil {
		st.FeedsProcessed = len(states)
	} else {
		log.Printf("app: list feed states: %v", err)
	}
	if counts, err := a.Store.CountByType(ctx); err == nil {
		for _, n := range counts {
			st.TotalItems += n
		}
	} else {
		log.Printf("app: count items: %v", err)
	}
	cs := a.Cache.Stats()
	st.TotalMonetized = a.Pipeline.TotalMonetized()
	st.CachedLinks = cs.Total
	st.ValidCacheEntries = cs.Valid
	if last, ok := a.Pipeline.LastResult(); ok {
		st.LastRun = last.Timestamp
	}
	return st
}

// FlushTimeout 为关闭时写回缓存的时限
const FlushTimeout = 5 * time.Second

// Close 写回缓存并关闭存储；ctx 已取消时仍会在 FlushTimeout 内完成写回
func (a *App) Close(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlushTimeout)
	defer cancel()
	if err := a.Cache.Flush(flushCtx); err != nil {
		log.Printf("app: flush cache: %v", err)
	}
	return a.Store.Close()
}
