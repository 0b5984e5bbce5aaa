package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/OfferHub/internal/api"
	"github.com/LJTian/OfferHub/internal/app"
	"github.com/LJTian/OfferHub/internal/config"
	"github.com/LJTian/OfferHub/internal/scheduler"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init app failed: %v", err)
	}

	s, err := scheduler.New(scheduler.Options{StartupDelay: 15 * time.Second},
		scheduler.PipelineJob(cfg.ProcessingCron, a.Pipeline),
		scheduler.CacheSweepJob(a.Cache),
		scheduler.StoreCleanupJob(a.Store, cfg.RetainItems),
		scheduler.WeeklyStatusJob(a.Notifier, a.SystemStats),
	)
	if err != nil {
		log.Fatalf("init scheduler failed: %v", err)
	}
	s.Start()

	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(api.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	api.NewServer(api.Deps{
		Items:     a.Store,
		Pipeline:  a.Pipeline,
		Cache:     a.Cache,
		Monetizer: a.Monetizer,
		Notifier:  a.Notifier,
		FeedsDir:  cfg.FeedsDir,
	}).RegisterRoutes(r)

	srv := &http.Server{Addr: ":" + cfg.AppPort, Handler: r}
	go func() {
		log.Printf("starting api server at %s ...", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server exit: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received, stopping ...")

	// 先停调度，等正在执行的任务结束
	cronCtx := s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		log.Printf("scheduler jobs still running, giving up waiting")
	}
	// shutdownCtx 可能已经耗尽，写回缓存使用独立的时限
	closeCtx, closeCancel := context.WithTimeout(context.Background(), app.FlushTimeout)
	defer closeCancel()
	if err := a.Close(closeCtx); err != nil {
		log.Printf("close: %v", err)
	}
	log.Printf("bye")
}
