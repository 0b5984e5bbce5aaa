package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/OfferHub/internal/notifier"
	"github.com/LJTian/OfferHub/internal/pipeline"
)

// 固定的维护任务周期
const (
	CacheSweepSpec   = "0 2 * * *"
	StoreCleanupSpec = "30 2 * * *"
	WeeklyStatusSpec = "0 9 * * 1"
)

// Job 是一个按 cron 表达式执行的任务
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
	// RunAtStartup 为 true 时在 Start 之后延迟执行一次
	RunAtStartup bool
}

type Options struct {
	StartupDelay time.Duration
	// JobTimeout 为单次任务的超时，0 表示不限
	JobTimeout time.Duration
}

type Scheduler struct {
	cron *cron.Cron
	jobs map[string]Job
	opts Options
}

func New(opts Options, jobs ...Job) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, jobs: make(map[string]Job, len(jobs)), opts: opts}

	for _, j := range jobs {
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate job %q", j.Name)
		}
		job := j
		if _, err := c.AddFunc(job.Spec, func() { s.exec(job) }); err != nil {
			return nil, fmt.Errorf("scheduler: job %s spec %q: %w", job.Name, job.Spec, err)
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	// 延迟执行首轮，避免与启动期的请求争抢资源
	for _, j := range s.jobs {
		if !j.RunAtStartup {
			continue
		}
		job := j
		time.AfterFunc(s.opts.StartupDelay, func() { s.exec(job) })
	}
}

// Stop 停止调度，返回的 context 在正在运行的任务结束后完成
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce 立即执行指定任务，方便手动触发
func (s *Scheduler) RunOnce(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.exec(job)
}

func (s *Scheduler) exec(j Job) error {
	ctx := context.Background()
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	log.Printf("scheduler: %s started", j.Name)
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Printf("scheduler: %s failed after %s: %v", j.Name, time.Since(start).Round(time.Millisecond), err)
		return err
	}
	log.Printf("scheduler: %s done in %s", j.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

type Runner interface {
	Run(ctx context.Context) (pipeline.Result, error)
}

// PipelineJob 周期执行处理流水线；上一轮未结束时本次触发直接丢弃
func PipelineJob(spec string, r Runner) Job {
	return Job{
		Name:         "pipeline",
		Spec:         spec,
		RunAtStartup: true,
		Run: func(ctx context.Context) error {
			_, err := r.Run(ctx)
			if errors.Is(err, pipeline.ErrBusy) {
				log.Printf("scheduler: pipeline busy, trigger dropped")
				return nil
			}
			return err
		},
	}
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CacheSweepJob 每天清理过期的变现链接
func CacheSweepJob(c Sweeper) Job {
	return Job{
		Name: "cache-sweep",
		Spec: CacheSweepSpec,
		Run: func(ctx context.Context) error {
			n, err := c.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Printf("scheduler: swept %d expired cache entries", n)
			return nil
		},
	}
}

type Cleaner interface {
	Cleanup(ctx context.Context, keep int) (int64, error)
}

// StoreCleanupJob 每天只保留最近 keep 条记录
func StoreCleanupJob(store Cleaner, keep int) Job {
	return Job{
		Name: "store-cleanup",
		Spec: StoreCleanupSpec,
		Run: func(ctx context.Context) error {
			n, err := store.Cleanup(ctx, keep)
			if err != nil {
				return err
			}
			log.Printf("scheduler: removed %d old items (keep=%d)", n, keep)
			return nil
		},
	}
}

type StatusSender interface {
	SendSystemStatus(ctx context.Context, st notifier.SystemStats) error
}

// WeeklyStatusJob 每周一发送系统状态
func WeeklyStatusJob(n StatusSender, collect func(ctx context.Context) notifier.SystemStats) Job {
	return Job{
		Name: "weekly-status",
		Spec: WeeklyStatusSpec,
		Run: func(ctx context.Context) error {
			return n.SendSystemStatus(ctx, collect(ctx))
		},
	}
}
