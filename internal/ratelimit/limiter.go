package ratelimit

import (
	"sync"
	"time"
)

// Limiter 按 key 维护一个滚动窗口预算：任意 duration 长度的时间窗内最多成功 points 次。
// 状态只在内存中，进程重启后清零。
type Limiter struct {
	points   int
	duration time.Duration
	now      func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
}

// Status 对外暴露某个 key 的当前额度，便于 /stats 观测
type Status struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func New(points int, duration time.Duration) *Limiter {
	if points < 0 {
		points = 0
	}
	return &Limiter{
		points:   points,
		duration: duration,
		now:      time.Now,
		logs:     make(map[string][]time.Time),
	}
}

// WithClock 替换时钟，仅测试使用
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Consume 尝试消耗 1 点额度；额度不足时返回 false 且不产生任何副作用
func (l *Limiter) Consume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hist := l.prune(key, now)
	if len(hist) >= l.points {
		return false
	}
	l.logs[key] = append(hist, now)
	return true
}

func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hist := l.prune(key, now)
	st := Status{Limit: l.points, Remaining: l.points - len(hist), ResetAt: now}
	if len(hist) > 0 {
		// 最早一次消耗过期后才会归还额度
		st.ResetAt = hist[0].Add(l.duration)
	}
	return st
}

// prune 丢弃已滑出窗口的记录，调用方需持有锁
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	hist := l.logs[key]
	cut := 0
	for cut < len(hist) && !now.Before(hist[cut].Add(l.duration)) {
		cut++
	}
	if cut > 0 {
		hist = append(hist[:0], hist[cut:]...)
		l.logs[key] = hist
	}
	return hist
}
