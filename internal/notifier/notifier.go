package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/LJTian/OfferHub/internal/ratelimit"
)

// LimiterKey webhook 在限流器中的 key
const LimiterKey = "webhook"

// 通知渠道
const (
	ChannelIvyLeague = "ivy_league"
	ChannelUdemy     = "udemy"
	ChannelItchio    = "itchio"
	ChannelVideogame = "videogame"
	ChannelDLC       = "dlc"
	ChannelDefault   = "default"
)

const previewCount = 3

// ErrRateLimited 额度用尽时跳过本次发送，不排队也不重试
var ErrRateLimited = errors.New("notification rate limit exceeded")

// NotificationError 表示某个渠道发送失败
type NotificationError struct {
	Channel string
	Status  int
	Err     error
}

func (e *NotificationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("notify %s: status %d", e.Channel, e.Status)
	}
	return fmt.Sprintf("notify %s: %v", e.Channel, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// routeRule：名称中包含 any 任一关键字且不包含 none 中任何关键字时命中
type routeRule struct {
	channel string
	any     []string
	none    []string
}

// 按优先级排列
var routeTable = []routeRule{
	{channel: ChannelIvyLeague, any: []string{"ivy", "league"}},
	{channel: ChannelUdemy, any: []string{"udemy", "course"}},
	{channel: ChannelItchio, any: []string{"itch"}},
	{channel: ChannelVideogame, any: []string{"game"}, none: []string{"loot"}},
	{channel: ChannelDLC, any: []string{"loot", "dlc"}},
}

func (r routeRule) match(name string) bool {
	for _, kw := range r.none {
		if strings.Contains(name, kw) {
			return false
		}
	}
	for _, kw := range r.any {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// PreviewItem 是消息中展示的一条条目
type PreviewItem struct {
	Title string
	Link  string
}

// Update 是一次 feed 处理后的通知内容
type Update struct {
	FeedName       string
	Title          string
	Description    string
	Items          []PreviewItem
	TotalItems     int
	MonetizedLinks int
	ProcessedAt    time.Time
}

// SystemStats 用于每周状态报告
type SystemStats struct {
	FeedsProcessed    int
	TotalItems        int64
	TotalMonetized    int
	CachedLinks       int
	ValidCacheEntries int
	LastRun           time.Time
}

// BulkResult 按发送顺序记录成功与失败的渠道
type BulkResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

type Options struct {
	DefaultWebhook string
	// Webhooks 渠道 -> webhook 地址，未配置的渠道回落到 DefaultWebhook
	Webhooks  map[string]string
	BotName   string
	AvatarURL string
	Timeout   time.Duration
	// Pacing 为 DispatchBulk 中两次发送之间的间隔
	Pacing time.Duration
}

type Notifier struct {
	opts    Options
	client  *http.Client
	limiter *ratelimit.Limiter
	pacer   *rate.Limiter
	now     func() time.Time
}

func New(opts Options, limiter *ratelimit.Limiter) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BotName == "" {
		opts.BotName = "RSS Feed Bot"
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if opts.Pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(opts.Pacing), 1)
	}
	return &Notifier{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		pacer:   pacer,
		now:     time.Now,
	}
}

// Route 按名称选择渠道，都不命中时为 default
func (n *Notifier) Route(name string) string {
	lower := strings.ToLower(name)
	for _, r := range routeTable {
		if r.match(lower) {
			return r.channel
		}
	}
	return ChannelDefault
}

func (n *Notifier) webhookFor(channel string) string {
	if u := n.opts.Webhooks[channel]; u != "" {
		return u
	}
	return n.opts.DefaultWebhook
}

// Send 发送一次 feed 更新，返回实际使用的渠道
func (n *Notifier) Send(ctx context.Context, u Update) (string, error) {
	channel := n.Route(u.FeedName)
	if !n.limiter.Consume(LimiterKey) {
		log.Printf("notifier: rate limit exhausted, skipping %s (%s)", u.FeedName, channel)
		return channel, ErrRateLimited
	}

	msg := webhookMessage{
		Username:  n.opts.BotName,
		AvatarURL: n.opts.AvatarURL,
		Embeds:    []embed{n.feedEmbed(u)},
	}
	if err := n.post(ctx, channel, n.webhookFor(channel), msg); err != nil {
		log.Printf("notifier: %s: %v", u.FeedName, err)
		return channel, err
	}
	log.Printf("notifier: sent %s to %s (items=%d monetized=%d)", u.FeedName, channel, u.TotalItems, u.MonetizedLinks)
	return channel, nil
}

// DispatchBulk 顺序发送，每次发送之间按 Pacing 间隔
func (n *Notifier) DispatchBulk(ctx context.Context, updates []Update) BulkResult {
	res := BulkResult{Succeeded: []string{}, Failed: []string{}}
	for _, u := range updates {
		if err := n.pacer.Wait(ctx); err != nil {
			res.Failed = append(res.Failed, n.Route(u.FeedName))
			continue
		}
		channel, err := n.Send(ctx, u)
		if err != nil {
			res.Failed = append(res.Failed, channel)
			continue
		}
		res.Succeeded = append(res.Succeeded, channel)
	}
	log.Printf("notifier: bulk done, %d succeeded, %d failed", len(res.Succeeded), len(res.Failed))
	return res
}

// SendSystemStatus 发送系统状态报告到默认渠道
func (n *Notifier) SendSystemStatus(ctx context.Context, st SystemStats) error {
	if !n.limiter.Consume(LimiterKey) {
		log.Printf("notifier: rate limit exhausted, skipping system status")
		return ErrRateLimited
	}
	lastRun := "never"
	if !st.LastRun.IsZero() {
		lastRun = st.LastRun.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	e := embed{
		Title: "🤖 RSS Monetizer System Status",
		Color: 0x0099ff,
		Fields: []embedField{
			{
				Name:   "📊 Processing Stats",
				Value:  fmt.Sprintf("**Feeds Monitored:** %d\n**Total Items:** %d\n**Links Monetized:** %d", st.FeedsProcessed, st.TotalItems, st.TotalMonetized),
				Inline: true,
			},
			{
				Name:   "💾 Cache Stats",
				Value:  fmt.Sprintf("**Cached Links:** %d\n**Valid Entries:** %d", st.CachedLinks, st.ValidCacheEntries),
				Inline: true,
			},
			{Name: "🔄 Last Run", Value: lastRun, Inline: true},
		},
		Footer:    &embedFooter{Text: "Automated system status report"},
		Timestamp: n.now().UTC().Format(time.RFC3339),
	}
	msg := webhookMessage{Username: n.opts.BotName, AvatarURL: n.opts.AvatarURL, Embeds: []embed{e}}
	if err := n.post(ctx, ChannelDefault, n.opts.DefaultWebhook, msg); err != nil {
		log.Printf("notifier: system status: %v", err)
		return err
	}
	return nil
}

// Status 返回通知额度，用于观测
func (n *Notifier) Status() ratelimit.Status {
	return n.limiter.Status(LimiterKey)
}

func (n *Notifier) post(ctx context.Context, channel, webhook string, msg webhookMessage) error {
	if webhook == "" {
		return &NotificationError{Channel: channel, Err: errors.New("no webhook configured")}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return &NotificationError{Channel: channel, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return &NotificationError{Channel: channel, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &NotificationError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NotificationError{Channel: channel, Status: resp.StatusCode}
	}
	return nil
}
