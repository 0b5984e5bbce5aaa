package monetizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/LJTian/OfferHub/internal/ratelimit"
)

// LimiterKey 短链接服务在限流器中的 key
const LimiterKey = "shortener"

const maxResponseBytes = 4 << 10

// LinkCache 是 Monetizer 需要的缓存能力
type LinkCache interface {
	Get(originalURL string) (string, bool)
	Set(ctx context.Context, originalURL, monetizedURL string) error
}

// MonetizationError 记录一次失败的短链接调用，调用方总是拿回原始链接
type MonetizationError struct {
	URL    string
	Status int
	Err    error
}

func (e *MonetizationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("monetize %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("monetize %s: %v", e.URL, e.Err)
}

func (e *MonetizationError) Unwrap() error { return e.Err }

type Options struct {
	APIBase string
	Token   string
	Timeout time.Duration
	// Pacing 为 MonetizeMany 中两次外部调用之间的最小间隔
	Pacing time.Duration
	// ShortDomain 为短链接域名，默认 ouo.io；已指向该域名的链接不再处理
	ShortDomain string
}

// Result 是 MonetizeMany 的单条结果
type Result struct {
	Original  string `json:"original"`
	Monetized string `json:"monetized"`
}

// Changed 表示链接确实被替换
func (r Result) Changed() bool { return r.Monetized != r.Original }

// Monetizer 缓存 + 限流 + 外部短链接调用，任何失败都原样返回输入
type Monetizer struct {
	apiBase     string
	token       string
	shortDomain string
	client      *http.Client
	cache       LinkCache
	limiter     *ratelimit.Limiter
	pacer       *rate.Limiter
}

func New(opts Options, cache LinkCache, limiter *ratelimit.Limiter) *Monetizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if opts.Pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(opts.Pacing), 1)
	}
	if opts.ShortDomain == "" {
		opts.ShortDomain = "ouo.io"
	}
	return &Monetizer{
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		token:       opts.Token,
		shortDomain: strings.ToLower(opts.ShortDomain),
		client:      &http.Client{Timeout: opts.Timeout},
		cache:       cache,
		limiter:     limiter,
		pacer:       pacer,
	}
}

// Monetize 返回变现后的链接；未命中缓存且无法调用服务时返回 rawURL
func (m *Monetizer) Monetize(ctx context.Context, rawURL string) string {
	return m.monetize(ctx, rawURL, false)
}

// MonetizeMany 对每个链接执行 Monetize，外部调用之间按 Pacing 节流
func (m *Monetizer) MonetizeMany(ctx context.Context, urls []string) []Result {
	results := make([]Result, 0, len(urls))
	for _, u := range urls {
		results = append(results, Result{Original: u, Monetized: m.monetize(ctx, u, true)})
	}
	return results
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// MonetizeContent 替换文本中出现的所有 http(s) 链接，返回新文本和被替换的链接数
func (m *Monetizer) MonetizeContent(ctx context.Context, text string) (string, int) {
	found := urlPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return text, 0
	}

	seen := make(map[string]bool, len(found))
	var unique []string
	for _, raw := range found {
		u, _ := splitTrailing(raw)
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	replace := make(map[string]string, len(unique))
	changed := 0
	for _, r := range m.MonetizeMany(ctx, unique) {
		if r.Changed() {
			replace[r.Original] = r.Monetized
			changed++
		}
	}
	if changed == 0 {
		return text, 0
	}
	return urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		u, tail := splitTrailing(raw)
		if v, ok := replace[u]; ok {
			return v + tail
		}
		return raw
	}), changed
}

// splitTrailing 把句末标点从链接中分离出来
func splitTrailing(raw string) (string, string) {
	core := strings.TrimRight(raw, ".,;:!?")
	return core, raw[len(core):]
}

// Status 返回短链接额度，用于观测
func (m *Monetizer) Status() ratelimit.Status {
	return m.limiter.Status(LimiterKey)
}

// IsMonetized 判断链接是否已经是短链接服务的地址
func (m *Monetizer) IsMonetized(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == m.shortDomain || strings.HasSuffix(host, "."+m.shortDomain)
}

func (m *Monetizer) monetize(ctx context.Context, rawURL string, pace bool) string {
	if rawURL == "" || m.IsMonetized(rawURL) {
		return rawURL
	}
	if cached, ok := m.cache.Get(rawURL); ok {
		return cached
	}
	if m.token == "" {
		log.Printf("monetizer: api token not configured, keeping %s", rawURL)
		return rawURL
	}
	// 先等节奏再扣额度，取消的请求不占用每小时配额
	if pace {
		if err := m.pacer.Wait(ctx); err != nil {
			log.Printf("monetizer: %v", &MonetizationError{URL: rawURL, Err: err})
			return rawURL
		}
	}
	if !m.limiter.Consume(LimiterKey) {
		log.Printf("monetizer: rate limit exhausted, keeping %s", rawURL)
		return rawURL
	}

	short, err := m.shorten(ctx, rawURL)
	if err != nil {
		log.Printf("monetizer: %v", err)
		return rawURL
	}
	if err := m.cache.Set(ctx, rawURL, short); err != nil {
		// 缓存写回失败不影响本次结果
		log.Printf("monetizer: cache %s: %v", rawURL, err)
	}
	return short
}

func (m *Monetizer) shorten(ctx context.Context, rawURL string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s?s=%s", m.apiBase, url.PathEscape(m.token), url.QueryEscape(rawURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &MonetizationError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", "OfferHub-Monetizer/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &MonetizationError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &MonetizationError{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &MonetizationError{URL: rawURL, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	short := strings.TrimSpace(string(body))
	u, err := url.Parse(short)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.ContainsAny(short, " \n<") {
		return "", &MonetizationError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("malformed response %q", truncate(short, 80))}
	}
	return short, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
