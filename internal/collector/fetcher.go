package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LJTian/OfferHub/internal/config"
)

const (
	userAgent        = "OfferHubBot/1.0"
	maxResponseBytes = 4 << 20 // 4MB
)

// Candidate 是各类数据源归一化后的条目，尚未分类与计算 hash
type Candidate struct {
	Title       string
	Link        string
	Description string
	ImageURL    string
	PubDate     time.Time
	// Extra 保存上游特有的字段，例如 worth / platforms / end_date
	Extra map[string]any
}

// Adapter 抽象一种数据源协议
type Adapter interface {
	Fetch(ctx context.Context, src config.Source) ([]Candidate, error)
}

// SourceFetchError 表示整个数据源抓取或解析失败
type SourceFetchError struct {
	SourceID string
	URL      string
	Err      error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.SourceID, e.URL, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// ExtractionError 表示单个条目页面上没有匹配到选择器
type ExtractionError struct {
	SourceID string
	EntryURL string
	Selector string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: extract %q from %s: %v", e.SourceID, e.Selector, e.EntryURL, e.Err)
	}
	return fmt.Sprintf("source %s: selector %q matched nothing on %s", e.SourceID, e.Selector, e.EntryURL)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var ErrUnknownKind = errors.New("unknown source kind")

// FetchSafe 是数据源的边界：任何错误（包括 panic）都会被记录并转换为空结果
func FetchSafe(ctx context.Context, a Adapter, src config.Source) (items []Candidate) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("collector: %v", &SourceFetchError{SourceID: src.ID, URL: src.URL, Err: fmt.Errorf("panic: %v", r)})
			items = nil
		}
	}()

	items, err := a.Fetch(ctx, src)
	if err != nil {
		var sfe *SourceFetchError
		if !errors.As(err, &sfe) {
			sfe = &SourceFetchError{SourceID: src.ID, URL: src.URL, Err: err}
		}
		log.Printf("collector: %v", sfe)
		return nil
	}
	return items
}

// Registry 按 kind 选择对应的 Adapter
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(timeout time.Duration) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(config.KindJSONAPI, NewJSONAPIAdapter(timeout))
	r.Register(config.KindRSS, NewRSSAdapter(timeout))
	r.Register(config.KindRSSScrape, NewScrapeAdapter(timeout))
	return r
}

func (r *Registry) Register(kind string, a Adapter) {
	r.adapters[kind] = a
}

// Fetch 实现 Adapter，按 src.Kind 分发
func (r *Registry) Fetch(ctx context.Context, src config.Source) ([]Candidate, error) {
	a, ok := r.adapters[src.Kind]
	if !ok {
		return nil, &SourceFetchError{SourceID: src.ID, URL: src.URL, Err: fmt.Errorf("%w %q", ErrUnknownKind, src.Kind)}
	}
	return a.Fetch(ctx, src)
}

func (r *Registry) FetchSafe(ctx context.Context, src config.Source) []Candidate {
	start := time.Now()
	items := FetchSafe(ctx, r, src)
	log.Printf("collector: %s fetched %d candidates in %s", src.ID, len(items), time.Since(start).Round(time.Millisecond))
	return items
}

func truncate(items []Candidate, max int) []Candidate {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}
