package pipeline

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/LJTian/OfferHub/internal/collector"
	"github.com/LJTian/OfferHub/internal/config"
	"github.com/LJTian/OfferHub/internal/monetizer"
	"github.com/LJTian/OfferHub/internal/notifier"
	"github.com/LJTian/OfferHub/internal/processor"
	"github.com/LJTian/OfferHub/internal/publisher"
	"github.com/LJTian/OfferHub/internal/storage"
)

type State string

const (
	StateIdle        State = "IDLE"
	StateFetching    State = "FETCHING"
	StateClassifying State = "CLASSIFYING"
	StateDedupInsert State = "DEDUP_INSERT"
	StatePublishing  State = "PUBLISHING"
	StateMonetizing  State = "MONETIZING"
	StateNotifying   State = "NOTIFYING"
)

// ErrBusy 已有一轮处理在进行中
var ErrBusy = errors.New("pipeline: cycle already running")

// ItemStore 是流水线写入条目所需的能力
type ItemStore interface {
	AddItem(ctx context.Context, item storage.FeedItem) (bool, error)
}

// FeedStates 记录每个 feed 文件上次被变现处理时的 mtime
type FeedStates interface {
	FeedModTime(ctx context.Context, name string) (time.Time, bool)
	MarkFeedProcessed(ctx context.Context, name string, modTime time.Time) error
}

type Fetcher interface {
	FetchSafe(ctx context.Context, src config.Source) []collector.Candidate
}

type Publisher interface {
	Publish(ctx context.Context) ([]publisher.Document, error)
}

type Monetizer interface {
	MonetizeMany(ctx context.Context, urls []string) []monetizer.Result
	MonetizeContent(ctx context.Context, text string) (string, int)
}

type Notifier interface {
	DispatchBulk(ctx context.Context, updates []notifier.Update) notifier.BulkResult
}

type Deps struct {
	Sources    []config.Source
	Fetcher    Fetcher
	Processor  *processor.Processor
	Store      ItemStore
	FeedStates FeedStates
	Publisher  Publisher
	Monetizer  Monetizer
	Notifier   Notifier
	FeedsDir   string
}

// Result 是一轮处理的汇总
type Result struct {
	RunID          string    `json:"runId"`
	NewItems       int       `json:"newItems"`
	MonetizedLinks int       `json:"monetizedLinks"`
	Notified       int       `json:"notified"`
	FeedsProcessed int       `json:"feedsProcessed"`
	DurationMs     int64     `json:"durationMs"`
	Timestamp      time.Time `json:"timestamp"`
}

type Pipeline struct {
	deps    Deps
	running atomic.Bool
	state   atomic.Value

	mu        sync.RWMutex
	last      *Result
	monetized int
	now       func() time.Time
}

func New(deps Deps) *Pipeline {
	if deps.Processor == nil {
		deps.Processor = processor.NewProcessor(nil)
	}
	p := &Pipeline{deps: deps, now: time.Now}
	p.state.Store(StateIdle)
	return p
}

func (p *Pipeline) State() State {
	return p.state.Load().(State)
}

// LastResult 返回最近一次完成的处理结果，尚未运行过时 ok 为 false
func (p *Pipeline) LastResult() (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// TotalMonetized 返回进程启动以来各轮累计改写的链接数
func (p *Pipeline) TotalMonetized() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.monetized
}

// Run 执行一轮完整处理；同一时间只允许一轮
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer func() {
		p.state.Store(StateIdle)
		p.running.Store(false)
	}()

	start := p.now()
	res := Result{RunID: uuid.NewString()}
	log.Printf("pipeline[%s]: cycle started, %d sources", res.RunID, len(p.deps.Sources))

	p.state.Store(StateFetching)
	batches := p.fetchAll(ctx)

	p.state.Store(StateClassifying)
	var items []processor.Item
	for i, src := range p.deps.Sources {
		items = append(items, p.deps.Processor.Process(src, batches[i])...)
	}

	p.state.Store(StateDedupInsert)
	res.NewItems = p.insert(ctx, res.RunID, items)

	p.state.Store(StatePublishing)
	if p.deps.Publisher != nil {
		if _, err := p.deps.Publisher.Publish(ctx); err != nil {
			log.Printf("pipeline[%s]: publish: %v", res.RunID, err)
		}
	}

	p.state.Store(StateMonetizing)
	updates, monetized := p.monetizeFeeds(ctx, res.RunID)
	res.MonetizedLinks = monetized
	res.FeedsProcessed = len(updates)

	p.state.Store(StateNotifying)
	if len(updates) > 0 && p.deps.Notifier != nil {
		bulk := p.deps.Notifier.DispatchBulk(ctx, updates)
		res.Notified = len(bulk.Succeeded)
	}

	end := p.now()
	res.DurationMs = end.Sub(start).Milliseconds()
	res.Timestamp = end.UTC()

	p.mu.Lock()
	p.last = &res
	p.monetized += res.MonetizedLinks
	p.mu.Unlock()

	log.Printf("pipeline[%s]: cycle done in %dms, new=%d monetized=%d notified=%d",
		res.RunID, res.DurationMs, res.NewItems, res.MonetizedLinks, res.Notified)
	return res, nil
}

// fetchAll 每个源一个 goroutine，结果按源的顺序返回
func (p *Pipeline) fetchAll(ctx context.Context) [][]collector.Candidate {
	out := make([][]collector.Candidate, len(p.deps.Sources))
	var wg sync.WaitGroup
	for i, src := range p.deps.Sources {
		wg.Add(1)
		go func(i int, src config.Source) {
			defer wg.Done()
			out[i] = p.deps.Fetcher.FetchSafe(ctx, src)
		}(i, src)
	}
	wg.Wait()
	return out
}

func (p *Pipeline) insert(ctx context.Context, runID string, items []processor.Item) int {
	inserted := 0
	for _, it := range items {
		ok, err := p.deps.Store.AddItem(ctx, storage.NewFeedItem(it))
		if err != nil {
			log.Printf("pipeline[%s]: %v", runID, err)
			continue
		}
		if ok {
			inserted++
		}
	}
	log.Printf("pipeline[%s]: %d candidates, %d new", runID, len(items), inserted)
	return inserted
}

// monetizeFeeds 处理 feeds 目录下 mtime 有变化的文档
func (p *Pipeline) monetizeFeeds(ctx context.Context, runID string) ([]notifier.Update, int) {
	if p.deps.FeedsDir == "" || p.deps.Monetizer == nil {
		return nil, 0
	}
	paths, err := feedFiles(p.deps.FeedsDir)
	if err != nil {
		log.Printf("pipeline[%s]: list feeds: %v", runID, err)
		return nil, 0
	}

	var (
		updates []notifier.Update
		total   int
	)
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		name := filepath.Base(path)
		info, err := os.Stat(path)
		if err != nil {
			log.Printf("pipeline[%s]: stat %s: %v", runID, name, err)
			continue
		}
		modTime := storage.TruncateModTime(info.ModTime())
		if p.deps.FeedStates != nil {
			if last, ok := p.deps.FeedStates.FeedModTime(ctx, name); ok && !modTime.After(last) {
				continue
			}
		}

		u, n, err := p.monetizeFeed(ctx, path)
		if err != nil {
			log.Printf("pipeline[%s]: parse %s: %v", runID, name, err)
			continue
		}
		if p.deps.FeedStates != nil {
			if err := p.deps.FeedStates.MarkFeedProcessed(ctx, name, modTime); err != nil {
				log.Printf("pipeline[%s]: mark %s: %v", runID, name, err)
			}
		}
		log.Printf("pipeline[%s]: feed %s items=%d monetized=%d", runID, name, u.TotalItems, n)
		updates = append(updates, u)
		total += n
	}
	return updates, total
}

func (p *Pipeline) monetizeFeed(ctx context.Context, path string) (notifier.Update, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return notifier.Update{}, 0, err
	}
	defer f.Close()

	feed, err := gofeed.NewParser().Parse(f)
	if err != nil {
		return notifier.Update{}, 0, err
	}

	links := make([]string, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it.Link != "" {
			links = append(links, it.Link)
		}
	}
	rewritten := make(map[string]string, len(links))
	monetized := 0
	for _, r := range p.deps.Monetizer.MonetizeMany(ctx, links) {
		rewritten[r.Original] = r.Monetized
		if r.Changed() {
			monetized++
		}
	}

	previews := make([]notifier.PreviewItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		body := it.Content
		if body == "" {
			body = it.Description
		}
		if body != "" {
			_, n := p.deps.Monetizer.MonetizeContent(ctx, body)
			monetized += n
		}
		link := it.Link
		if v, ok := rewritten[link]; ok {
			link = v
		}
		previews = append(previews, notifier.PreviewItem{Title: it.Title, Link: link})
	}

	name := filepath.Base(path)
	title := feed.Title
	if title == "" {
		title = name
	}
	return notifier.Update{
		FeedName:       name,
		Title:          title,
		Description:    feed.Description,
		Items:          previews,
		TotalItems:     len(feed.Items),
		MonetizedLinks: monetized,
		ProcessedAt:    p.now().UTC(),
	}, monetized, nil
}

// feedFiles 列出 *.xml / *.rss，跳过跳转文档
func feedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, publisher.RedirectPrefix) || strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".xml" && ext != ".rss" {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}
