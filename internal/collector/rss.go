package collector

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/LJTian/OfferHub/internal/config"
)

// RSSAdapter 解析标准 RSS/Atom 源
type RSSAdapter struct {
	parser *gofeed.Parser
}

func NewRSSAdapter(timeout time.Duration) *RSSAdapter {
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: timeout}
	return &RSSAdapter{parser: p}
}

func (a *RSSAdapter) Fetch(ctx context.Context, src config.Source) ([]Candidate, error) {
	entries, err := a.entries(ctx, src)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]Candidate, 0, len(entries))
	for _, it := range entries {
		c, ok := candidateFromEntry(it, now)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// entries 拉取并截断到 max_entries
func (a *RSSAdapter) entries(ctx context.Context, src config.Source) ([]*gofeed.Item, error) {
	feed, err := a.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("rss: parse %s: %w", src.URL, err)
	}
	items := feed.Items
	if src.MaxEntries > 0 && len(items) > src.MaxEntries {
		items = items[:src.MaxEntries]
	}
	return items, nil
}

func candidateFromEntry(it *gofeed.Item, now time.Time) (Candidate, bool) {
	title := strings.TrimSpace(it.Title)
	link := strings.TrimSpace(it.Link)
	if title == "" || link == "" {
		return Candidate{}, false
	}

	desc := it.Description
	if desc == "" {
		desc = it.Content
	}

	pub := now
	if it.PublishedParsed != nil {
		pub = *it.PublishedParsed
	} else if it.UpdatedParsed != nil {
		pub = *it.UpdatedParsed
	}

	return Candidate{
		Title:       title,
		Link:        link,
		Description: strings.TrimSpace(desc),
		ImageURL:    enclosureImage(it),
		PubDate:     pub,
	}, true
}

// enclosureImage 只接受 media type 为 image/* 的 enclosure
func enclosureImage(it *gofeed.Item) string {
	for _, enc := range it.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(strings.ToLower(enc.Type), "image/") {
			return enc.URL
		}
	}
	return ""
}
