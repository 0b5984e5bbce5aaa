package collector

import (
	"context"
	"errors"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/LJTian/OfferHub/internal/config"
)

var errNoDocument = errors.New("response is not an html document")

// ScrapeAdapter 先读 RSS，再逐条打开条目页面，用选择器取出真实的目标链接和图片
type ScrapeAdapter struct {
	feed    *RSSAdapter
	timeout time.Duration
}

func NewScrapeAdapter(timeout time.Duration) *ScrapeAdapter {
	return &ScrapeAdapter{feed: NewRSSAdapter(timeout), timeout: timeout}
}

func (a *ScrapeAdapter) Fetch(ctx context.Context, src config.Source) ([]Candidate, error) {
	if src.LinkSelector == nil {
		return nil, errors.New("rss_scrape: link_selector is not configured")
	}
	entries, err := a.feed.entries(ctx, src)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(a.timeout)

	var (
		page    *goquery.Selection
		pageURL *url.URL
	)
	c.OnHTML("html", func(e *colly.HTMLElement) {
		page = e.DOM
		pageURL = e.Request.URL
	})

	now := time.Now()
	out := make([]Candidate, 0, len(entries))
	for _, it := range entries {
		if ctx.Err() != nil {
			log.Printf("collector: %s scrape interrupted: %v", src.ID, ctx.Err())
			break
		}
		cand, ok := candidateFromEntry(it, now)
		if !ok {
			continue
		}

		page, pageURL = nil, nil
		if err := c.Visit(cand.Link); err != nil {
			log.Printf("collector: %v", &ExtractionError{SourceID: src.ID, EntryURL: cand.Link, Selector: src.LinkSelector.CSS(), Err: err})
			continue
		}
		if page == nil {
			log.Printf("collector: %v", &ExtractionError{SourceID: src.ID, EntryURL: cand.Link, Selector: src.LinkSelector.CSS(), Err: errNoDocument})
			continue
		}

		// 相对地址按实际抓取的页面解析，base_url 只在拿不到页面地址时兜底
		base := pageURL
		if base == nil && src.BaseURL != "" {
			if u, err := url.Parse(src.BaseURL); err == nil {
				base = u
			}
		}

		link := extractAttr(page, *src.LinkSelector)
		if link == "" {
			log.Printf("collector: %v", &ExtractionError{SourceID: src.ID, EntryURL: cand.Link, Selector: src.LinkSelector.CSS()})
			continue
		}
		cand.Link = resolveURL(base, link)

		if src.ImageSelector != nil {
			if img := extractAttr(page, *src.ImageSelector); img != "" {
				cand.ImageURL = resolveURL(base, img)
			}
		}
		cand.ImageURL = NormalizeImageURL(cand.ImageURL)
		out = append(out, cand)
	}
	return out, nil
}

// extractAttr 返回第一个匹配元素上非空的目标属性
func extractAttr(page *goquery.Selection, sel config.Selector) string {
	var found string
	page.Find(sel.CSS()).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, ok := s.Attr(sel.Attr)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return true
		}
		if sel.Attr == "srcset" {
			// srcset 取第一个候选地址
			v = strings.Fields(v)[0]
		}
		found = v
		return false
	})
	return found
}

func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

var udemyDimension = regexp.MustCompile(`/course/\d+x\d+/`)

// NormalizeImageURL 统一 udemycdn 图片：去掉结尾的 /h，并改写为 750x422 尺寸
func NormalizeImageURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || !strings.Contains(s, "udemycdn.com") {
		return s
	}
	s = strings.TrimSuffix(s, "/h")
	return udemyDimension.ReplaceAllString(s, "/course/750x422/")
}
