package publisher

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LJTian/OfferHub/internal/storage"
)

const (
	AllOffersFile = "all-offers.xml"
	RedirectFile  = "redirect-all.xml"
	// RedirectPrefix 为跳转 feed 的文件名前缀，变现处理会跳过这些文件
	RedirectPrefix = "redirect-"
)

// DefaultCategories 为需要生成独立 feed 的分类
var DefaultCategories = []string{"DLC", "Videogame", "itchio_game", "Ivy_League_Course", "Udemy_Course"}

// ItemSource 是 Publisher 读取条目的只读接口
type ItemSource interface {
	GetItems(ctx context.Context, feedType string, limit int) ([]storage.FeedItem, error)
}

type Options struct {
	Dir        string
	BaseURL    string
	Categories []string
	// Limit 为每个文档最多包含的条目数，<=0 时由存储层决定
	Limit int
}

// Document 描述一次生成的输出文件
type Document struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Items   int    `json:"items"`
	Written bool   `json:"written"`
}

type Publisher struct {
	src  ItemSource
	opts Options
}

func New(src ItemSource, opts Options) *Publisher {
	if len(opts.Categories) == 0 {
		opts.Categories = DefaultCategories
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Publisher{src: src, opts: opts}
}

// CategoryFile 返回分类对应的文件名，例如 Udemy_Course -> udemy-course.xml
func CategoryFile(feedType string) string {
	return strings.ReplaceAll(strings.ToLower(feedType), "_", "-") + ".xml"
}

// Publish 重新生成汇总、分类以及跳转文档；单个文档失败不影响其他文档
func (p *Publisher) Publish(ctx context.Context) ([]Document, error) {
	if err := os.MkdirAll(p.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("publisher: mkdir %s: %w", p.opts.Dir, err)
	}

	var (
		docs []Document
		errs []error
	)

	all, err := p.src.GetItems(ctx, "", p.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("publisher: load items: %w", err)
	}

	emit := func(name string, ch rssChannel) {
		doc, err := p.write(name, ch)
		if err != nil {
			log.Printf("publisher: %s: %v", name, err)
			errs = append(errs, err)
			return
		}
		docs = append(docs, doc)
	}

	emit(AllOffersFile, p.channel("All Offers", "Combined feed from all sources", AllOffersFile, all, canonicalItem))

	for _, ft := range p.opts.Categories {
		items, err := p.src.GetItems(ctx, ft, p.opts.Limit)
		if err != nil {
			log.Printf("publisher: load %s: %v", ft, err)
			errs = append(errs, err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		name := CategoryFile(ft)
		title := strings.ReplaceAll(ft, "_", " ") + " Offers"
		emit(name, p.channel(title, "Feed for "+ft+" offers", name, items, canonicalItem))
	}

	emit(RedirectFile, p.channel("All Offers (Redirect)", "Redirect feed for all offers", RedirectFile, all, p.redirectItem))

	written := 0
	for _, d := range docs {
		if d.Written {
			written++
		}
	}
	log.Printf("publisher: %d documents, %d rewritten, %d items total", len(docs), written, len(all))
	return docs, errors.Join(errs...)
}

func (p *Publisher) channel(title, desc, name string, items []storage.FeedItem, conv func(storage.FeedItem) rssItem) rssChannel {
	ch := rssChannel{
		Title:       title,
		Description: desc,
		Link:        p.opts.BaseURL,
		Language:    "en-US",
		Generator:   "OfferHub",
		AtomLink: atomLink{
			Href: p.opts.BaseURL + "/feeds/" + name,
			Rel:  "self",
			Type: "application/rss+xml",
		},
		Items: make([]rssItem, 0, len(items)),
	}

	// lastBuildDate 取最新 created_at，内容不变时输出字节不变
	var newest time.Time
	for _, it := range items {
		if it.CreatedAt.After(newest) {
			newest = it.CreatedAt
		}
		ch.Items = append(ch.Items, conv(it))
	}
	if !newest.IsZero() {
		ch.LastBuildDate = newest.UTC().Format(time.RFC1123Z)
	}
	return ch
}

func canonicalItem(it storage.FeedItem) rssItem {
	return rssItem{
		Title:       it.Title,
		Link:        it.Link,
		GUID:        rssGUID{IsPermaLink: "false", Value: it.ItemHash},
		PubDate:     it.PubDate.UTC().Format(time.RFC1123Z),
		Description: newCDATA(fmt.Sprintf("<class>%s</class><hash>%s</hash>%s", it.FeedType, it.ItemHash, it.Description)),
		Enclosure:   enclosureFor(it),
	}
}

func (p *Publisher) redirectItem(it storage.FeedItem) rssItem {
	return rssItem{
		Title:       it.Title,
		Link:        p.opts.BaseURL + "/?item_hash=" + it.ItemHash,
		GUID:        rssGUID{IsPermaLink: "false", Value: RedirectPrefix + it.ItemHash},
		PubDate:     it.PubDate.UTC().Format(time.RFC1123Z),
		Description: newCDATA("Original content at: " + it.Link),
		Enclosure:   enclosureFor(it),
	}
}

func enclosureFor(it storage.FeedItem) *rssEnclosure {
	if it.Image() == "" {
		return nil
	}
	return &rssEnclosure{URL: it.Image(), Length: "0", Type: "image/jpeg"}
}

// write 渲染并整体替换文件；内容未变化时不落盘
func (p *Publisher) write(name string, ch rssChannel) (Document, error) {
	path := filepath.Join(p.opts.Dir, name)
	doc := Document{Name: name, Path: path, Items: len(ch.Items)}

	body, err := xml.MarshalIndent(rssDoc{Version: "2.0", AtomNS: "http://www.w3.org/2005/Atom", Channel: ch}, "", "  ")
	if err != nil {
		return doc, err
	}
	data := append([]byte(xml.Header), body...)
	data = append(data, '\n')

	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
		return doc, nil
	}

	tmp, err := os.CreateTemp(p.opts.Dir, ".tmp-"+name+"-*")
	if err != nil {
		return doc, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return doc, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return doc, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return doc, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return doc, err
	}
	doc.Written = true
	return doc, nil
}
