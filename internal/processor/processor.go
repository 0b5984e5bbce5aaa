package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/LJTian/OfferHub/internal/collector"
	"github.com/LJTian/OfferHub/internal/config"
)

// HashLength 为 item_hash 的十六进制长度
const HashLength = 7

// 描述的最大长度（rune），超过后截断并追加省略号
const maxDescriptionRunes = 2000

// Item 是写入存储层前的统一结构
type Item struct {
	Hash        string
	Title       string
	Link        string
	Description string
	ImageURL    string
	FeedType    string
	SourceURL   string
	SourceID    string
	PubDate     time.Time
	Extra       map[string]any
}

// ItemHash 对 UTF-8 的 title‖link 做 SHA-256，取前 7 位十六进制
func ItemHash(title, link string) string {
	sum := sha256.Sum256([]byte(title + link))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Processor 负责分类、计算 hash、清洗字段以及批内去重
type Processor struct {
	classifier *collector.Classifier
}

func NewProcessor(c *collector.Classifier) *Processor {
	if c == nil {
		c = collector.DefaultClassifier()
	}
	return &Processor{classifier: c}
}

func (p *Processor) Process(src config.Source, candidates []collector.Candidate) []Item {
	out := make([]Item, 0, len(candidates))
	seen := make(map[string]struct{})

	sourceURL := src.BaseURL
	if sourceURL == "" {
		sourceURL = src.URL
	}

	for _, c := range candidates {
		title := strings.TrimSpace(cleanText(c.Title))
		link := strings.TrimSpace(cleanText(c.Link))
		if title == "" || link == "" {
			continue
		}

		hash := ItemHash(title, link)
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}

		pub := c.PubDate
		if pub.IsZero() {
			pub = time.Now()
		}

		out = append(out, Item{
			Hash:        hash,
			Title:       title,
			Link:        link,
			Description: truncateRunes(cleanText(c.Description), maxDescriptionRunes),
			ImageURL:    strings.TrimSpace(cleanText(c.ImageURL)),
			FeedType:    p.classifier.Classify(src, link),
			SourceURL:   sourceURL,
			SourceID:    src.ID,
			PubDate:     pub.UTC(),
			Extra:       c.Extra,
		})
	}

	return out
}

// cleanText 替换非法 UTF-8，并去掉 XML 1.0 不允许出现的字符（除 \t \n \r 外的控制字符等）
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

// truncateRunes 按 rune 截断，超长时追加省略号
func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return s
	}
	return string(rs[:limit]) + "…"
}
