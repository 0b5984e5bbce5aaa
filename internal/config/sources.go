package config

import (
	"embed"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_sources.yaml
var defaultSourcesFS embed.FS

// 数据源类型
const (
	KindJSONAPI   = "json_api"
	KindRSS       = "rss"
	KindRSSScrape = "rss_scrape"
)

// Source 描述一个上游数据源
type Source struct {
	ID            string    `yaml:"id"`
	Name          string    `yaml:"name"`
	Kind          string    `yaml:"kind"`
	URL           string    `yaml:"url"`
	BaseURL       string    `yaml:"base_url"`
	MaxEntries    int       `yaml:"max_entries"`
	APIType       string    `yaml:"api_type,omitempty"`
	LinkSelector  *Selector `yaml:"link_selector,omitempty"`
	ImageSelector *Selector `yaml:"image_selector,omitempty"`
	Enabled       bool      `yaml:"enabled"`
}

// Selector 是抓取页面时的结构化选择器：元素标签 + class + 目标属性。
// 只支持这一小部分能力，不做任意路径表达式。
type Selector struct {
	Tag   string `yaml:"tag"`
	Class string `yaml:"class,omitempty"`
	// Attr 为要读取的属性，例如 href / src / srcset
	Attr string `yaml:"attr"`
	// Contains 要求 Attr 的值包含该子串，例如 udemy.com
	Contains string `yaml:"contains,omitempty"`
	// Within 限定祖先元素（只使用其 Tag/Class）
	Within *Selector `yaml:"within,omitempty"`
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// CSS 将选择器转换成 goquery 可用的 CSS 表达式
func (s Selector) CSS() string {
	var b strings.Builder
	if s.Within != nil {
		b.WriteString(s.Within.element())
		b.WriteString(" ")
	}
	b.WriteString(s.element())
	if s.Contains != "" {
		fmt.Fprintf(&b, "[%s*=%q]", s.Attr, s.Contains)
	}
	return b.String()
}

func (s Selector) element() string {
	if s.Class == "" {
		return s.Tag
	}
	// 等价于 XPath 的 contains(@class, ...)：按 class 列表中的一个成员匹配
	return s.Tag + "." + s.Class
}

func (s Selector) Validate() error {
	if !identRe.MatchString(s.Tag) {
		return fmt.Errorf("selector tag %q is invalid", s.Tag)
	}
	if s.Class != "" && !identRe.MatchString(s.Class) {
		return fmt.Errorf("selector class %q is invalid", s.Class)
	}
	if !identRe.MatchString(s.Attr) {
		return fmt.Errorf("selector attr %q is invalid", s.Attr)
	}
	if strings.ContainsAny(s.Contains, `"\`) {
		return fmt.Errorf("selector contains %q has quote characters", s.Contains)
	}
	if s.Within != nil {
		if s.Within.Within != nil {
			return fmt.Errorf("selector within supports a single level")
		}
		if !identRe.MatchString(s.Within.Tag) {
			return fmt.Errorf("selector within tag %q is invalid", s.Within.Tag)
		}
		if s.Within.Class != "" && !identRe.MatchString(s.Within.Class) {
			return fmt.Errorf("selector within class %q is invalid", s.Within.Class)
		}
	}
	return nil
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources 读取数据源表：path 为空时使用内置的 default_sources.yaml
func LoadSources(path string) ([]Source, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = defaultSourcesFS.ReadFile("default_sources.yaml")
		if err != nil {
			return nil, fmt.Errorf("reading embedded sources: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading sources %s: %w", path, err)
		}
	}
	return ParseSources(data)
}

func ParseSources(data []byte) ([]Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sources: %w", err)
	}
	seen := make(map[string]bool)
	for i := range f.Sources {
		s := &f.Sources[i]
		if err := validateSource(s); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("source %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Sources, nil
}

func validateSource(s *Source) error {
	if s.ID == "" {
		return fmt.Errorf("source %q: id is required", s.Name)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	u, err := url.Parse(s.URL)
	if err != nil || s.URL == "" {
		return fmt.Errorf("source %q: invalid url %q", s.ID, s.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source %q: url scheme must be http or https, got %q", s.ID, u.Scheme)
	}
	if s.MaxEntries <= 0 {
		s.MaxEntries = 10
	}
	switch s.Kind {
	case KindJSONAPI:
		if s.APIType == "" {
			return fmt.Errorf("source %q: api_type is required for json_api", s.ID)
		}
	case KindRSS:
	case KindRSSScrape:
		if s.LinkSelector == nil {
			return fmt.Errorf("source %q: link_selector is required for rss_scrape", s.ID)
		}
		if err := s.LinkSelector.Validate(); err != nil {
			return fmt.Errorf("source %q: link_selector: %w", s.ID, err)
		}
	default:
		return fmt.Errorf("source %q: unknown kind %q (valid: json_api, rss, rss_scrape)", s.ID, s.Kind)
	}
	if s.ImageSelector != nil {
		if err := s.ImageSelector.Validate(); err != nil {
			return fmt.Errorf("source %q: image_selector: %w", s.ID, err)
		}
	}
	return nil
}

// EnabledSources 过滤出启用的数据源
func EnabledSources(all []Source) []Source {
	var out []Source
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
