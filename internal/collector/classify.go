package collector

import (
	"strings"

	"github.com/LJTian/OfferHub/internal/config"
)

// 条目分类
const (
	ClassDLC       = "DLC"
	ClassVideogame = "Videogame"
	ClassItchio    = "itchio_game"
	ClassIvyLeague = "Ivy_League_Course"
	ClassUdemy     = "Udemy_Course"
	ClassUnknown   = "unknown"
)

// SourceRule 按数据源 id 精确匹配
type SourceRule struct {
	SourceID string
	Class    string
}

// DomainRule 按 base_url 中的域名子串匹配，LinkContains 非空时还要求链接包含该子串
type DomainRule struct {
	Domain       string
	LinkContains string
	Class        string
}

// Classifier 依次查 source-id 表和域名表，都不命中时返回 unknown
type Classifier struct {
	SourceRules []SourceRule
	DomainRules []DomainRule
}

func DefaultClassifier() *Classifier {
	return &Classifier{
		SourceRules: []SourceRule{
			{SourceID: "gamerpower-loot", Class: ClassDLC},
			{SourceID: "gamerpower-games", Class: ClassVideogame},
		},
		DomainRules: []DomainRule{
			{Domain: "gamerpower.com", LinkContains: "/dlc/", Class: ClassDLC},
			{Domain: "gamerpower.com", Class: ClassVideogame},
			{Domain: "itch.io", Class: ClassItchio},
			{Domain: "classcentral.com", Class: ClassIvyLeague},
			{Domain: "real.discount", Class: ClassUdemy},
			{Domain: "scrollcoupons.com", Class: ClassUdemy},
			{Domain: "onlinecourses.ooo", Class: ClassUdemy},
			{Domain: "udemyfreebies.com", Class: ClassUdemy},
			{Domain: "infognu.com", Class: ClassUdemy},
			{Domain: "jucktion.com", Class: ClassUdemy},
		},
	}
}

func (c *Classifier) Classify(src config.Source, link string) string {
	for _, r := range c.SourceRules {
		if r.SourceID == src.ID {
			return r.Class
		}
	}

	base := strings.ToLower(src.BaseURL)
	if base == "" {
		base = strings.ToLower(src.URL)
	}
	for _, r := range c.DomainRules {
		if !strings.Contains(base, r.Domain) {
			continue
		}
		if r.LinkContains != "" && !strings.Contains(link, r.LinkContains) {
			continue
		}
		return r.Class
	}
	return ClassUnknown
}
