package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Discord webhook 消息结构
type webhookMessage struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

const descriptionExcerpt = 200

func (n *Notifier) feedEmbed(u Update) embed {
	desc := "New content available"
	if d := strings.TrimSpace(u.Description); d != "" {
		rs := []rune(d)
		if len(rs) > descriptionExcerpt {
			rs = rs[:descriptionExcerpt]
		}
		desc = string(rs) + "..."
	}

	processed := u.ProcessedAt
	if processed.IsZero() {
		processed = n.now()
	}

	previews := make([]string, 0, previewCount)
	for i, it := range u.Items {
		if i == previewCount {
			break
		}
		previews = append(previews, fmt.Sprintf("• [%s](%s)", it.Title, it.Link))
	}
	recent := strings.Join(previews, "\n")
	if recent == "" {
		recent = "No items available"
	}

	e := embed{
		Title:       fmt.Sprintf("📡 %s - Feed Updated", u.Title),
		Description: desc,
		Color:       0x00ff00,
		Fields: []embedField{
			{
				Name: "📊 Update Stats",
				Value: fmt.Sprintf("**Items:** %d\n**Monetized Links:** %d\n**Processed:** %s",
					u.TotalItems, u.MonetizedLinks, processed.UTC().Format("2006-01-02 15:04:05 UTC")),
				Inline: true,
			},
			{Name: "🔗 Recent Items", Value: recent},
		},
		Footer: &embedFooter{
			Text:    "💰 Links monetized to support content creators | Feed: " + u.FeedName,
			IconURL: n.opts.AvatarURL,
		},
		Timestamp: n.now().UTC().Format(time.RFC3339),
	}
	if u.MonetizedLinks > 5 {
		e.Fields = append(e.Fields, embedField{
			Name:   "💰 Monetization Impact",
			Value:  fmt.Sprintf("%d links converted to support creators", u.MonetizedLinks),
			Inline: true,
		})
	}
	return e
}
