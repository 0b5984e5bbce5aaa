package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LJTian/OfferHub/internal/config"
)

// apiMapper 将某个上游的响应体映射为候选条目
type apiMapper func(body []byte, now time.Time) ([]Candidate, error)

var apiMappers = map[string]apiMapper{
	"gamerpower":    mapGamerPower,
	"real_discount": mapRealDiscount,
}

// JSONAPIAdapter 一次 GET 拿到完整列表，再按 api_type 映射
type JSONAPIAdapter struct {
	client *http.Client
}

func NewJSONAPIAdapter(timeout time.Duration) *JSONAPIAdapter {
	return &JSONAPIAdapter{client: &http.Client{Timeout: timeout}}
}

func (a *JSONAPIAdapter) Fetch(ctx context.Context, src config.Source) ([]Candidate, error) {
	mapper, ok := apiMappers[src.APIType]
	if !ok {
		return nil, fmt.Errorf("json api: unsupported api_type %q", src.APIType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("json api: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("json api: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("json api: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("json api: read body: %w", err)
	}

	items, err := mapper(body, time.Now())
	if err != nil {
		return nil, fmt.Errorf("json api: decode %s: %w", src.APIType, err)
	}
	return truncate(items, src.MaxEntries), nil
}

type gamerPowerGiveaway struct {
	Title           string `json:"title"`
	Worth           string `json:"worth"`
	Image           string `json:"image"`
	Description     string `json:"description"`
	OpenGiveawayURL string `json:"open_giveaway_url"`
	GamerPowerURL   string `json:"gamerpower_url"`
	PublishedDate   string `json:"published_date"`
	Type            string `json:"type"`
	Platforms       string `json:"platforms"`
	EndDate         string `json:"end_date"`
}

func mapGamerPower(body []byte, now time.Time) ([]Candidate, error) {
	var list []gamerPowerGiveaway
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(list))
	for _, g := range list {
		link := g.GamerPowerURL
		if link == "" {
			link = g.OpenGiveawayURL
		}
		title := strings.TrimSpace(g.Title)
		if title == "" || link == "" {
			continue
		}

		pub := now
		if t, err := time.Parse("2006-01-02 15:04:05", g.PublishedDate); err == nil {
			pub = t
		}

		extra := map[string]any{}
		if g.Worth != "" && g.Worth != "N/A" {
			extra["worth"] = g.Worth
		}
		if g.Platforms != "" {
			extra["platforms"] = g.Platforms
		}
		if g.EndDate != "" && g.EndDate != "N/A" {
			extra["end_date"] = g.EndDate
		}
		if g.Type != "" {
			extra["type"] = g.Type
		}

		out = append(out, Candidate{
			Title:       title,
			Link:        link,
			Description: strings.TrimSpace(g.Description),
			ImageURL:    g.Image,
			PubDate:     pub,
			Extra:       extra,
		})
	}
	return out, nil
}

type realDiscountResponse struct {
	Results []struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		Headline string `json:"headline"`
		Image    string `json:"image_240x135"`
	} `json:"results"`
}

func mapRealDiscount(body []byte, now time.Time) ([]Candidate, error) {
	var resp realDiscountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, c := range resp.Results {
		title := strings.TrimSpace(c.Name)
		if title == "" || c.URL == "" {
			continue
		}
		out = append(out, Candidate{
			Title:       title,
			Link:        c.URL,
			Description: strings.TrimSpace(c.Headline),
			ImageURL:    NormalizeImageURL(c.Image),
			PubDate:     now,
		})
	}
	return out, nil
}
