package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LJTian/OfferHub/internal/config"
)

const gamerPowerBody = `[
  {"title":"Free DLC Pack","worth":"$4.99","image":"https://img.example/1.jpg","description":"desc 1",
   "open_giveaway_url":"https://www.gamerpower.com/open/1","gamerpower_url":"https://www.gamerpower.com/dlc/1",
   "published_date":"2024-03-01 10:00:00","type":"DLC","platforms":"PC, Steam","end_date":"N/A"},
  {"title":"No link at all","gamerpower_url":"","open_giveaway_url":""},
  {"title":"Free Game","image":"https://img.example/2.jpg","open_giveaway_url":"https://www.gamerpower.com/open/2",
   "published_date":"bad date","type":"Game","platforms":"GOG"}
]`

func TestJSONAPIAdapterGamerPower(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, gamerPowerBody)
	}))
	defer srv.Close()

	a := NewJSONAPIAdapter(2 * time.Second)
	src := config.Source{ID: "gamerpower-loot", Kind: config.KindJSONAPI, APIType: "gamerpower", URL: srv.URL, MaxEntries: 10}
	items, err := a.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 candidates (entry without link skipped), got %d", len(items))
	}

	first := items[0]
	if first.Link != "https://www.gamerpower.com/dlc/1" {
		t.Fatalf("gamerpower_url should win over open_giveaway_url: %q", first.Link)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !first.PubDate.Equal(want) {
		t.Fatalf("PubDate = %s, want %s", first.PubDate, want)
	}
	if first.Extra["worth"] != "$4.99" || first.Extra["platforms"] != "PC, Steam" {
		t.Fatalf("unexpected extra: %v", first.Extra)
	}
	if _, ok := first.Extra["end_date"]; ok {
		t.Fatalf("N/A end_date should be dropped: %v", first.Extra)
	}

	if items[1].Link != "https://www.gamerpower.com/open/2" {
		t.Fatalf("fallback to open_giveaway_url expected: %q", items[1].Link)
	}
	if items[1].PubDate.IsZero() {
		t.Fatalf("unparseable date should fall back to now")
	}

	src.MaxEntries = 1
	items, err = a.Fetch(context.Background(), src)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected truncation to 1 item, got %d (%v)", len(items), err)
	}
}

func TestJSONAPIAdapterRealDiscount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
		  {"name":"Go Basics","url":"https://www.udemy.com/course/go-basics/?couponCode=X","headline":"learn go","image_240x135":"https://img-c.udemycdn.com/course/240x135/42_ab.jpg"},
		  {"name":"","url":"https://www.udemy.com/course/empty/"}
		]}`)
	}))
	defer srv.Close()

	a := NewJSONAPIAdapter(2 * time.Second)
	items, err := a.Fetch(context.Background(), config.Source{ID: "real-discount", APIType: "real_discount", URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(items))
	}
	if items[0].Description != "learn go" {
		t.Fatalf("headline should map to description: %q", items[0].Description)
	}
	if items[0].ImageURL != "https://img-c.udemycdn.com/course/750x422/42_ab.jpg" {
		t.Fatalf("image not normalised: %q", items[0].ImageURL)
	}
}

func TestJSONAPIAdapterRejectsBadPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"not":"an array"`)
	}))
	defer srv.Close()

	a := NewJSONAPIAdapter(2 * time.Second)
	for _, path := range []string{"/down", "/garbage"} {
		if _, err := a.Fetch(context.Background(), config.Source{ID: "x", APIType: "gamerpower", URL: srv.URL + path}); err == nil {
			t.Fatalf("expected error for %s", path)
		}
	}
	if _, err := a.Fetch(context.Background(), config.Source{ID: "x", APIType: "nope", URL: srv.URL}); err == nil {
		t.Fatalf("expected error for unknown api_type")
	}
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/">
<channel>
  <title>Free games</title>
  <link>https://itch.io</link>
  <item>
    <title>Game One</title>
    <link>https://itch.io/g/one</link>
    <description>first game</description>
    <pubDate>Mon, 04 Mar 2024 08:00:00 +0000</pubDate>
    <enclosure url="https://img.itch.zone/one.png" type="image/png" length="0"/>
  </item>
  <item>
    <title>Game Two</title>
    <link>https://itch.io/g/two</link>
    <content:encoded><![CDATA[only content]]></content:encoded>
    <enclosure url="https://itch.io/two.mp3" type="audio/mpeg" length="10"/>
  </item>
  <item>
    <title>Game Three</title>
    <link>https://itch.io/g/three</link>
  </item>
</channel>
</rss>`

func TestRSSAdapterMapsEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssBody)
	}))
	defer srv.Close()

	a := NewRSSAdapter(2 * time.Second)
	items, err := a.Fetch(context.Background(), config.Source{ID: "itch-games", URL: srv.URL, MaxEntries: 2})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected truncation to 2 entries, got %d", len(items))
	}
	if items[0].ImageURL != "https://img.itch.zone/one.png" {
		t.Fatalf("image enclosure not used: %q", items[0].ImageURL)
	}
	if items[0].PubDate.Year() != 2024 {
		t.Fatalf("pubDate not parsed: %s", items[0].PubDate)
	}
	if items[1].ImageURL != "" {
		t.Fatalf("audio enclosure must not become an image: %q", items[1].ImageURL)
	}
	if items[1].Description != "only content" {
		t.Fatalf("description should fall back to content: %q", items[1].Description)
	}
}

func TestScrapeAdapterExtractsLinkAndImage(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>f</title>
<item><title>Course A</title><link>%[1]s/entry/1</link></item>
<item><title>Course B</title><link>%[1]s/entry/2</link></item>
<item><title>Course C</title><link>%[1]s/entry/3</link></item>
<item><title>Course D</title><link>%[1]s/entry/4</link></item>
</channel></rss>`, srv.URL)
	})
	html := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, "<html><body>%s</body></html>", body)
		}
	}
	mux.HandleFunc("/entry/1", html(`
<div class="entry-content">
  <a href="/tag/go">tag</a>
  <a class="btn" href="https://www.udemy.com/course/go/?couponCode=FREE">Enroll</a>
</div>
<div class="entry-featured-media"><img src="https://img-c.udemycdn.com/course/240x135/123_abc.jpg/h"></div>`))
	mux.HandleFunc("/entry/2", html(`<div class="entry-content"><a href="/nothing">no udemy link</a></div>`))
	mux.HandleFunc("/entry/3", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/entry/4", html(`<div class="entry-content"><a href="https://www.udemy.com/course/rust/">Enroll</a></div>`))

	src := config.Source{
		ID:         "udemy-freebies",
		Kind:       config.KindRSSScrape,
		URL:        srv.URL + "/feed",
		MaxEntries: 10,
		LinkSelector: &config.Selector{
			Tag: "a", Attr: "href", Contains: "udemy.com",
			Within: &config.Selector{Tag: "div", Class: "entry-content"},
		},
		ImageSelector: &config.Selector{
			Tag: "img", Attr: "src",
			Within: &config.Selector{Tag: "div", Class: "entry-featured-media"},
		},
	}

	items, err := NewScrapeAdapter(2*time.Second).Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 candidates (miss and 500 skipped), got %d: %+v", len(items), items)
	}
	if items[0].Title != "Course A" || items[0].Link != "https://www.udemy.com/course/go/?couponCode=FREE" {
		t.Fatalf("unexpected first candidate: %+v", items[0])
	}
	if items[0].ImageURL != "https://img-c.udemycdn.com/course/750x422/123_abc.jpg" {
		t.Fatalf("image not extracted/normalised: %q", items[0].ImageURL)
	}
	if items[1].Title != "Course D" || items[1].ImageURL != "" {
		t.Fatalf("unexpected second candidate: %+v", items[1])
	}
}

func TestScrapeAdapterResolvesRelativeLinks(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>f</title>
<item><title>Ivy</title><link>%s/report/ivy</link></item></channel></rss>`, srv.URL)
	})
	mux.HandleFunc("/report/ivy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a class="other" href="/x">x</a><a class="course-link big" href="/course/cs50">CS50</a>
<img class="cover" src="img/cs50.jpg"></body></html>`)
	})

	sel := &config.Selector{Tag: "a", Class: "course-link", Attr: "href"}
	imgSel := &config.Selector{Tag: "img", Class: "cover", Attr: "src"}

	items, err := NewScrapeAdapter(2*time.Second).Fetch(context.Background(),
		config.Source{ID: "class-central", URL: srv.URL + "/feed", LinkSelector: sel})
	if err != nil || len(items) != 1 {
		t.Fatalf("Fetch = %v, %v", items, err)
	}
	if items[0].Link != srv.URL+"/course/cs50" {
		t.Fatalf("link should resolve against page url: %q", items[0].Link)
	}

	// base_url 与页面所在主机不同，相对地址仍按页面解析
	items, err = NewScrapeAdapter(2*time.Second).Fetch(context.Background(),
		config.Source{ID: "class-central", URL: srv.URL + "/feed", BaseURL: "https://www.classcentral.com",
			LinkSelector: sel, ImageSelector: imgSel})
	if err != nil || len(items) != 1 {
		t.Fatalf("Fetch = %v, %v", items, err)
	}
	if items[0].Link != srv.URL+"/course/cs50" {
		t.Fatalf("link should resolve against the fetched page, not base_url: %q", items[0].Link)
	}
	if items[0].ImageURL != srv.URL+"/report/img/cs50.jpg" {
		t.Fatalf("path-relative image should resolve against the page path: %q", items[0].ImageURL)
	}
}

type panicAdapter struct{}

func (panicAdapter) Fetch(context.Context, config.Source) ([]Candidate, error) {
	panic("adapter exploded")
}

func TestFetchSafeContainsFailures(t *testing.T) {
	if got := FetchSafe(context.Background(), panicAdapter{}, config.Source{ID: "p"}); got != nil {
		t.Fatalf("panic should yield empty result, got %v", got)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRegistry(time.Second)
	if got := r.FetchSafe(context.Background(), config.Source{ID: "down", Kind: config.KindRSS, URL: srv.URL}); len(got) != 0 {
		t.Fatalf("failing source should yield empty result, got %v", got)
	}
	if got := r.FetchSafe(context.Background(), config.Source{ID: "odd", Kind: "ftp", URL: srv.URL}); len(got) != 0 {
		t.Fatalf("unknown kind should yield empty result, got %v", got)
	}

	_, err := r.Fetch(context.Background(), config.Source{ID: "odd", Kind: "ftp", URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "odd") {
		t.Fatalf("expected SourceFetchError naming the source, got %v", err)
	}
}

func TestFetchSafeJSONAPITimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		fmt.Fprint(w, gamerPowerBody)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	src := config.Source{ID: "slow-api", Kind: config.KindJSONAPI, APIType: "gamerpower", URL: srv.URL, MaxEntries: 10}

	start := time.Now()
	if got := FetchSafe(context.Background(), NewJSONAPIAdapter(50*time.Millisecond), src); len(got) != 0 {
		t.Fatalf("timed out source should yield empty result, got %v", got)
	}
	if got := NewRegistry(50*time.Millisecond).FetchSafe(context.Background(), src); len(got) != 0 {
		t.Fatalf("timed out source should yield empty result, got %v", got)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("client timeout should bound the fetch, took %s", d)
	}
}

func TestClassifierRuleOrder(t *testing.T) {
	c := DefaultClassifier()
	cases := []struct {
		src  config.Source
		link string
		want string
	}{
		{config.Source{ID: "gamerpower-loot", BaseURL: "https://gamerpower.com"}, "https://gamerpower.com/open/1", ClassDLC},
		{config.Source{ID: "gamerpower-games", BaseURL: "https://gamerpower.com"}, "https://gamerpower.com/dlc/1", ClassVideogame},
		{config.Source{ID: "gp-other", BaseURL: "https://gamerpower.com"}, "https://gamerpower.com/dlc/2", ClassDLC},
		{config.Source{ID: "gp-other", BaseURL: "https://gamerpower.com"}, "https://gamerpower.com/game/2", ClassVideogame},
		{config.Source{ID: "itch", BaseURL: "https://itch.io"}, "https://itch.io/g/1", ClassItchio},
		{config.Source{ID: "cc", BaseURL: "https://www.classcentral.com"}, "https://x", ClassIvyLeague},
		{config.Source{ID: "ud", URL: "https://udemyfreebies.com/feed"}, "https://udemy.com/x", ClassUdemy},
		{config.Source{ID: "misc", BaseURL: "https://example.com"}, "https://example.com/x", ClassUnknown},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.src, tc.link); got != tc.want {
			t.Fatalf("Classify(%s, %s) = %q, want %q", tc.src.ID, tc.link, got, tc.want)
		}
	}
}

func TestNormalizeImageURL(t *testing.T) {
	cases := map[string]string{
		"": "",
		"https://img-c.udemycdn.com/course/480x270/99_x.jpg/h": "https://img-c.udemycdn.com/course/750x422/99_x.jpg",
		"https://img-b.udemycdn.com/course/750x422/1_y.jpg": "https://img-b.udemycdn.com/course/750x422/1_y.jpg",
		"https://cdn.example.com/course/480x270/keep.jpg/h": "https://cdn.example.com/course/480x270/keep.jpg/h",
	}
	for in, want := range cases {
		if got := NormalizeImageURL(in); got != want {
			t.Fatalf("NormalizeImageURL(%q) = %q, want %q", in, got, want)
		}
	}
}
