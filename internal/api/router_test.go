package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/OfferHub/internal/linkcache"
	"github.com/LJTian/OfferHub/internal/pipeline"
	"github.com/LJTian/OfferHub/internal/processor"
	"github.com/LJTian/OfferHub/internal/ratelimit"
	"github.com/LJTian/OfferHub/internal/storage"
)

type fakePipeline struct {
	busy bool
	last *pipeline.Result
}

func (f *fakePipeline) Run(context.Context) (pipeline.Result, error) {
	if f.busy {
		return pipeline.Result{}, pipeline.ErrBusy
	}
	res := pipeline.Result{RunID: "run-1", NewItems: 2, MonetizedLinks: 3, Notified: 1, DurationMs: 12, Timestamp: time.Now().UTC()}
	f.last = &res
	return res, nil
}

func (f *fakePipeline) State() pipeline.State { return pipeline.StateIdle }

func (f *fakePipeline) LastResult() (pipeline.Result, bool) {
	if f.last == nil {
		return pipeline.Result{}, false
	}
	return *f.last, true
}

type fixedQuota ratelimit.Status

func (q fixedQuota) Status() ratelimit.Status { return ratelimit.Status(q) }

type testEnv struct {
	router *gin.Engine
	store  *storage.Store
	pipe   *fakePipeline
	hash   string
}

func newTestEnv(t *testing.T, user, pass string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	store, err := storage.NewStore(storage.Options{Driver: "sqlite", DSN: filepath.Join(dir, "items.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	title, link := "Go Course", "https://www.udemy.com/course/go/"
	item := storage.FeedItem{
		ItemHash: processor.ItemHash(title, link), Title: title, Link: link,
		FeedType: "Udemy_Course", PubDate: time.Now().UTC(),
	}
	if _, err := store.AddItem(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	feedsDir := filepath.Join(dir, "feeds")
	if err := os.MkdirAll(feedsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(feedsDir, "all-offers.xml"), []byte("<rss/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := linkcache.New(linkcache.NewFileBackend(filepath.Join(dir, "links.json")), time.Hour)
	if err := cache.Set(context.Background(), "https://a.example.com", "https://ouo.io/a"); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store, pipe: &fakePipeline{}, hash: item.ItemHash}
	r := gin.New()
	if user != "" {
		r.Use(BasicAuth(user, pass))
	}
	NewServer(Deps{
		Items:     store,
		Pipeline:  env.pipe,
		Cache:     cache,
		Monetizer: fixedQuota{Limit: 900, Remaining: 899},
		Notifier:  fixedQuota{Limit: 25, Remaining: 25},
		FeedsDir:  feedsDir,
	}).RegisterRoutes(r)
	env.router = r
	return env
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodGet, "/health")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestLookupByHash(t *testing.T) {
	env := newTestEnv(t, "", "")

	w := env.do(http.MethodGet, "/api/v1/items/"+env.hash)
	if w.Code != http.StatusOK {
		t.Fatalf("get item = %d", w.Code)
	}
	var body struct {
		Data storage.FeedItem `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Title != "Go Course" {
		t.Fatalf("unexpected item: %+v", body.Data)
	}

	if w := env.do(http.MethodGet, "/api/v1/items/0000000"); w.Code != http.StatusNotFound {
		t.Fatalf("missing item = %d, want 404", w.Code)
	}
}

func TestRedirects(t *testing.T) {
	env := newTestEnv(t, "", "")
	for _, path := range []string{"/r/" + env.hash, "/?item_hash=" + env.hash} {
		w := env.do(http.MethodGet, path)
		if w.Code != http.StatusFound {
			t.Fatalf("%s = %d, want 302", path, w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "https://www.udemy.com/course/go/" {
			t.Fatalf("%s Location = %q", path, loc)
		}
	}
	if w := env.do(http.MethodGet, "/?item_hash=missing"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown hash = %d, want 404", w.Code)
	}
	if w := env.do(http.MethodGet, "/"); w.Code != http.StatusOK {
		t.Fatalf("index = %d", w.Code)
	}
}

func TestListItems(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodGet, "/api/v1/items?feed_type=Udemy_Course&limit=10")
	var body struct {
		Data []storage.FeedItem `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || len(body.Data) != 1 {
		t.Fatalf("list = %d, %d items", w.Code, len(body.Data))
	}

	w = env.do(http.MethodGet, "/api/v1/items?feed_type=DLC")
	body.Data = nil
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Data) != 0 {
		t.Fatalf("DLC filter should be empty, got %d", len(body.Data))
	}
}

func TestRunPipeline(t *testing.T) {
	env := newTestEnv(t, "", "")

	w := env.do(http.MethodPost, "/api/v1/pipeline/run")
	if w.Code != http.StatusOK {
		t.Fatalf("run = %d", w.Code)
	}
	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"newItems", "monetizedLinks", "notified", "durationMs", "timestamp"} {
		if _, ok := res[k]; !ok {
			t.Fatalf("run response missing %s: %s", k, w.Body.String())
		}
	}

	env.pipe.busy = true
	if w := env.do(http.MethodPost, "/api/v1/pipeline/run"); w.Code != http.StatusConflict {
		t.Fatalf("busy run = %d, want 409", w.Code)
	}
}

func TestStatsAndCache(t *testing.T) {
	env := newTestEnv(t, "", "")
	env.do(http.MethodPost, "/api/v1/pipeline/run")

	w := env.do(http.MethodGet, "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var st struct {
		Items struct {
			Total int64 `json:"total"`
		} `json:"items"`
		Cache      linkcache.Stats             `json:"cache"`
		RateLimits map[string]ratelimit.Status `json:"rateLimits"`
		LastRun    *pipeline.Result            `json:"lastRun"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Items.Total != 1 || st.Cache.Valid != 1 || st.LastRun == nil || st.LastRun.RunID != "run-1" {
		t.Fatalf("unexpected stats: %s", w.Body.String())
	}
	if st.RateLimits["shortener"].Remaining != 899 || st.RateLimits["webhook"].Limit != 25 {
		t.Fatalf("unexpected rate limits: %+v", st.RateLimits)
	}

	if w := env.do(http.MethodGet, "/api/v1/cache/stats"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":1`) {
		t.Fatalf("cache stats = %d %s", w.Code, w.Body.String())
	}
	w = env.do(http.MethodPost, "/api/v1/cache/cleanup")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":0`) {
		t.Fatalf("cache cleanup = %d %s", w.Code, w.Body.String())
	}
}

func TestStaticFeeds(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodGet, "/feeds/all-offers.xml")
	if w.Code != http.StatusOK || w.Body.String() != "<rss/>" {
		t.Fatalf("feed = %d %q", w.Code, w.Body.String())
	}
}

func TestBasicAuth(t *testing.T) {
	env := newTestEnv(t, "admin", "secret")

	if w := env.do(http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Fatalf("health must skip auth, got %d", w.Code)
	}
	w := env.do(http.MethodGet, "/api/v1/items")
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("unauthenticated = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d", w.Code)
	}
}
