package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowpress/flowpress/core/registry"
)

const feedXML = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <item>
      <title>First</title>
      <link>https://example.com/first</link>
      <guid>guid-first</guid>
      <description>First post</description>
    </item>
    <item>
      <title>No GUID</title>
      <link>https://example.com/second</link>
      <description>Second post</description>
    </item>
    <item>
      <title>Neither</title>
      <description>Dropped: no identity</description>
    </item>
  </channel>
</rss>`

func TestRegisterBuiltins(t *testing.T) {
	r := registry.New()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	want := []string{"rss", "webpage", "wordpress"}
	got := r.Slugs()
	if len(got) != len(want) {
		t.Fatalf("slugs = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slugs = %v", got)
		}
	}
}

func TestRSSFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	h := NewRSS(srv.Client())
	items, err := h.Fetch(context.Background(), map[string]any{"url": srv.URL, "max_items": 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Identifier != "guid-first" || items[0].SourceType != SourceTypeRSS {
		t.Fatalf("first = %+v", items[0])
	}
	// GUID missing falls back to the link.
	if items[1].Identifier != "https://example.com/second" {
		t.Fatalf("second = %+v", items[1])
	}
	if items[0].Params["source_url"] != "https://example.com/first" {
		t.Fatalf("params = %v", items[0].Params)
	}

	one, err := h.Fetch(context.Background(), map[string]any{"url": srv.URL, "max_items": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 {
		t.Fatalf("max_items not honored: %d", len(one))
	}
}

func TestWebpageFetch(t *testing.T) {
	page := `<html><head><title>Go Proverbs</title>
	<meta property="og:image" content="https://example.com/lead.png"/></head>
	<body><nav>menu junk</nav>
	<article><p>Clear is better than clever.</p><p>Errors are values.</p></article>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	h := NewWebpage(srv.Client())
	items, err := h.Fetch(context.Background(), map[string]any{"url": srv.URL, "selector": ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
	it := items[0]
	if it.Title != "Go Proverbs" {
		t.Fatalf("title = %q", it.Title)
	}
	if !strings.Contains(it.Content, "Clear is better than clever") || strings.Contains(it.Content, "menu junk") {
		t.Fatalf("content = %q", it.Content)
	}
	if it.Params["image_url"] != "https://example.com/lead.png" {
		t.Fatalf("params = %v", it.Params)
	}
	if it.Identifier != srv.URL {
		t.Fatalf("identifier = %q", it.Identifier)
	}
}

func wpConfig(baseURL string) map[string]any {
	return map[string]any{
		"base_url":     baseURL,
		"username":     "bot",
		"app_password": "xxxx yyyy",
		"status":       "publish",
	}
}

func TestWordPressPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/posts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "xxxx yyyy" {
			t.Errorf("auth = %s:%s ok=%v", user, pass, ok)
		}
		var post wpPost
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
			t.Errorf("decode: %v", err)
		}
		if post.Title != "Hello" || post.Status != "publish" {
			t.Errorf("post = %+v", post)
		}
		_ = json.NewEncoder(w).Encode(wpPostResponse{ID: 42, Link: "https://blog.example/hello"})
	}))
	defer srv.Close()

	h := NewWordPress(srv.Client())
	res, err := h.Publish(context.Background(), "<p>Hello world</p>",
		map[string]string{"title": "Hello"}, wpConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Data["post_id"] != 42 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWordPressEmptyContent(t *testing.T) {
	h := NewWordPress(nil)
	res, err := h.Publish(context.Background(), "<p>   </p><script>x()</script>",
		nil, wpConfig("https://blog.example"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorType != ErrTypeEmptyContent {
		t.Fatalf("result = %+v", res)
	}
}

func TestWordPressUpdateNeedsPostID(t *testing.T) {
	h := NewWordPress(nil)
	res, err := h.Update(context.Background(), "<p>edit</p>", nil, wpConfig("https://blog.example"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorType != ErrTypeRemote {
		t.Fatalf("result = %+v", res)
	}
}

func TestWordPressRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"rest_cannot_create"}`))
	}))
	defer srv.Close()

	h := NewWordPress(srv.Client())
	res, err := h.Publish(context.Background(), "<p>body</p>", nil, wpConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorType != ErrTypeRemote || !strings.Contains(res.Error, "403") {
		t.Fatalf("result = %+v", res)
	}
}
