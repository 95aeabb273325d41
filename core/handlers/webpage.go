package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
)

// SourceTypeWebpage scopes dedup identifiers produced by the webpage handler.
const SourceTypeWebpage = "webpage"

// Webpage fetches a single URL and extracts readable content. The page URL
// is the dedup identifier, so a given flow step processes each page once.
type Webpage struct {
	client *http.Client
}

// NewWebpage builds the webpage handler; a nil client falls back to the
// default fetch client.
func NewWebpage(client *http.Client) *Webpage {
	return &Webpage{client: httpClientOr(client)}
}

func (h *Webpage) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Slug:  "webpage",
		Name:  "Web page",
		Kinds: []model.StepKind{model.StepKindFetch},
		Fields: map[string]registry.Field{
			"url":      {Type: registry.FieldString, Required: true},
			"selector": {Type: registry.FieldString, Default: ""},
		},
	}
}

func (h *Webpage) Fetch(ctx context.Context, config map[string]any) ([]registry.Item, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webpage: url required")
	}
	selector, _ := config["selector"].(string)

	page, err := FetchPage(ctx, h.client, url, selector)
	if err != nil {
		return nil, err
	}
	if page.Text == "" {
		return nil, nil
	}
	params := map[string]string{"source_url": url}
	if page.ImageURL != "" {
		params["image_url"] = page.ImageURL
	}
	return []registry.Item{{
		Identifier: url,
		SourceType: SourceTypeWebpage,
		Title:      page.Title,
		Content:    page.Text,
		Params:     params,
	}}, nil
}

func (h *Webpage) Publish(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}

func (h *Webpage) Update(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}

// Page is the extracted content of one fetched web page.
type Page struct {
	Title    string
	Text     string
	ImageURL string
}

// FetchPage downloads a URL and extracts title, body text, and the lead
// image. An empty selector falls back to common article containers, then
// the whole body.
func FetchPage(ctx context.Context, client *http.Client, url, selector string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClientOr(client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("webpage: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webpage: %s returned status %d", url, resp.StatusCode)
	}
	return ExtractPage(resp.Body, selector)
}

// ExtractPage parses HTML and pulls out the readable content.
func ExtractPage(r io.Reader, selector string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("webpage: parse: %w", err)
	}
	doc.Find("script, style, nav, header, footer, aside").Remove()

	page := &Page{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		page.ImageURL = strings.TrimSpace(og)
	}

	candidates := []string{selector, "article", "main", "body"}
	for _, sel := range candidates {
		if sel == "" {
			continue
		}
		if text := collapseWhitespace(doc.Find(sel).First().Text()); text != "" {
			page.Text = text
			break
		}
	}
	return page, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
