package handlers

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
)

// SourceTypeRSS scopes dedup identifiers produced by the RSS handler.
const SourceTypeRSS = "rss"

// RSS fetches items from an RSS 2.0 feed. Item identity is the GUID when
// present, otherwise the link.
type RSS struct {
	client *http.Client
}

// NewRSS builds the RSS handler; a nil client falls back to the default
// fetch client.
func NewRSS(client *http.Client) *RSS {
	return &RSS{client: httpClientOr(client)}
}

func (h *RSS) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Slug:  "rss",
		Name:  "RSS feed",
		Kinds: []model.StepKind{model.StepKindFetch},
		Fields: map[string]registry.Field{
			"url":       {Type: registry.FieldString, Required: true},
			"max_items": {Type: registry.FieldInt, Default: 10},
		},
	}
}

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

func (h *RSS) Fetch(ctx context.Context, config map[string]any) ([]registry.Item, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("rss: url required")
	}
	max := intConfig(config, "max_items", 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rss: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rss: %s returned status %d", url, resp.StatusCode)
	}
	var doc rssDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("rss: parse %s: %w", url, err)
	}

	items := make([]registry.Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		if len(items) >= max {
			break
		}
		id := strings.TrimSpace(it.GUID)
		if id == "" {
			id = strings.TrimSpace(it.Link)
		}
		if id == "" {
			continue
		}
		items = append(items, registry.Item{
			Identifier: id,
			SourceType: SourceTypeRSS,
			Title:      strings.TrimSpace(it.Title),
			Content:    strings.TrimSpace(it.Description),
			Params:     map[string]string{"source_url": strings.TrimSpace(it.Link)},
			Meta:       map[string]string{"feed_title": doc.Channel.Title, "published": it.PubDate},
		})
	}
	return items, nil
}

func (h *RSS) Publish(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}

func (h *RSS) Update(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}

func intConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
