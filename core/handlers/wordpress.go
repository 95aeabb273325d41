package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
)

// Structured error types surfaced by the WordPress handler. The engine
// reports these without retry.
const (
	ErrTypeEmptyContent = "empty_content"
	ErrTypeRemote       = "remote_error"
)

// WordPress publishes and updates posts through the WP REST API using an
// application password.
type WordPress struct {
	client *http.Client
}

// NewWordPress builds the WordPress handler; a nil client falls back to the
// default fetch client.
func NewWordPress(client *http.Client) *WordPress {
	return &WordPress{client: httpClientOr(client)}
}

func (h *WordPress) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Slug:         "wordpress",
		Name:         "WordPress",
		Kinds:        []model.StepKind{model.StepKindPublish, model.StepKindUpdate},
		RequiresAuth: true,
		Fields: map[string]registry.Field{
			"base_url":     {Type: registry.FieldString, Required: true},
			"username":     {Type: registry.FieldString, Required: true},
			"app_password": {Type: registry.FieldString, Required: true},
			"status":       {Type: registry.FieldString, Default: "publish", Options: []string{"publish", "draft", "pending"}},
		},
	}
}

func (h *WordPress) Fetch(context.Context, map[string]any) ([]registry.Item, error) {
	return nil, registry.ErrUnsupported
}

type wpPost struct {
	Title         string `json:"title,omitempty"`
	Content       string `json:"content"`
	Status        string `json:"status,omitempty"`
	FeaturedMedia int    `json:"featured_media,omitempty"`
}

type wpPostResponse struct {
	ID   int    `json:"id"`
	Link string `json:"link"`
}

func (h *WordPress) Publish(ctx context.Context, payload string, params map[string]string, config map[string]any) (*registry.Result, error) {
	return h.send(ctx, http.MethodPost, "/wp-json/wp/v2/posts", payload, params, config)
}

// Update edits an existing post; the post id comes from the engine params
// recorded when the post was first published.
func (h *WordPress) Update(ctx context.Context, payload string, params map[string]string, config map[string]any) (*registry.Result, error) {
	postID := params["post_id"]
	if postID == "" {
		return &registry.Result{
			Success:   false,
			ErrorType: ErrTypeRemote,
			Error:     "update requires a post_id engine parameter",
		}, nil
	}
	return h.send(ctx, http.MethodPost, "/wp-json/wp/v2/posts/"+postID, payload, params, config)
}

func (h *WordPress) send(ctx context.Context, method, path, payload string, params map[string]string, config map[string]any) (*registry.Result, error) {
	baseURL, _ := config["base_url"].(string)
	username, _ := config["username"].(string)
	password, _ := config["app_password"].(string)
	if baseURL == "" || username == "" || password == "" {
		return nil, fmt.Errorf("wordpress: base_url, username, and app_password required")
	}

	// The emptiness check runs on sanitized text; the post itself keeps the
	// original markup.
	if SanitizeContent(payload) == "" {
		return &registry.Result{
			Success:   false,
			ErrorType: ErrTypeEmptyContent,
			Error:     "content is empty after sanitization",
		}, nil
	}

	status, _ := config["status"].(string)
	post := &wpPost{Title: params["title"], Content: payload, Status: status}
	body, err := json.Marshal(post)
	if err != nil {
		return nil, fmt.Errorf("wordpress: marshal post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(username, password)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wordpress: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &registry.Result{
			Success:   false,
			ErrorType: ErrTypeRemote,
			Error:     fmt.Sprintf("wordpress returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}, nil
	}
	var out wpPostResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("wordpress: decode response: %w", err)
	}
	return &registry.Result{
		Success: true,
		Data: map[string]any{
			"post_id": out.ID,
			"link":    out.Link,
		},
	}, nil
}

// SanitizeContent strips markup and collapses whitespace. WordPress rejects
// effectively-empty posts, so the check happens before the remote call.
func SanitizeContent(payload string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload))
	if err != nil {
		return collapseWhitespace(payload)
	}
	doc.Find("script, style").Remove()
	return collapseWhitespace(doc.Text())
}
