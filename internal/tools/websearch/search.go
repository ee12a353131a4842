package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/zubot/pkg/models"
)

// Config controls the web_search tool. Endpoint is a SearXNG instance's base
// URL; an empty endpoint disables the tool at invocation time with a clear
// error rather than failing registration.
type Config struct {
	Endpoint   string
	MaxResults int
	HTTPClient *http.Client
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchTool queries a SearXNG instance's JSON API.
type WebSearchTool struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

// NewWebSearchTool builds the tool with defaults applied.
func NewWebSearchTool(config *Config) *WebSearchTool {
	t := &WebSearchTool{maxResults: 5, client: &http.Client{Timeout: 15 * time.Second}}
	if config != nil {
		t.endpoint = strings.TrimRight(config.Endpoint, "/")
		if config.MaxResults > 0 {
			t.maxResults = config.MaxResults
		}
		if config.HTTPClient != nil {
			t.client = config.HTTPClient
		}
	}
	return t
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Maximum results to return (default: 5).",
				"minimum":     1,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs one search against the configured endpoint.
func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return &models.ToolResult{Content: "Missing required parameter: query", IsError: true}, nil
	}
	if t.endpoint == "" {
		return &models.ToolResult{Content: "web search is not configured: no search endpoint", IsError: true}, nil
	}

	limit := t.maxResults
	if input.MaxResults > 0 && input.MaxResults < limit {
		limit = input.MaxResults
	}

	results, err := t.search(ctx, input.Query, limit)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("Search failed: %v", err), IsError: true}, nil
	}

	payload, err := json.MarshalIndent(map[string]any{
		"query":   input.Query,
		"results": results,
	}, "", "  ")
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("Failed to format response: %v", err), IsError: true}, nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}

func (t *WebSearchTool) search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "zubot/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from search endpoint", resp.StatusCode)
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]SearchResult, 0, limit)
	for _, r := range decoded.Results {
		if len(out) >= limit {
			break
		}
		if r.URL == "" {
			continue
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}
