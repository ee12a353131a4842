package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/zubot/internal/toolregistry"
	"github.com/stretchr/testify/require"
)

var (
	_ toolregistry.Tool = (*WebSearchTool)(nil)
	_ toolregistry.Tool = (*WebFetchTool)(nil)
)

func searxStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "json", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "Go scheduler internals", "url": "https://example.com/1", "content": "how goroutines run"},
				{"title": "Cron in Go", "url": "https://example.com/2", "content": "robfig cron usage"},
				{"title": "no url, skipped", "url": "", "content": "x"},
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSearchReturnsResults(t *testing.T) {
	server := searxStub(t)
	tool := NewWebSearchTool(&Config{Endpoint: server.URL})

	params, _ := json.Marshal(map[string]any{"query": "go scheduler"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Query   string         `json:"query"`
		Results []SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content), &out))
	require.Equal(t, "go scheduler", out.Query)
	require.Len(t, out.Results, 2)
	require.Equal(t, "https://example.com/1", out.Results[0].URL)
	require.Equal(t, "how goroutines run", out.Results[0].Snippet)
}

func TestSearchHonorsMaxResults(t *testing.T) {
	server := searxStub(t)
	tool := NewWebSearchTool(&Config{Endpoint: server.URL, MaxResults: 5})

	params, _ := json.Marshal(map[string]any{"query": "go", "max_results": 1})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)

	var out struct {
		Results []SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content), &out))
	require.Len(t, out.Results, 1)
}

func TestSearchWithoutEndpointErrors(t *testing.T) {
	tool := NewWebSearchTool(&Config{})
	params, _ := json.Marshal(map[string]any{"query": "anything"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "not configured")
}

func TestSearchRequiresQuery(t *testing.T) {
	tool := NewWebSearchTool(&Config{Endpoint: "http://unused"})
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestExtractStripsMarkup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Release Notes</title><style>p{color:red}</style></head>
			<body><script>alert(1)</script><p>Version 2.1 ships the new &amp; improved scheduler.</p></body></html>`))
	}))
	t.Cleanup(server.Close)

	extractor := NewContentExtractorForTesting()
	text, err := extractor.Extract(context.Background(), server.URL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "Release Notes"))
	require.Contains(t, text, "new & improved scheduler")
	require.NotContains(t, text, "alert(1)")
	require.NotContains(t, text, "color:red")
}

func TestExtractRejectsNonHTTPSchemes(t *testing.T) {
	extractor := NewContentExtractorForTesting()
	_, err := extractor.Extract(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
}

func TestExtractRejectsPrivateHosts(t *testing.T) {
	extractor := NewContentExtractor()
	_, err := extractor.Extract(context.Background(), "http://127.0.0.1:9/anything")
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved address")
}

func TestExtractRejectsBinaryContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x1, 0x2})
	}))
	t.Cleanup(server.Close)

	extractor := NewContentExtractorForTesting()
	_, err := extractor.Extract(context.Background(), server.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported content type")
}

func TestFetchToolReturnsExtractedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>hello from the page</p></body></html>`))
	}))
	t.Cleanup(server.Close)

	tool := NewWebFetchTool(nil, WithExtractor(NewContentExtractorForTesting()))
	params, _ := json.Marshal(map[string]any{"url": server.URL})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "hello from the page")
}

func TestFetchToolTruncatesAtMaxChars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("word ", 200)))
	}))
	t.Cleanup(server.Close)

	tool := NewWebFetchTool(&FetchConfig{MaxChars: 40}, WithExtractor(NewContentExtractorForTesting()))
	params, _ := json.Marshal(map[string]any{"url": server.URL})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)

	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content), &out))
	require.True(t, out.Truncated)
	require.LessOrEqual(t, len(out.Content), 43)
}

func TestFetchToolRequiresURL(t *testing.T) {
	tool := NewWebFetchTool(nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
