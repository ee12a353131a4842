package websearch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 2 << 20

// ContentExtractor fetches a URL and reduces it to readable text.
type ContentExtractor struct {
	client       *http.Client
	allowPrivate bool
}

// NewContentExtractor builds an extractor with a 15s timeout and private-IP
// targets rejected.
func NewContentExtractor() *ContentExtractor {
	return &ContentExtractor{client: &http.Client{Timeout: 15 * time.Second}}
}

// NewContentExtractorForTesting permits loopback targets so tests can point
// at an httptest server.
func NewContentExtractorForTesting() *ContentExtractor {
	e := NewContentExtractor()
	e.allowPrivate = true
	return e
}

// validateURL rejects non-http schemes and hosts resolving to private or
// reserved addresses, so a fetch cannot be steered at internal services.
func (e *ContentExtractor) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URL validation failed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL validation failed: scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL validation failed: missing host")
	}
	if e.allowPrivate {
		return nil
	}
	ips, err := net.LookupIP(u.Hostname())
	if err != nil {
		return fmt.Errorf("URL validation failed: resolve %s: %w", u.Hostname(), err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("URL validation failed: %s resolves to a reserved address", u.Hostname())
		}
	}
	return nil
}

// Extract fetches targetURL and returns its readable text content.
func (e *ContentExtractor) Extract(ctx context.Context, targetURL string) (string, error) {
	if err := e.validateURL(targetURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "zubot/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	if strings.Contains(contentType, "text/plain") {
		return collapseWhitespace(string(body)), nil
	}
	return htmlToText(string(body)), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style\b.*?</style>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// htmlToText strips markup down to readable text, with the page title (when
// present) as the first line.
func htmlToText(page string) string {
	title := ""
	if m := titleRe.FindStringSubmatch(page); m != nil {
		title = collapseWhitespace(html.UnescapeString(m[1]))
	}

	stripped := scriptRe.ReplaceAllString(page, " ")
	stripped = styleRe.ReplaceAllString(stripped, " ")
	stripped = tagRe.ReplaceAllString(stripped, " ")
	text := collapseWhitespace(html.UnescapeString(stripped))

	if title != "" && !strings.HasPrefix(text, title) {
		return title + "\n\n" + text
	}
	return text
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
