// Package content turns captured URLs into clean article text for ingestion.
package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	// fetchTimeout bounds the whole fetch including redirects.
	fetchTimeout = 15 * time.Second

	// maxContentChars caps extracted article text. Very long pages are
	// truncated; enrichment truncates further for the model anyway.
	maxContentChars = 20000

	// maxBodyBytes caps the raw HTML read off the wire.
	maxBodyBytes = 4 << 20

	// userAgent presents as a regular browser; many sites serve stripped
	// or blocked pages to unknown clients.
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Article is the readable core of a fetched page.
type Article struct {
	Title string
	Text  string
}

// Fetcher downloads pages and extracts their readable text.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher with the standard timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// Fetch downloads the page at rawURL and extracts its readable article text,
// truncated to the content cap. Redirects are followed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Article, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return Article{}, fmt.Errorf("invalid article URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return Article{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Article{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Article{}, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	parsed, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), pageURL)
	if err != nil {
		return Article{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}

	text := strings.TrimSpace(parsed.TextContent)
	if text == "" {
		return Article{}, fmt.Errorf("extract %s: no readable content", pageURL)
	}

	return Article{
		Title: strings.TrimSpace(parsed.Title),
		Text:  truncate(text, maxContentChars),
	}, nil
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
