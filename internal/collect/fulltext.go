package collect

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	minTextLength = 100
	maxTextLength = 1200
)

// TextFetcher fetches article pages and extracts readable text. It fills in
// summaries for feed items that arrive without one.
type TextFetcher struct {
	client    *http.Client
	userAgent string
}

// NewTextFetcher creates a text fetcher with the given request timeout.
func NewTextFetcher(timeout time.Duration, userAgent string) *TextFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &TextFetcher{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// FillSummaries extracts text for items with an empty summary and returns how
// many were filled. Failures are logged and leave the item untouched.
func (f *TextFetcher) FillSummaries(ctx context.Context, items []Item) int {
	filled := 0
	failedHosts := map[string]struct{}{}
	for i := range items {
		if items[i].Summary != "" || items[i].Link == "" {
			continue
		}
		u, err := url.Parse(items[i].Link)
		if err != nil {
			continue
		}
		if _, failed := failedHosts[u.Host]; failed {
			continue
		}

		text, err := f.extract(ctx, u)
		if err != nil {
			log.Printf("[WARN] full text for %s: %v, skipping remaining from %s", items[i].Link, err, u.Host)
			failedHosts[u.Host] = struct{}{}
			continue
		}
		if text == "" {
			continue
		}
		items[i].Summary = text
		filled++
	}
	return filled
}

func (f *TextFetcher) extract(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", nil
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) < minTextLength {
		return "", nil
	}
	if r := []rune(text); len(r) > maxTextLength {
		text = string(r[:maxTextLength])
	}
	return text, nil
}
