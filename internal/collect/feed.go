package collect

import (
	"context"
	"html"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

// Item is one raw feed entry as written to raw_items.json.
type Item struct {
	Feed        string `json:"feed"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	Summary     string `json:"summary"`
	PublishedTS int64  `json:"published_ts"`
}

// Key identifies an item for deduplication: its link, or feed|title without one.
func (it Item) Key() string {
	if link := strings.TrimSpace(it.Link); link != "" {
		return link
	}
	return it.Feed + "|" + it.Title
}

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL  string
	Name string
}

// FeedParser parses RSS/Atom feeds.
type FeedParser struct {
	feeds  []FeedConfig
	parser *gofeed.Parser
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(feeds []FeedConfig, timeout time.Duration, userAgent string) *FeedParser {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = userAgent
	return &FeedParser{feeds: feeds, parser: parser}
}

// ParseAll parses every configured feed. A failing feed is logged and skipped.
func (fp *FeedParser) ParseAll(ctx context.Context) (items []Item, failed int) {
	for _, fc := range fp.feeds {
		entries, err := fp.parseFeed(ctx, fc)
		if err != nil {
			log.Printf("[WARN] failed to parse feed %s: %v", fc.URL, err)
			failed++
			continue
		}
		items = append(items, entries...)
		log.Printf("[DEBUG] parsed %d entries from %s", len(entries), fc.URL)
	}
	return items, failed
}

func (fp *FeedParser) parseFeed(ctx context.Context, fc FeedConfig) ([]Item, error) {
	feed, err := fp.parser.ParseURLWithContext(fc.URL, ctx)
	if err != nil {
		return nil, err
	}

	source := fc.Name
	if source == "" {
		source = strings.TrimSpace(feed.Title)
	}
	if source == "" {
		source = extractSourceName(fc.URL)
	}

	entries := make([]Item, 0, len(feed.Items))
	for _, gi := range feed.Items {
		entries = append(entries, parseItem(gi, source))
	}
	return entries, nil
}

func parseItem(gi *gofeed.Item, source string) Item {
	link := strings.TrimSpace(gi.Link)
	if link == "" && strings.HasPrefix(gi.GUID, "http") {
		link = gi.GUID
	}

	var ts int64
	if gi.PublishedParsed != nil {
		ts = gi.PublishedParsed.Unix()
	} else if gi.UpdatedParsed != nil {
		ts = gi.UpdatedParsed.Unix()
	}

	summary := gi.Description
	if summary == "" {
		summary = gi.Content
	}

	return Item{
		Feed:        source,
		Title:       strings.TrimSpace(gi.Title),
		Link:        link,
		Summary:     CleanHTML(summary),
		PublishedTS: ts,
	}
}

var textPolicy = bluemonday.StrictPolicy()

// CleanHTML strips markup (script and style content included) and collapses whitespace.
func CleanHTML(s string) string {
	if s == "" {
		return ""
	}
	// pad tags so adjacent block elements do not glue their words together
	text := html.UnescapeString(textPolicy.Sanitize(strings.ReplaceAll(s, "<", " <")))
	return strings.Join(strings.Fields(text), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	if host == "" {
		return feedURL
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		if name := parts[len(parts)-2]; name != "" {
			return strings.ToUpper(name[:1]) + name[1:]
		}
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
