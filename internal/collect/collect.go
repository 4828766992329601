package collect

import (
	"context"
	"log"
	"sort"

	"github.com/robsok/content-pipeline/internal/config"
)

// Result holds the results of a collection run.
type Result struct {
	TotalFound int
	Unique     int
	New        int
	Filled     int
	FailedFeed int
	Items      []Item
}

// Collector fetches, deduplicates and filters feed items.
type Collector struct {
	feedParser *FeedParser
	fetcher    *TextFetcher
	seen       *SeenCache
}

// NewCollector creates a collector for the configured feeds.
func NewCollector(cfg *config.Config) *Collector {
	feeds := make([]FeedConfig, len(cfg.Feeds))
	for i, f := range cfg.Feeds {
		feeds[i] = FeedConfig{URL: f.URL, Name: f.Name}
	}

	c := &Collector{
		feedParser: NewFeedParser(feeds, cfg.Fetch.Timeout, cfg.Fetch.UserAgent),
		seen:       NewSeenCache(cfg.SeenCachePath()),
	}
	if cfg.Fetch.FullText {
		c.fetcher = NewTextFetcher(cfg.Fetch.Timeout, cfg.Fetch.UserAgent)
	}
	return c
}

// Collect parses all feeds, keeps the newest copy of each link, orders items
// newest first and, unless ignoreCache is set, drops links seen on earlier runs.
func (c *Collector) Collect(ctx context.Context, ignoreCache bool) *Result {
	all, failed := c.feedParser.ParseAll(ctx)
	r := &Result{TotalFound: len(all), FailedFeed: failed}

	items := Dedupe(all)
	r.Unique = len(items)

	if !ignoreCache {
		items = c.seen.FilterNew(items)
	}
	r.New = len(items)

	if c.fetcher != nil {
		r.Filled = c.fetcher.FillSummaries(ctx, items)
	}

	r.Items = items
	log.Printf("[INFO] collection complete: %d found, %d unique, %d new", r.TotalFound, r.Unique, r.New)
	return r
}

// Dedupe keeps one item per key, preferring the most recently published, and
// returns them newest first.
func Dedupe(items []Item) []Item {
	byKey := map[string]int{}
	res := make([]Item, 0, len(items))
	for _, it := range items {
		key := it.Key()
		if idx, ok := byKey[key]; ok {
			if it.PublishedTS > res[idx].PublishedTS {
				res[idx] = it
			}
			continue
		}
		byKey[key] = len(res)
		res = append(res, it)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].PublishedTS > res[j].PublishedTS })
	return res
}
