// Package score rates raw feed items against the strategy with a rubric prompt
// and ranks the results.
package score

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/robsok/content-pipeline/internal/collect"
	"github.com/robsok/content-pipeline/internal/ledger"
	"github.com/robsok/content-pipeline/internal/llm"
)

const systemPrompt = "Be precise. Output valid JSON only."

const scorePrompt = `
Strategy:
%s

Score each item using this rubric:
- relevance (0-5): matches the strategy's themes and audience.
- locality (0-3): the strategy's home region preferred; otherwise the wider country.
- novelty (0-3): new angle, not repetitive.
- actionability (0-3): can we say something practical for our audience?
- timeliness (0-2): prefer last 7 days.
Explain briefly 'why_relevant'.

Items:
%s

Return strict JSON only:
{"items":[{"title":"...","link":"...","why_relevant":"...",
"scores":{"relevance":0,"locality":0,"novelty":0,"actionability":0,"timeliness":0},
"total":0}]}
`

const maxSummary = 600

// Scores are the rubric sub-scores.
type Scores struct {
	Relevance     float64 `json:"relevance"`
	Locality      float64 `json:"locality"`
	Novelty       float64 `json:"novelty"`
	Actionability float64 `json:"actionability"`
	Timeliness    float64 `json:"timeliness"`
}

// Item is a scored feed item as written to scored_items.json.
type Item struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title"`
	Link        string  `json:"link"`
	Feed        string  `json:"feed"`
	Summary     string  `json:"summary"`
	PublishedTS int64   `json:"published_ts"`
	Scores      Scores  `json:"scores"`
	Total       float64 `json:"total"`
	WhyRelevant string  `json:"why_relevant"`
}

// Key identifies the item in the index map: its id, or its link without one.
func (it Item) Key() string {
	if it.ID != "" {
		return it.ID
	}
	return it.Link
}

// Scorer scores items with one metered call per run.
type Scorer struct {
	provider llm.Provider
	ledger   *ledger.Ledger
	model    string
}

// NewScorer creates a scorer.
func NewScorer(provider llm.Provider, l *ledger.Ledger, model string) *Scorer {
	return &Scorer{provider: provider, ledger: l, model: model}
}

type briefItem struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Summary     string `json:"summary"`
	PublishedTS int64  `json:"published_ts"`
	Feed        string `json:"feed"`
}

// Score rates items against strategy. It fails with ledger.ErrBudgetExceeded
// before calling the service when today's cap is already reached.
func (s *Scorer) Score(ctx context.Context, items []collect.Item, strategy string) ([]Item, error) {
	if len(items) == 0 {
		log.Printf("[INFO] no items to score")
		return []Item{}, nil
	}
	if err := s.ledger.Guard("scoring"); err != nil {
		return nil, err
	}

	brief := make([]briefItem, len(items))
	for i, it := range items {
		summary := it.Summary
		if r := []rune(summary); len(r) > maxSummary {
			summary = string(r[:maxSummary])
		}
		brief[i] = briefItem{Title: it.Title, Link: it.Link, Summary: summary, PublishedTS: it.PublishedTS, Feed: it.Feed}
	}
	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return nil, fmt.Errorf("marshaling items: %w", err)
	}

	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:       s.model,
		System:      systemPrompt,
		Prompt:      fmt.Sprintf(scorePrompt, strategy, briefJSON),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}

	s.ledger.Record(s.model, resp.PromptTokens, resp.CompletionTokens, map[string]any{"stage": "scoring", "items": len(items)})
	s.ledger.AfterCall("scoring")

	var parsed struct {
		Items []Item `json:"items"`
	}
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}

	return merge(parsed.Items, items), nil
}

// merge copies feed, summary and publish time from the raw items the service
// does not echo back.
func merge(scored []Item, raw []collect.Item) []Item {
	byLink := make(map[string]collect.Item, len(raw))
	for _, it := range raw {
		byLink[it.Link] = it
	}
	for i := range scored {
		src, ok := byLink[scored[i].Link]
		if !ok {
			continue
		}
		if scored[i].Feed == "" {
			scored[i].Feed = src.Feed
		}
		if scored[i].Summary == "" {
			scored[i].Summary = src.Summary
		}
		if scored[i].PublishedTS == 0 {
			scored[i].PublishedTS = src.PublishedTS
		}
	}
	if scored == nil {
		scored = []Item{}
	}
	return scored
}

// Rank returns items ordered by total, highest first, keeping input order for ties.
func Rank(items []Item) []Item {
	ranked := make([]Item, len(items))
	copy(ranked, items)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Total > ranked[j].Total })
	return ranked
}
