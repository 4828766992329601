// Package generate drafts short-form posts for selected items and renders the
// daily Markdown digest.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robsok/content-pipeline/internal/collect"
	"github.com/robsok/content-pipeline/internal/ledger"
	"github.com/robsok/content-pipeline/internal/llm"
	"github.com/robsok/content-pipeline/internal/rundir"
	"github.com/robsok/content-pipeline/internal/score"
)

const systemPrompt = "You craft credible, concise LinkedIn content. No emojis."

const draftPrompt = `
Strategy (tone, audience, rules):
%s
%s
For each item, produce:
1) One-line angle/headline (<= 90 chars).
2) A 120-160 word LinkedIn post in Australian English.
   - Concrete "so what" for our audience.
   - No emojis. Avoid fluff. Don't overclaim; stick to the item.
3) 3-5 relevant hashtags.
4) A one-line 'Why this matters' note to the author (not for posting).

Items (JSON):
%s

Return as Markdown, with sections per item:
## {title}
**Angle:** ...
**Post:** ...
**Hashtags:** #...
**Why this matters (note to me):** ...
`

// Separator is written between digests appended to the same day's file.
const Separator = "\n---\n\n"

// Drafter writes posts with one metered call per generation run.
type Drafter struct {
	provider llm.Provider
	ledger   *ledger.Ledger
	model    string
}

// NewDrafter creates a drafter.
func NewDrafter(provider llm.Provider, l *ledger.Ledger, model string) *Drafter {
	return &Drafter{provider: provider, ledger: l, model: model}
}

type briefItem struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Draft returns the generated Markdown for chosen. The angle hint, if any,
// applies across all items. It fails with ledger.ErrBudgetExceeded before
// calling the service when today's cap is already reached.
func (d *Drafter) Draft(ctx context.Context, chosen []score.Item, strategy, angle string) (string, error) {
	if err := d.ledger.Guard("generation"); err != nil {
		return "", err
	}

	brief := make([]briefItem, len(chosen))
	for i, it := range chosen {
		brief[i] = briefItem{Title: it.Title, Link: it.Link}
	}
	briefJSON, err := json.Marshal(brief)
	if err != nil {
		return "", fmt.Errorf("marshaling items: %w", err)
	}

	hint := ""
	if angle != "" {
		hint = "\nAngle hint (apply across items): " + angle + "\n"
	}

	resp, err := d.provider.Complete(ctx, llm.Request{
		Model:       d.model,
		System:      systemPrompt,
		Prompt:      fmt.Sprintf(draftPrompt, strategy, hint, briefJSON),
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("generation: %w", err)
	}

	d.ledger.Record(d.model, resp.PromptTokens, resp.CompletionTokens, map[string]any{"stage": "generation", "items": len(chosen)})
	d.ledger.AfterCall("generation")
	return resp.Content, nil
}

// Digest renders the Markdown digest for items followed by the drafted ideas.
func Digest(title string, items []collect.Item, ideas string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	fmt.Fprintf(&b, "_Generated: %s_\n\n", now.Format("2006-01-02 15:04"))

	if len(items) == 0 {
		b.WriteString("_No items found._\n")
	} else {
		b.WriteString("## Items\n")
		for i, it := range items {
			published := "n/a"
			if it.PublishedTS > 0 {
				published = time.Unix(it.PublishedTS, 0).In(now.Location()).Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "\n### %d. [%s](%s)\n", i+1, it.Title, it.Link)
			fmt.Fprintf(&b, "- **Source:** %s\n", it.Feed)
			fmt.Fprintf(&b, "- **Published:** %s\n", published)
			if it.Summary != "" {
				fmt.Fprintf(&b, "- **Summary:** %s\n", it.Summary)
			}
		}
	}

	if ideas = strings.TrimSpace(ideas); ideas != "" {
		b.WriteString("\n## Suggested Posts & Drafts\n\n")
		b.WriteString(ideas)
		b.WriteString("\n")
	}
	return b.String()
}

// WriteDigest appends digest to path after a separator, or creates the file.
// It reports whether an existing digest was appended to.
func WriteDigest(path, digest string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		if err := rundir.AppendText(path, Separator+digest); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, rundir.WriteText(path, digest)
}
