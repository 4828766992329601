// Package review renders ranked scored items into the numbered review listing
// sent for approval, together with the index map used to resolve replies.
package review

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/robsok/content-pipeline/internal/rundir"
	"github.com/robsok/content-pipeline/internal/score"
)

const (
	maxTitle = 120
	maxWhy   = 240
	tokenLen = 6
)

// Entry maps a displayed index back to the item.
type Entry struct {
	Index int    `json:"i"`
	ID    string `json:"id"`
	URL   string `json:"url"`
}

// IndexMap correlates a review token with the items in display order.
type IndexMap struct {
	RunID string  `json:"run_id"`
	Items []Entry `json:"items"`
}

// Len returns the number of listed items.
func (m IndexMap) Len() int { return len(m.Items) }

// Options controls which items make the review.
type Options struct {
	MinTotal float64
	MaxItems int    // 0 means no cap
	Date     string // header date, YYYY-MM-DD
	Token    string // generated when empty
}

// Review is the rendered listing and its index map.
type Review struct {
	Text string
	Map  IndexMap
}

// Subject returns the mail subject for the review. The "run <token>" part is
// what replies are searched for.
func Subject(date, token string) string {
	return fmt.Sprintf("[content_pipeline] Review - %s (run %s)", date, token)
}

// Build filters ranked items below MinTotal, caps them at MaxItems and numbers
// the survivors from 1 in their given order.
func Build(ranked []score.Item, opts Options) (*Review, error) {
	token := opts.Token
	if token == "" {
		t, err := NewToken()
		if err != nil {
			return nil, err
		}
		token = t
	}

	kept := make([]score.Item, 0, len(ranked))
	for _, it := range ranked {
		if it.Total >= opts.MinTotal {
			kept = append(kept, it)
		}
	}
	if opts.MaxItems > 0 && len(kept) > opts.MaxItems {
		kept = kept[:opts.MaxItems]
	}

	var sb strings.Builder
	sb.WriteString(Subject(opts.Date, token) + "\n\n")
	sb.WriteString("Reply with numbers (e.g., 1,3-5) to generate posts.\n\n")

	m := IndexMap{RunID: token, Items: make([]Entry, 0, len(kept))}
	for i, it := range kept {
		idx := i + 1
		title := Truncate(strings.TrimSpace(it.Title), maxTitle)
		why := Truncate(strings.TrimSpace(it.WhyRelevant), maxWhy)

		fmt.Fprintf(&sb, "%d) [%s] %s\n", idx, FormatTotal(it.Total), title)
		if it.Link != "" {
			fmt.Fprintf(&sb, "    %s\n", it.Link)
		}
		if it.Feed != "" {
			fmt.Fprintf(&sb, "    Source: %s\n", it.Feed)
		}
		if why != "" {
			fmt.Fprintf(&sb, "    Why: %s\n", why)
		}
		sb.WriteString("\n")

		m.Items = append(m.Items, Entry{Index: idx, ID: it.Key(), URL: it.Link})
	}

	text := strings.TrimRight(sb.String(), "\n") + "\n"
	return &Review{Text: text, Map: m}, nil
}

// Write stores the listing and the index map in the run directory.
func Write(run *rundir.Run, rv *Review) error {
	if err := run.WriteText(rundir.ReviewTextFile, rv.Text); err != nil {
		return err
	}
	return run.SaveJSON(rundir.IndexMapFile, rv.Map)
}

// LoadIndexMap reads the index map written by the last review of the run.
func LoadIndexMap(run *rundir.Run) (IndexMap, error) {
	var m IndexMap
	if err := run.ReadJSON(rundir.IndexMapFile, &m); err != nil {
		return IndexMap{}, err
	}
	return m, nil
}

// NewToken returns a short random hex token. Collisions are not checked.
func NewToken() (string, error) {
	b := make([]byte, tokenLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating run token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Truncate shortens s to at most n runes, ending with "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// FormatTotal prints a score without trailing zeros ("12", "12.5").
func FormatTotal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
