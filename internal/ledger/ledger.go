// Package ledger tracks cumulative spend of metered text-generation calls per
// calendar day and enforces the daily ceiling around each call.
package ledger

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/robsok/content-pipeline/internal/config"
	"github.com/robsok/content-pipeline/internal/rundir"
)

// ErrBudgetExceeded is returned by Guard when today's spend is at or above the cap.
var ErrBudgetExceeded = errors.New("daily cost limit reached")

// Entry is one recorded metered call.
type Entry struct {
	TS               string         `json:"ts"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostInUSD        float64        `json:"cost_in_usd"`
	CostOutUSD       float64        `json:"cost_out_usd"`
	CostTotalUSD     float64        `json:"cost_total_usd"`
	Meta             map[string]any `json:"meta"`
}

// State is the persisted usage of one day.
type State struct {
	Date     string  `json:"date"`
	SpentUSD float64 `json:"spent_usd"`
	Entries  []Entry `json:"entries"`
}

// Ledger is the usage state of one day bound to its file.
type Ledger struct {
	path   string
	max    float64
	prices map[string]config.Price
	state  State
	now    func() time.Time
}

// Open loads today's usage from the run directory or starts an empty state.
// A corrupt file is replaced by a fresh state on the next write.
func Open(run *rundir.Run, budget config.Budget) *Ledger {
	l := &Ledger{
		path:   run.Path(rundir.UsageFile),
		max:    budget.MaxDailyUSD,
		prices: budget.Prices,
		state:  State{Date: run.Date, Entries: []Entry{}},
		now:    time.Now,
	}

	if _, err := os.Stat(l.path); err != nil {
		return l
	}
	var st State
	if err := rundir.ReadJSON(l.path, &st); err != nil {
		log.Printf("[WARN] usage ledger unreadable, starting fresh: %v", err)
		return l
	}
	if st.Entries == nil {
		st.Entries = []Entry{}
	}
	l.state = st
	return l
}

// Spent returns today's cumulative spend in USD.
func (l *Ledger) Spent() float64 { return l.state.SpentUSD }

// Max returns the daily ceiling in USD.
func (l *Ledger) Max() float64 { return l.max }

// Entries returns a copy of today's recorded calls.
func (l *Ledger) Entries() []Entry {
	res := make([]Entry, len(l.state.Entries))
	copy(res, l.state.Entries)
	return res
}

// CanSpendMore reports whether spend is still below the ceiling.
func (l *Ledger) CanSpendMore() bool {
	return l.state.SpentUSD < l.max
}

// Guard is the pre-call check. It fails with ErrBudgetExceeded once the cap is reached.
func (l *Ledger) Guard(stage string) error {
	if l.CanSpendMore() {
		return nil
	}
	return fmt.Errorf("%w ($%.4f / $%.2f), aborting %s", ErrBudgetExceeded, l.Spent(), l.max, stage)
}

// AfterCall is the post-call check. It only logs; the call that just happened
// is never retroactively blocked.
func (l *Ledger) AfterCall(stage string) {
	if !l.CanSpendMore() {
		log.Printf("[WARN] daily limit now reached after %s ($%.4f / $%.2f)", stage, l.Spent(), l.max)
	}
}

// Record prices a completed call, appends it and persists the state. Unknown
// models are priced at the default model's rates. Persistence failures are
// logged and swallowed.
func (l *Ledger) Record(model string, promptTokens, completionTokens int, meta map[string]any) Entry {
	rates := l.rates(model)
	costIn := float64(promptTokens) / 1000.0 * rates.In
	costOut := float64(completionTokens) / 1000.0 * rates.Out
	total := costIn + costOut

	if meta == nil {
		meta = map[string]any{}
	}
	entry := Entry{
		TS:               l.now().Format("2006-01-02T15:04:05"),
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostInUSD:        round6(costIn),
		CostOutUSD:       round6(costOut),
		CostTotalUSD:     round6(total),
		Meta:             meta,
	}
	l.state.Entries = append(l.state.Entries, entry)
	l.state.SpentUSD = round6(l.state.SpentUSD + total)

	if err := l.flush(); err != nil {
		log.Printf("[WARN] could not persist usage ledger: %v", err)
	}
	return entry
}

func (l *Ledger) rates(model string) config.Price {
	if p, ok := l.prices[model]; ok {
		return p
	}
	if p, ok := l.prices[config.DefaultModel]; ok {
		log.Printf("[DEBUG] no price for model %q, using %s rates", model, config.DefaultModel)
		return p
	}
	return fallbackPrice
}

// fallbackPrice matches the default model when the table was emptied by hand.
var fallbackPrice = config.Price{In: 0.00015, Out: 0.0006}

func (l *Ledger) flush() error {
	return rundir.SaveJSONAtomic(l.path, l.state)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
