package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/robsok/content-pipeline/internal/collect"
	"github.com/robsok/content-pipeline/internal/config"
	"github.com/robsok/content-pipeline/internal/generate"
	"github.com/robsok/content-pipeline/internal/ledger"
	"github.com/robsok/content-pipeline/internal/llm"
	"github.com/robsok/content-pipeline/internal/mailbox"
	"github.com/robsok/content-pipeline/internal/mailer"
	"github.com/robsok/content-pipeline/internal/review"
	"github.com/robsok/content-pipeline/internal/rundir"
	"github.com/robsok/content-pipeline/internal/score"
	"github.com/robsok/content-pipeline/internal/selection"
)

// StepResult holds the result of a single pipeline stage.
type StepResult struct {
	Name    string
	Summary string
}

// Deps are the external collaborators. Nil fields are built from the config on
// first use, after the matching credentials check.
type Deps struct {
	Provider llm.Provider
	Sender   mailer.Sender
	Dial     mailbox.Dialer
	Now      func() time.Time
}

// Pipeline runs the stages of one day. Stages share nothing in memory; each
// reads its inputs from the run directory.
type Pipeline struct {
	cfg      *config.Config
	run      *rundir.Run
	provider llm.Provider
	sender   mailer.Sender
	dial     mailbox.Dialer
	now      func() time.Time
}

// New creates a pipeline for run.
func New(cfg *config.Config, run *rundir.Run, deps Deps) *Pipeline {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		run:      run,
		provider: deps.Provider,
		sender:   deps.Sender,
		dial:     deps.Dial,
		now:      now,
	}
}

// Run returns the run context the stages operate on.
func (p *Pipeline) Run() *rundir.Run { return p.run }

// FetchOptions controls the fetch stage.
type FetchOptions struct {
	IgnoreCache bool
}

// Fetch collects feed items and writes the raw items file.
func (p *Pipeline) Fetch(ctx context.Context, opts FetchOptions) (StepResult, error) {
	if err := p.cfg.RequireFeeds(); err != nil {
		return StepResult{}, err
	}

	res := collect.NewCollector(p.cfg).Collect(ctx, opts.IgnoreCache)
	items := res.Items
	if items == nil {
		items = []collect.Item{}
	}
	p.save(rundir.RawItemsFile, items)

	summary := fmt.Sprintf("Fetched %d items (%d unique, %d new) -> %s",
		res.TotalFound, res.Unique, len(items), p.run.Path(rundir.RawItemsFile))
	if res.Filled > 0 {
		summary += fmt.Sprintf(", %d summaries filled", res.Filled)
	}
	if res.FailedFeed > 0 {
		summary += fmt.Sprintf(", %d feed(s) failed", res.FailedFeed)
	}
	return StepResult{Name: "Fetch", Summary: summary}, nil
}

// ScoreOptions controls the score stage.
type ScoreOptions struct {
	Model string
}

// Score rates the raw items and writes the scored items file.
func (p *Pipeline) Score(ctx context.Context, opts ScoreOptions) (StepResult, error) {
	var raw []collect.Item
	if err := p.run.ReadJSON(rundir.RawItemsFile, &raw); err != nil {
		return StepResult{}, fmt.Errorf("raw items unavailable (run fetch first): %w", err)
	}
	strategy, err := p.cfg.Strategy()
	if err != nil {
		return StepResult{}, err
	}
	provider, err := p.llm()
	if err != nil {
		return StepResult{}, err
	}

	model := opts.Model
	if model == "" {
		model = p.cfg.LLM.ScoringModel
	}

	scored, err := score.NewScorer(provider, p.ledger(), model).Score(ctx, raw, strategy)
	if err != nil {
		return StepResult{}, err
	}
	p.save(rundir.ScoredItemsFile, scored)

	return StepResult{
		Name:    "Score",
		Summary: fmt.Sprintf("Scored %d items -> %s", len(scored), p.run.Path(rundir.ScoredItemsFile)),
	}, nil
}

// List renders today's ranked items, one numbered entry per item.
func (p *Pipeline) List() (string, error) {
	ranked, err := p.ranked()
	if err != nil {
		return "", err
	}
	if len(ranked) == 0 {
		return "No scored items. Run: content-pipeline score\n", nil
	}

	var b strings.Builder
	for i, it := range ranked {
		title := it.Title
		if r := []rune(title); len(r) > 120 {
			title = string(r[:120])
		}
		fmt.Fprintf(&b, "%d) %s  [total=%s]\n", i+1, title, review.FormatTotal(it.Total))
		if why := review.Truncate(it.WhyRelevant, 160); why != "" {
			fmt.Fprintf(&b, "    why: %s\n", why)
		}
	}
	return b.String(), nil
}

// GenerateOptions controls the generate stage. Picks, when non-nil, are
// explicit ranked indices and take precedence over Selection.
type GenerateOptions struct {
	Selection *string
	Picks     []int
	TopN      int
	Model     string
	Angle     string
	Email     bool
}

// Generate drafts posts for the selected ranked items, appends the digest to
// today's digest file and optionally mails it.
func (p *Pipeline) Generate(ctx context.Context, opts GenerateOptions) (StepResult, error) {
	ranked, err := p.ranked()
	if err != nil {
		return StepResult{}, err
	}
	if len(ranked) == 0 {
		return StepResult{Name: "Generate", Summary: "No scored items. Run: content-pipeline score"}, nil
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = p.cfg.Generate.TopN
	}
	var picks []int
	if opts.Picks != nil {
		picks = selection.Clamp(opts.Picks, len(ranked))
	} else {
		picks = selection.Permissive(opts.Selection, len(ranked), topN)
	}
	if len(picks) == 0 {
		return StepResult{Name: "Generate", Summary: "No valid selection. Try: content-pipeline list"}, nil
	}

	chosen := make([]score.Item, len(picks))
	for i, n := range picks {
		chosen[i] = ranked[n-1]
	}

	strategy, err := p.cfg.Strategy()
	if err != nil {
		return StepResult{}, err
	}
	provider, err := p.llm()
	if err != nil {
		return StepResult{}, err
	}
	model := opts.Model
	if model == "" {
		model = p.cfg.LLM.GenerationModel
	}

	ideas, err := generate.NewDrafter(provider, p.ledger(), model).Draft(ctx, chosen, strategy, opts.Angle)
	if err != nil {
		return StepResult{}, err
	}

	digest := generate.Digest(p.cfg.Generate.DigestTitle, p.digestItems(chosen), ideas, p.now())
	path := p.run.DigestPath(p.cfg.Output.MarkdownPrefix)
	appended, err := generate.WriteDigest(path, digest)
	if err != nil {
		return StepResult{}, fmt.Errorf("writing digest: %w", err)
	}

	verb := "Wrote"
	if appended {
		verb = "Appended"
	}
	summary := fmt.Sprintf("%s digest for picks [%s] -> %s", verb, selection.Format(picks), path)

	if opts.Email {
		if err := p.mailDigest(ctx, digest, path); err != nil {
			return StepResult{}, err
		}
		summary += ", emailed to configured recipients"
	}
	return StepResult{Name: "Generate", Summary: summary}, nil
}

// Budget returns the budget echo printed after metered stages.
func (p *Pipeline) Budget() string {
	l := p.ledger()
	return fmt.Sprintf("Spent today: $%.4f / $%.2f", l.Spent(), l.Max())
}

func (p *Pipeline) mailDigest(ctx context.Context, digest, path string) error {
	sender, err := p.mailSender()
	if err != nil {
		return err
	}
	msg := mailer.Message{
		Subject:     fmt.Sprintf("%s - %s", p.cfg.Generate.DigestTitle, p.run.Date),
		Body:        digest,
		HTML:        mailer.RenderHTML(digest),
		Attachments: []string{path},
	}
	if err := sender.Send(ctx, msg); err != nil {
		log.Printf("[ERROR] emailing digest: %v", err)
		return err
	}
	return nil
}

// digestItems returns the raw items behind chosen, in raw file order. Without
// a readable raw file the scored items stand in.
func (p *Pipeline) digestItems(chosen []score.Item) []collect.Item {
	links := make(map[string]struct{}, len(chosen))
	for _, it := range chosen {
		links[it.Link] = struct{}{}
	}

	var raw []collect.Item
	if err := p.run.ReadJSON(rundir.RawItemsFile, &raw); err == nil {
		res := make([]collect.Item, 0, len(chosen))
		for _, it := range raw {
			if _, ok := links[it.Link]; ok {
				res = append(res, it)
			}
		}
		return res
	}

	res := make([]collect.Item, len(chosen))
	for i, it := range chosen {
		res[i] = collect.Item{Feed: it.Feed, Title: it.Title, Link: it.Link, Summary: it.Summary, PublishedTS: it.PublishedTS}
	}
	return res
}

// ranked reads the scored items file and orders it by total.
func (p *Pipeline) ranked() ([]score.Item, error) {
	var scored []score.Item
	if err := p.run.ReadJSON(rundir.ScoredItemsFile, &scored); err != nil {
		return nil, fmt.Errorf("scored items unavailable (run score first): %w", err)
	}
	return score.Rank(scored), nil
}

func (p *Pipeline) ledger() *ledger.Ledger {
	return ledger.Open(p.run, p.cfg.Budget)
}

func (p *Pipeline) llm() (llm.Provider, error) {
	if p.provider != nil {
		return p.provider, nil
	}
	if err := p.cfg.RequireLLM(); err != nil {
		return nil, err
	}
	p.provider = llm.NewOpenAIProvider(p.cfg.APIKey(), p.cfg.LLM.Endpoint, p.cfg.LLM.Timeout)
	return p.provider, nil
}

func (p *Pipeline) mailSender() (mailer.Sender, error) {
	if p.sender != nil {
		return p.sender, nil
	}
	if err := p.cfg.RequireSMTP(); err != nil {
		return nil, err
	}
	p.sender = mailer.NewSMTPSender(p.cfg)
	return p.sender, nil
}

func (p *Pipeline) mailDialer() (mailbox.Dialer, error) {
	if p.dial != nil {
		return p.dial, nil
	}
	if err := p.cfg.RequireIMAP(); err != nil {
		return nil, err
	}
	p.dial = mailbox.DialIMAP(p.cfg.IMAP.Host, p.cfg.IMAP.Port, p.cfg.IMAP.Timeout)
	return p.dial, nil
}

// save writes an artifact. Failures are logged and the stage goes on.
func (p *Pipeline) save(name string, v any) {
	if err := p.run.SaveJSON(name, v); err != nil {
		log.Printf("[WARN] could not write %s: %v", name, err)
	}
}

// Status describes today's run directory.
func (p *Pipeline) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today: %s (%s)\n", p.run.Date, rundir.FormatDateDisplay(p.run.Date))
	fmt.Fprintf(&b, "Run directory: %s\n\n", p.run.Dir)

	b.WriteString("Artifacts:\n")
	for _, name := range []string{
		rundir.RawItemsFile, rundir.ScoredItemsFile, rundir.ReviewTextFile,
		rundir.IndexMapFile, rundir.ProcessedFile, rundir.UsageFile,
	} {
		mark := "-"
		if p.run.Exists(name) {
			mark = "x"
		}
		fmt.Fprintf(&b, "  [%s] %s\n", mark, name)
	}

	digest := p.run.DigestPath(p.cfg.Output.MarkdownPrefix)
	if _, err := os.Stat(digest); err == nil {
		fmt.Fprintf(&b, "  [x] %s\n", digest)
	}

	if idx, err := review.LoadIndexMap(p.run); err == nil {
		fmt.Fprintf(&b, "\nReview: run %s, %d item(s), %s\n", idx.RunID, idx.Len(), p.markerState(idx.RunID))
	}
	fmt.Fprintf(&b, "\n%s\n", p.Budget())
	return b.String()
}
