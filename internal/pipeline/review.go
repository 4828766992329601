package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/robsok/content-pipeline/internal/mailbox"
	"github.com/robsok/content-pipeline/internal/mailer"
	"github.com/robsok/content-pipeline/internal/marker"
	"github.com/robsok/content-pipeline/internal/review"
	"github.com/robsok/content-pipeline/internal/selection"
)

// ReviewOptions controls which items are offered for review.
type ReviewOptions struct {
	MinTotal float64
	MaxItems int
}

// ReviewEmail builds today's review listing with a fresh token, writes it with
// its index map and mails the listing.
func (p *Pipeline) ReviewEmail(ctx context.Context, opts ReviewOptions) (StepResult, error) {
	ranked, err := p.ranked()
	if err != nil {
		return StepResult{}, err
	}
	sender, err := p.mailSender()
	if err != nil {
		return StepResult{}, err
	}

	rv, err := review.Build(ranked, review.Options{MinTotal: opts.MinTotal, MaxItems: opts.MaxItems, Date: p.run.Date})
	if err != nil {
		return StepResult{}, err
	}
	if err := review.Write(p.run, rv); err != nil {
		log.Printf("[WARN] could not write review files: %v", err)
	}

	if rv.Map.Len() == 0 {
		return StepResult{
			Name:    "Review",
			Summary: fmt.Sprintf("No items with total >= %s, review not sent", review.FormatTotal(opts.MinTotal)),
		}, nil
	}

	if err := sender.Send(ctx, mailer.Message{Subject: review.Subject(p.run.Date, rv.Map.RunID), Body: rv.Text}); err != nil {
		log.Printf("[ERROR] sending review for run %s: %v", rv.Map.RunID, err)
		return StepResult{}, err
	}
	return StepResult{
		Name:    "Review",
		Summary: fmt.Sprintf("Sent review of %d item(s) (run %s)", rv.Map.Len(), rv.Map.RunID),
	}, nil
}

// PollOptions controls review polling.
type PollOptions struct {
	Force           bool
	Reset           bool
	Angle           string
	EmailOnGenerate bool
}

// ReviewPoll looks for the reply to today's review and, when it holds a usable
// selection, generates for it. A token already processed is skipped unless
// Force is set; Reset clears the marker first.
func (p *Pipeline) ReviewPoll(ctx context.Context, opts PollOptions) (StepResult, error) {
	idx, err := review.LoadIndexMap(p.run)
	if err != nil {
		return StepResult{}, fmt.Errorf("no review for today (run review-email first): %w", err)
	}

	store := marker.Open(p.run)
	if opts.Reset {
		if err := store.ResetAll(); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}
	if store.Processed(idx.RunID) && !opts.Force {
		return StepResult{
			Name:    "Poll",
			Summary: fmt.Sprintf("Run %s already processed; use --force to generate again", idx.RunID),
		}, nil
	}

	dial, err := p.mailDialer()
	if err != nil {
		return StepResult{}, err
	}
	scanner := mailbox.NewScanner(mailbox.ScannerConfig{
		Username:    p.cfg.IMAP.Username,
		Password:    p.cfg.IMAPPassword(),
		Folder:      p.cfg.IMAP.Folder,
		AllowedFrom: p.cfg.IMAP.AllowedFrom,
	}, dial)

	out, err := scanner.Find(ctx, idx.RunID)
	if err != nil {
		log.Printf("[ERROR] polling for run %s: %v", idx.RunID, err)
		return StepResult{}, err
	}
	if !out.Found {
		return StepResult{Name: "Poll", Summary: fmt.Sprintf("No reply for run %s yet, try again later", idx.RunID)}, nil
	}

	picks := selection.Clamp(selection.Strict(out.Line), idx.Len())
	rankPicks, err := p.rankPositions(idx, picks)
	if err != nil {
		return StepResult{}, err
	}
	if len(rankPicks) == 0 {
		log.Printf("[WARN] %v: %q from %s selects nothing in 1..%d", selection.ErrSelectionInvalid, out.Line, out.Sender, idx.Len())
		return StepResult{Name: "Poll", Summary: fmt.Sprintf("Reply %q has no usable selection, nothing generated", out.Line)}, nil
	}
	log.Printf("[INFO] reply %d from %s selects %s", out.MessageID, out.Sender, selection.Format(picks))

	rec := marker.Record{RunToken: idx.RunID, Selection: picks, MessageID: out.MessageID, Sender: out.Sender}
	if err := store.MarkPending(rec); err != nil {
		log.Printf("[WARN] could not record pending reply: %v", err)
	}

	res, err := p.Generate(ctx, GenerateOptions{Picks: rankPicks, Angle: opts.Angle, Email: opts.EmailOnGenerate})
	if err != nil {
		return StepResult{}, err
	}

	if err := store.MarkProcessed(rec); err != nil {
		log.Printf("[WARN] could not record processed reply: %v", err)
	}
	return StepResult{
		Name:    "Poll",
		Summary: fmt.Sprintf("Reply from %s selected %s. %s", out.Sender, selection.Format(picks), res.Summary),
	}, nil
}

// rankPositions maps review indices to positions in today's ranked items by
// item key, skipping entries no longer present.
func (p *Pipeline) rankPositions(idx review.IndexMap, picks []int) ([]int, error) {
	ranked, err := p.ranked()
	if err != nil {
		return nil, err
	}
	pos := make(map[string]int, len(ranked))
	for i, it := range ranked {
		if _, dup := pos[it.Key()]; !dup {
			pos[it.Key()] = i + 1
		}
	}

	res := make([]int, 0, len(picks))
	for _, n := range picks {
		entry := idx.Items[n-1]
		if at, ok := pos[entry.ID]; ok {
			res = append(res, at)
			continue
		}
		log.Printf("[WARN] review item %d (%s) is no longer scored, skipping", n, entry.URL)
	}
	return res, nil
}

func (p *Pipeline) markerState(token string) string {
	rec, ok := marker.Open(p.run).Get(token)
	if !ok {
		return "no reply yet"
	}
	return fmt.Sprintf("%s (selection %s from %s)", rec.Status, selection.Format(rec.Selection), rec.Sender)
}
