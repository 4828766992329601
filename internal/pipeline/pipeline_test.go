package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robsok/content-pipeline/internal/collect"
	"github.com/robsok/content-pipeline/internal/config"
	"github.com/robsok/content-pipeline/internal/ledger"
	"github.com/robsok/content-pipeline/internal/llm"
	"github.com/robsok/content-pipeline/internal/mailbox"
	"github.com/robsok/content-pipeline/internal/mailer"
	"github.com/robsok/content-pipeline/internal/marker"
	"github.com/robsok/content-pipeline/internal/review"
	"github.com/robsok/content-pipeline/internal/rundir"
)

const testDate = "2026-02-06"

const scoringResponse = `{"items":[
{"title":"Voice coaching","link":"https://a.example/1","why_relevant":"core theme","scores":{"relevance":5},"total":15},
{"title":"Office snacks","link":"https://a.example/2","why_relevant":"weak","scores":{"relevance":1},"total":8},
{"title":"Team rituals","link":"https://a.example/3","why_relevant":"practical","scores":{"relevance":4},"total":12}
]}`

var rawItems = []collect.Item{
	{Feed: "Alerts", Title: "Voice coaching", Link: "https://a.example/1", Summary: "one", PublishedTS: 300},
	{Feed: "Alerts", Title: "Office snacks", Link: "https://a.example/2", Summary: "two", PublishedTS: 200},
	{Feed: "Alerts", Title: "Team rituals", Link: "https://a.example/3", Summary: "three", PublishedTS: 100},
}

type fakeProvider struct {
	scoreCalls int
	draftCalls int
	drafts     []llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	if strings.Contains(req.Prompt, "Score each item") {
		f.scoreCalls++
		return llm.Completion{Content: scoringResponse, Model: req.Model, PromptTokens: 1000, CompletionTokens: 1000}, nil
	}
	f.draftCalls++
	f.drafts = append(f.drafts, req)
	return llm.Completion{
		Content:          fmt.Sprintf("## Draft %d\n**Angle:** something", f.draftCalls),
		Model:            req.Model,
		PromptTokens:     1000,
		CompletionTokens: 1000,
	}, nil
}

type fakeSender struct {
	sent []mailer.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mailer.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeMailbox struct {
	replies   map[uint32]string
	selectErr error
	closed    bool
}

func (f *fakeMailbox) Login(_, _ string) error { return nil }
func (f *fakeMailbox) Select(string) error     { return f.selectErr }
func (f *fakeMailbox) Close() error            { f.closed = true; return nil }
func (f *fakeMailbox) Logout() error           { return nil }

func (f *fakeMailbox) Search(token string, _ bool) ([]uint32, error) {
	var ids []uint32
	for id, raw := range f.replies {
		if strings.Contains(raw, token) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeMailbox) Fetch(id uint32) ([]byte, error) {
	return []byte(f.replies[id]), nil
}

type harness struct {
	p        *Pipeline
	cfg      *config.Config
	run      *rundir.Run
	provider *fakeProvider
	sender   *fakeSender
	mailbox  *fakeMailbox
}

func writeConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy.md"), []byte("# Strategy\n- leaders\n"), 0o600))
	yml := `
output:
  dir: out
strategy_file: strategy.md
budget:
  max_daily_usd: 1
review:
  min_total: 10
generate:
  top_n: 2
  digest_title: Test Digest
imap:
  allowed_from: [editor@example.com]
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := writeConfig(t, "")
	h := &harness{
		cfg:      cfg,
		run:      rundir.ForDate(cfg.OutputDir(), testDate),
		provider: &fakeProvider{},
		sender:   &fakeSender{},
		mailbox:  &fakeMailbox{replies: map[uint32]string{}},
	}
	h.p = New(cfg, h.run, Deps{
		Provider: h.provider,
		Sender:   h.sender,
		Dial:     func(context.Context) (mailbox.Mailbox, error) { return h.mailbox, nil },
		Now:      func() time.Time { return time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC) },
	})
	return h
}

// scored seeds the raw items and runs the score stage.
func (h *harness) scored(t *testing.T) {
	t.Helper()
	require.NoError(t, h.run.SaveJSON(rundir.RawItemsFile, rawItems))
	_, err := h.p.Score(context.Background(), ScoreOptions{})
	require.NoError(t, err)
}

// reviewed runs review-email and returns the review token.
func (h *harness) reviewed(t *testing.T) string {
	t.Helper()
	h.scored(t)
	_, err := h.p.ReviewEmail(context.Background(), ReviewOptions{MinTotal: 10})
	require.NoError(t, err)
	idx, err := review.LoadIndexMap(h.run)
	require.NoError(t, err)
	return idx.RunID
}

func (h *harness) reply(id uint32, from, token, body string) {
	h.mailbox.replies[id] = fmt.Sprintf("From: %s\r\nSubject: Re: review\r\nContent-Type: text/plain\r\n\r\n%s\r\n\r\n> %s\r\n",
		from, body, review.Subject(testDate, token))
}

func (h *harness) digest(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.run.DigestPath(h.cfg.Output.MarkdownPrefix))
	require.NoError(t, err)
	return string(data)
}

func TestFetchWritesRawItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>Alerts</title>
<item><title>One</title><link>http://example.com/1</link><description>first</description><pubDate>Mon, 02 Feb 2026 10:00:00 +0000</pubDate></item>
<item><title>Two</title><link>http://example.com/2</link><description>second</description><pubDate>Tue, 03 Feb 2026 10:00:00 +0000</pubDate></item>
</channel></rss>`))
	}))
	defer srv.Close()

	cfg := writeConfig(t, "feeds:\n  - url: "+srv.URL+"/rss\n")
	run := rundir.ForDate(cfg.OutputDir(), testDate)
	p := New(cfg, run, Deps{})

	res, err := p.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "Fetched 2 items")
	assert.NotContains(t, res.Summary, "summaries filled")

	var items []collect.Item
	require.NoError(t, run.ReadJSON(rundir.RawItemsFile, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "Two", items[0].Title)

	// second fetch sees only cached links
	_, err = p.Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, run.ReadJSON(rundir.RawItemsFile, &items))
	assert.Empty(t, items)

	_, err = p.Fetch(context.Background(), FetchOptions{IgnoreCache: true})
	require.NoError(t, err)
	require.NoError(t, run.ReadJSON(rundir.RawItemsFile, &items))
	assert.Len(t, items, 2)
}

func TestFetchReportsFilledSummaries(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/article" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><head><title>T</title></head><body><article><h1>Heading</h1><p>" +
				strings.Repeat("Leaders who speak clearly build trust across teams. ", 20) +
				"</p></article></body></html>"))
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>Alerts</title>
<item><title>Bare</title><link>` + srv.URL + `/article</link><pubDate>Mon, 02 Feb 2026 10:00:00 +0000</pubDate></item>
</channel></rss>`))
	}))
	defer srv.Close()

	cfg := writeConfig(t, "fetch:\n  full_text: true\nfeeds:\n  - url: "+srv.URL+"/rss\n")
	run := rundir.ForDate(cfg.OutputDir(), testDate)

	res, err := New(cfg, run, Deps{}).Fetch(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "Fetched 1 items")
	assert.Contains(t, res.Summary, "1 summaries filled")

	var items []collect.Item
	require.NoError(t, run.ReadJSON(rundir.RawItemsFile, &items))
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Summary, "Leaders who speak clearly")
}

func TestFetchRequiresFeeds(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := New(cfg, rundir.ForDate(cfg.OutputDir(), testDate), Deps{}).Fetch(context.Background(), FetchOptions{})
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "feeds", cfgErr.Field)
}

func TestScoreWritesScoredItems(t *testing.T) {
	h := newHarness(t)
	h.scored(t)

	assert.Equal(t, 1, h.provider.scoreCalls)
	assert.True(t, h.run.Exists(rundir.ScoredItemsFile))
	assert.Equal(t, fmt.Sprintf("Spent today: $%.4f / $%.2f", 0.00075, 1.0), h.p.Budget())
}

func TestScoreRequiresRawItems(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Score(context.Background(), ScoreOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run fetch first")
	assert.Zero(t, h.provider.scoreCalls)
}

func TestScoreBudgetExceeded(t *testing.T) {
	h := newHarness(t)
	l := ledger.Open(h.run, h.cfg.Budget)
	l.Record("gpt-4o", 100000, 100000, nil)

	require.NoError(t, h.run.SaveJSON(rundir.RawItemsFile, rawItems))
	_, err := h.p.Score(context.Background(), ScoreOptions{})
	require.ErrorIs(t, err, ledger.ErrBudgetExceeded)
	assert.Zero(t, h.provider.scoreCalls)
}

func TestScoreMissingAPIKey(t *testing.T) {
	t.Setenv("CP_TEST_MISSING_KEY", "")
	cfg := writeConfig(t, "llm:\n  api_key_env: CP_TEST_MISSING_KEY\n")
	run := rundir.ForDate(cfg.OutputDir(), testDate)
	require.NoError(t, run.SaveJSON(rundir.RawItemsFile, rawItems))

	_, err := New(cfg, run, Deps{}).Score(context.Background(), ScoreOptions{})
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.api_key_env", cfgErr.Field)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.scored(t)

	out, err := h.p.List()
	require.NoError(t, err)
	assert.Equal(t, "1) Voice coaching  [total=15]\n    why: core theme\n"+
		"2) Team rituals  [total=12]\n    why: practical\n"+
		"3) Office snacks  [total=8]\n    why: weak\n", out)
}

func TestReviewEmailSendsListing(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)

	require.Len(t, h.sender.sent, 1)
	msg := h.sender.sent[0]
	assert.Equal(t, review.Subject(testDate, token), msg.Subject)
	assert.Contains(t, msg.Body, "1) [15] Voice coaching")
	assert.Contains(t, msg.Body, "2) [12] Team rituals")
	assert.NotContains(t, msg.Body, "Office snacks")
	assert.True(t, h.run.Exists(rundir.ReviewTextFile))
}

func TestReviewEmailTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.scored(t)
	h.sender.err = &mailer.Error{Op: "send", Err: errors.New("connection reset")}

	_, err := h.p.ReviewEmail(context.Background(), ReviewOptions{MinTotal: 10})
	var mErr *mailer.Error
	require.ErrorAs(t, err, &mErr)
}

func TestReviewPollGeneratesOnce(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)
	h.reply(5, "Editor <editor@example.com>", token, "2")

	res, err := h.p.ReviewPoll(context.Background(), PollOptions{Angle: "rituals lens"})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "selected 2")
	assert.Equal(t, 1, h.provider.draftCalls)
	assert.Contains(t, h.provider.drafts[0].Prompt, "Team rituals")
	assert.NotContains(t, h.provider.drafts[0].Prompt, "Voice coaching")
	assert.Contains(t, h.provider.drafts[0].Prompt, "rituals lens")

	rec, ok := marker.Open(h.run).Get(token)
	require.True(t, ok)
	assert.Equal(t, marker.StatusProcessed, rec.Status)
	assert.Equal(t, []int{2}, rec.Selection)
	assert.Equal(t, uint32(5), rec.MessageID)
	assert.Equal(t, "editor@example.com", rec.Sender)

	before := h.digest(t)
	assert.Contains(t, before, "[Team rituals](https://a.example/3)")

	// a later reply does not trigger another run
	h.reply(9, "editor@example.com", token, "1")
	res, err = h.p.ReviewPoll(context.Background(), PollOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "already processed")
	assert.Equal(t, 1, h.provider.draftCalls)
	assert.Equal(t, before, h.digest(t))
}

func TestReviewPollForceAndReset(t *testing.T) {
	for _, opts := range []PollOptions{{Force: true}, {Reset: true}} {
		t.Run(fmt.Sprintf("force=%v reset=%v", opts.Force, opts.Reset), func(t *testing.T) {
			h := newHarness(t)
			token := h.reviewed(t)
			h.reply(5, "editor@example.com", token, "1-2")

			_, err := h.p.ReviewPoll(context.Background(), PollOptions{})
			require.NoError(t, err)

			_, err = h.p.ReviewPoll(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, 2, h.provider.draftCalls)
			assert.Equal(t, 1, strings.Count(h.digest(t), "\n---\n\n"))
			assert.True(t, marker.Open(h.run).Processed(token))
		})
	}
}

func TestReviewPollNotFound(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)
	h.reply(3, "editor@example.com", "ffffff", "1")

	res, err := h.p.ReviewPoll(context.Background(), PollOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "try again later")
	assert.Zero(t, h.provider.draftCalls)
	_, ok := marker.Open(h.run).Get(token)
	assert.False(t, ok)
	assert.True(t, h.mailbox.closed)
}

func TestReviewPollOutOfRangeSelection(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)
	h.reply(4, "editor@example.com", token, "7")

	res, err := h.p.ReviewPoll(context.Background(), PollOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "no usable selection")
	assert.Zero(t, h.provider.draftCalls)
	assert.False(t, marker.Open(h.run).Processed(token))
}

func TestReviewPollIgnoresUnknownSender(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)
	h.reply(4, "someone@else.test", token, "1")

	res, err := h.p.ReviewPoll(context.Background(), PollOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "try again later")
	assert.Zero(t, h.provider.draftCalls)
}

func TestReviewPollMailboxError(t *testing.T) {
	h := newHarness(t)
	h.reviewed(t)
	h.mailbox.selectErr = errors.New("no such folder")

	_, err := h.p.ReviewPoll(context.Background(), PollOptions{})
	var mbErr *mailbox.Error
	require.ErrorAs(t, err, &mbErr)
	assert.True(t, h.mailbox.closed)
}

func TestReviewPollWithoutReview(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.ReviewPoll(context.Background(), PollOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run review-email first")
}

func TestReviewPollGenerationFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)
	h.reply(5, "editor@example.com", token, "1")
	h.sender.err = errors.New("smtp down")

	_, err := h.p.ReviewPoll(context.Background(), PollOptions{EmailOnGenerate: true})
	require.Error(t, err)

	store := marker.Open(h.run)
	rec, ok := store.Get(token)
	require.True(t, ok)
	assert.Equal(t, marker.StatusPending, rec.Status)
	assert.False(t, store.Processed(token))
}

func TestGenerateSelections(t *testing.T) {
	tests := []struct {
		name      string
		selection *string
		topN      int
		want      string
	}{
		{name: "default top n", want: "picks [1,2]"},
		{name: "explicit top n", topN: 1, want: "picks [1]"},
		{name: "all", selection: strp("ALL"), want: "picks [1,2,3]"},
		{name: "list", selection: strp("3, 1,9,x"), want: "picks [1,3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.scored(t)
			res, err := h.p.Generate(context.Background(), GenerateOptions{Selection: tt.selection, TopN: tt.topN})
			require.NoError(t, err)
			assert.Contains(t, res.Summary, tt.want)
		})
	}
}

func TestGenerateNoValidSelection(t *testing.T) {
	h := newHarness(t)
	h.scored(t)
	res, err := h.p.Generate(context.Background(), GenerateOptions{Selection: strp("9")})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "No valid selection")
	assert.Zero(t, h.provider.draftCalls)
}

func TestGenerateAppendsAndEmails(t *testing.T) {
	h := newHarness(t)
	h.scored(t)

	_, err := h.p.Generate(context.Background(), GenerateOptions{Selection: strp("1")})
	require.NoError(t, err)
	res, err := h.p.Generate(context.Background(), GenerateOptions{Selection: strp("2"), Email: true})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "Appended")

	digest := h.digest(t)
	assert.True(t, strings.HasPrefix(digest, "# Test Digest\n_Generated: 2026-02-06 09:00_\n"))
	assert.Contains(t, digest, "\n---\n\n# Test Digest")
	assert.Contains(t, digest, "## Suggested Posts & Drafts\n\n## Draft 2")

	require.Len(t, h.sender.sent, 1)
	msg := h.sender.sent[0]
	assert.Equal(t, "Test Digest - "+testDate, msg.Subject)
	assert.Contains(t, msg.HTML, "<h1>Test Digest</h1>")
	assert.Equal(t, []string{h.run.DigestPath(h.cfg.Output.MarkdownPrefix)}, msg.Attachments)
	assert.Equal(t, fmt.Sprintf("Spent today: $%.4f / $%.2f", 0.00225, 1.0), h.p.Budget())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	token := h.reviewed(t)

	out := h.p.Status()
	assert.Contains(t, out, "Today: 2026-02-06 (Feb 06, 2026)")
	assert.Contains(t, out, "[x] "+rundir.ScoredItemsFile)
	assert.Contains(t, out, "[-] "+rundir.ProcessedFile)
	assert.Contains(t, out, "Review: run "+token+", 2 item(s), no reply yet")
}

func strp(s string) *string { return &s }
