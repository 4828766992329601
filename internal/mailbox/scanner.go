package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // decode non-UTF-8 reply bodies
	"github.com/emersion/go-message/mail"

	"github.com/robsok/content-pipeline/internal/selection"
)

// Scanner searches a mailbox for the reply correlated with a review token.
type Scanner struct {
	dial     Dialer
	username string
	password string
	folder   string
	allowed  map[string]struct{}
}

// ScannerConfig holds the Scanner's connection settings.
type ScannerConfig struct {
	Username    string
	Password    string
	Folder      string
	AllowedFrom []string // empty accepts any sender
}

// NewScanner creates a Scanner opening connections with dial.
func NewScanner(cfg ScannerConfig, dial Dialer) *Scanner {
	allowed := map[string]struct{}{}
	for _, a := range cfg.AllowedFrom {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			allowed[a] = struct{}{}
		}
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return &Scanner{dial: dial, username: cfg.Username, password: cfg.Password, folder: folder, allowed: allowed}
}

// BodyToken is the ASCII text searched for in reply bodies. Replies quote the
// review header, which contains it.
func BodyToken(runToken string) string {
	return "run " + runToken
}

// Find connects, searches unseen messages for the token and then all
// messages, and returns the first selection line found, newest message first.
// The connection is closed and logged out on every return path.
func (s *Scanner) Find(ctx context.Context, runToken string) (Outcome, error) {
	mb, err := s.dial(ctx)
	if err != nil {
		return Outcome{}, &Error{Op: "connect", Err: err}
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Printf("[DEBUG] mailbox close: %v", err)
		}
		if err := mb.Logout(); err != nil {
			log.Printf("[DEBUG] mailbox logout: %v", err)
		}
	}()

	if err := mb.Login(s.username, s.password); err != nil {
		return Outcome{}, &Error{Op: "login", Err: err}
	}
	if err := mb.Select(s.folder); err != nil {
		return Outcome{}, &Error{Op: "select " + s.folder, Err: err}
	}

	token := BodyToken(runToken)
	for _, unseenOnly := range []bool{true, false} {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		ids, err := mb.Search(token, unseenOnly)
		if err != nil {
			return Outcome{}, &Error{Op: "search", Err: err}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		log.Printf("[DEBUG] %d candidate(s) for %q (unseen only: %v)", len(ids), token, unseenOnly)

		for _, id := range ids {
			out, ok := s.scanMessage(mb, id)
			if ok {
				return out, nil
			}
		}
	}
	return Outcome{Found: false}, nil
}

// scanMessage fetches one candidate and applies the sender and line checks.
func (s *Scanner) scanMessage(mb Mailbox, id uint32) (Outcome, bool) {
	raw, err := mb.Fetch(id)
	if err != nil {
		log.Printf("[WARN] fetching message %d: %v", id, err)
		return Outcome{}, false
	}

	sender, body, err := parseMessage(raw)
	if err != nil {
		log.Printf("[WARN] parsing message %d: %v", id, err)
		return Outcome{}, false
	}
	if !s.senderAllowed(sender) {
		log.Printf("[INFO] ignoring reply %d from %q, not in allowed senders", id, sender)
		return Outcome{}, false
	}

	line, ok := FirstSelectionLine(body)
	if !ok {
		return Outcome{}, false
	}
	return Outcome{Found: true, Line: line, MessageID: id, Sender: sender}, true
}

func (s *Scanner) senderAllowed(sender string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[sender]
	return ok
}

// FirstSelectionLine returns the first non-blank line of body that fully
// matches the selection grammar, trimmed.
func FirstSelectionLine(body string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && selection.MatchesGrammar(line) {
			return line, true
		}
	}
	return "", false
}

// parseMessage returns the lowercased From address and the first text/plain part.
func parseMessage(raw []byte) (sender, body string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		sender = strings.ToLower(from[0].Address)
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return sender, "", nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return sender, "", fmt.Errorf("reading part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "text/plain" {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return sender, "", fmt.Errorf("reading text part: %w", err)
		}
		return sender, string(data), nil
	}
}
