package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// imapMailbox adapts a go-imap client to Mailbox.
type imapMailbox struct {
	c *client.Client
}

// DialIMAP returns a Dialer opening implicit-TLS IMAP connections to host:port.
func DialIMAP(host string, port int, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		d := &net.Dialer{Timeout: timeout}
		if deadline, ok := ctx.Deadline(); ok {
			d.Deadline = deadline
		}
		c, err := client.DialWithDialerTLS(d, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &imapMailbox{c: c}, nil
	}
}

func (m *imapMailbox) Login(username, password string) error {
	return m.c.Login(username, password)
}

func (m *imapMailbox) Select(folder string) error {
	_, err := m.c.Select(folder, false)
	return err
}

func (m *imapMailbox) Search(bodyToken string, unseenOnly bool) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Body = []string{bodyToken}
	if unseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	return m.c.UidSearch(criteria)
}

// Fetch retrieves the full RFC 822 message. The server marks it seen.
func (m *imapMailbox) Fetch(id uint32) ([]byte, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(id)
	section := &imap.BodySectionName{}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seq, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil || raw != nil {
			continue
		}
		raw, readErr = io.ReadAll(body)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d has no body", id)
	}
	return raw, nil
}

func (m *imapMailbox) Close() error {
	return m.c.Close()
}

func (m *imapMailbox) Logout() error {
	return m.c.Logout()
}
