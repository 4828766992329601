// Package mailbox finds the reply to a review email in a remote mailbox and
// extracts the selection line from it.
package mailbox

import (
	"context"
	"fmt"
)

// Mailbox is the remote mailbox session used by the Scanner. Identifiers are
// UIDs; larger means newer.
type Mailbox interface {
	Login(username, password string) error
	Select(folder string) error
	Search(bodyToken string, unseenOnly bool) ([]uint32, error)
	Fetch(id uint32) ([]byte, error)
	Close() error
	Logout() error
}

// Dialer opens a new Mailbox connection.
type Dialer func(ctx context.Context) (Mailbox, error)

// Error is a connection, authentication, folder or search failure. It is fatal
// for the poll that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome of a scan. Found is false when no qualifying reply exists yet, which
// is not an error: the next scheduled poll tries again.
type Outcome struct {
	Found     bool
	Line      string
	MessageID uint32
	Sender    string
}
