// Package marker records, per review token, whether a reply has already
// produced a generation run today.
//
// A token moves to StatusPending when a valid reply is found and to
// StatusProcessed only after generation succeeded. Only processed records gate
// polling, so a crash in between leaves the token re-pollable and generation
// may run again (at-least-once).
package marker

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robsok/content-pipeline/internal/rundir"
)

// Status of a review token.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Record is the state of one review token.
type Record struct {
	RunToken    string `json:"run_token"`
	Status      Status `json:"status"`
	Selection   []int  `json:"selection"`
	MessageID   uint32 `json:"message_id"`
	Sender      string `json:"sender"`
	UpdatedAt   string `json:"updated_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

// Store holds the records of one run directory in processed.json.
type Store struct {
	path    string
	records map[string]Record
	now     func() time.Time
}

// Open loads the run's records. A missing file is an empty store; a corrupt
// one is logged and treated as empty.
func Open(run *rundir.Run) *Store {
	s := &Store{path: run.Path(rundir.ProcessedFile), records: map[string]Record{}, now: time.Now}
	if _, err := os.Stat(s.path); err != nil {
		return s
	}
	if err := rundir.ReadJSON(s.path, &s.records); err != nil {
		log.Printf("[WARN] marker file unreadable, treating as empty: %v", err)
		s.records = map[string]Record{}
	}
	return s
}

// Get returns the record for token.
func (s *Store) Get(token string) (Record, bool) {
	rec, ok := s.records[token]
	return rec, ok
}

// Processed reports whether token already produced a generation run.
func (s *Store) Processed(token string) bool {
	rec, ok := s.records[token]
	return ok && rec.Status == StatusProcessed
}

// MarkPending records a found reply before generation starts.
func (s *Store) MarkPending(rec Record) error {
	rec.Status = StatusPending
	rec.ProcessedAt = ""
	return s.put(rec)
}

// MarkProcessed records a reply whose generation completed.
func (s *Store) MarkProcessed(rec Record) error {
	rec.Status = StatusProcessed
	rec.ProcessedAt = s.now().Format(time.RFC3339)
	return s.put(rec)
}

// ResetAll removes every record of the run.
func (s *Store) ResetAll() error {
	s.records = map[string]Record{}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker: %w", err)
	}
	return nil
}

func (s *Store) put(rec Record) error {
	rec.UpdatedAt = s.now().Format(time.RFC3339)
	s.records[rec.RunToken] = rec
	return rundir.SaveJSONAtomic(s.path, s.records)
}
