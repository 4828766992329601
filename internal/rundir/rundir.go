// Package rundir manages the per-day run directory shared by pipeline stages
// and the small JSON/text file helpers every stage uses.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact file names inside a run directory.
const (
	RawItemsFile    = "raw_items.json"
	ScoredItemsFile = "scored_items.json"
	ReviewTextFile  = "scored_review.txt"
	IndexMapFile    = "index_map.json"
	ProcessedFile   = "processed.json"
	UsageFile       = "usage.json"
)

const dateLayout = "2006-01-02"

// Run is the context of one calendar day: its date and working directory.
type Run struct {
	Date string
	Dir  string
	root string
}

// GetToday returns today's date as YYYY-MM-DD.
func GetToday() string {
	return time.Now().Format(dateLayout)
}

// ForDate returns the run for date under root. The directory is created lazily
// by the first write.
func ForDate(root, date string) *Run {
	return &Run{Date: date, Dir: filepath.Join(root, "runs", date), root: root}
}

// Today returns the run for the current local date.
func Today(root string) *Run {
	return ForDate(root, GetToday())
}

// Path returns the location of a named artifact in the run directory.
func (r *Run) Path(name string) string {
	return filepath.Join(r.Dir, name)
}

// Exists reports whether the named artifact is present.
func (r *Run) Exists(name string) bool {
	_, err := os.Stat(r.Path(name))
	return err == nil
}

// DigestPath returns the digest file for the run's date. It lives beside the
// runs directory, not inside it, so several generate calls can append to it.
func (r *Run) DigestPath(prefix string) string {
	return filepath.Join(r.root, prefix+r.Date+".md")
}

// SaveJSON writes v as indented JSON into the named artifact.
func (r *Run) SaveJSON(name string, v any) error {
	return SaveJSON(r.Path(name), v)
}

// ReadJSON decodes the named artifact into v.
func (r *Run) ReadJSON(name string, v any) error {
	return ReadJSON(r.Path(name), v)
}

// WriteText replaces the named artifact with text.
func (r *Run) WriteText(name, text string) error {
	return WriteText(r.Path(name), text)
}

// SaveJSON writes v as indented JSON, creating parent directories.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return WriteText(path, string(data))
}

// SaveJSONAtomic writes v to a temporary sibling and renames it over path,
// so readers never observe a partially written file.
func SaveJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // artifact path built from config
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteText replaces the file at path with text, creating parent directories.
func WriteText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendText appends text to the file at path, creating it if needed.
func AppendText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // digest path
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("appending %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// FormatDateDisplay formats a run date for human-readable display ("Feb 06, 2026").
func FormatDateDisplay(date string) string {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	return d.Format("Jan 02, 2006")
}
