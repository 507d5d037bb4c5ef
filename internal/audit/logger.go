// Package audit keeps a tamper-evident log of fleet operations.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyndonlyu/fleet/internal/clock"
	"github.com/lyndonlyu/fleet/internal/redact"
)

// dateFileRe matches audit log files named YYYY-MM-DD.jsonl
var dateFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// auditFiles returns the date-named .jsonl files in the audit directory.
func auditFiles(dir string) ([]string, error) {
	all, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var filtered []string
	for _, f := range all {
		if dateFileRe.MatchString(filepath.Base(f)) {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

// Actions recorded by the fleet.
const (
	ActionNodeUpdate    = "node.update"
	ActionRolloutStart  = "rollout.start"
	ActionRolloutFinish = "rollout.finish"
	ActionRolloutStop   = "rollout.stop"
	ActionGraceSchedule = "grace.schedule"
	ActionGraceCancel   = "grace.cancel"
	ActionDeprovision   = "grace.deprovision"
)

// Entry is one operational event.
type Entry struct {
	Action    string
	Node      string
	RolloutID string
	Outcome   string
	Detail    string
	Error     string
	Duration  time.Duration
}

type Record struct {
	Timestamp  string `json:"timestamp"`
	ActionID   string `json:"action_id"`
	Action     string `json:"action"`
	Node       string `json:"node,omitempty"`
	RolloutID  string `json:"rollout_id,omitempty"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	PrevHash   string `json:"prev_hash,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

// Logger appends hash-chained records to one JSONL file per day. It is
// safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	dir      string
	lastHash string
	redactor *redact.Redactor
	now      func() time.Time
}

func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	l := &Logger{dir: dir, now: time.Now}
	l.initLastHash()
	return l, nil
}

func (l *Logger) initLastHash() {
	files, err := auditFiles(l.dir)
	if err != nil || len(files) == 0 {
		return
	}
	sort.Strings(files)
	data, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	lines := strings.Split(content, "\n")
	var r Record
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &r); err != nil {
		return
	}
	l.lastHash = r.Hash
}

func (l *Logger) SetRedactor(r *redact.Redactor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactor = r
}

// SetClock replaces the timestamp source.
func (l *Logger) SetClock(c clock.Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = c.Now
}

func computeHash(r Record) string {
	r.Hash = ""
	data, _ := json.Marshal(r)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	record := Record{
		Timestamp:  now.Format(time.RFC3339),
		ActionID:   uuid.New().String(),
		Action:     entry.Action,
		Node:       entry.Node,
		RolloutID:  entry.RolloutID,
		Outcome:    entry.Outcome,
		Detail:     l.redactor.Redact(entry.Detail),
		DurationMs: entry.Duration.Milliseconds(),
		Error:      l.redactor.Redact(entry.Error),
		PrevHash:   l.lastHash,
	}
	record.Hash = computeHash(record)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(l.dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	l.lastHash = record.Hash
	return nil
}

// readRecords parses one day file. A missing file yields no records.
func readRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", filepath.Base(path), err)
	}
	var records []Record
	for n, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("audit: %s line %d: %w", filepath.Base(path), n+1, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// Recent returns up to n records, newest first. Unreadable day files are
// skipped.
func (l *Logger) Recent(n int) ([]Record, error) {
	files, err := auditFiles(l.dir)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []Record
	for _, f := range files {
		if len(out) >= n {
			break
		}
		records, err := readRecords(f)
		if err != nil {
			continue
		}
		for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, records[i])
		}
	}
	return out, nil
}

// VerifyResult reports the outcome of a chain check. BrokenAt is the
// zero-based index of the first bad record, or -1.
type VerifyResult struct {
	Valid    bool `json:"valid"`
	Records  int  `json:"records"`
	BrokenAt int  `json:"broken_at"`
}

// Verify walks every record in date order and checks each hash and its
// link to the previous record.
func (l *Logger) Verify() (VerifyResult, error) {
	files, err := auditFiles(l.dir)
	if err != nil {
		return VerifyResult{BrokenAt: -1}, err
	}
	sort.Strings(files)

	var prev string
	index := 0
	for _, f := range files {
		records, err := readRecords(f)
		if err != nil {
			return VerifyResult{BrokenAt: -1}, err
		}
		for _, r := range records {
			if computeHash(r) != r.Hash || r.PrevHash != prev {
				return VerifyResult{Records: index, BrokenAt: index}, nil
			}
			prev = r.Hash
			index++
		}
	}
	return VerifyResult{Valid: true, Records: index, BrokenAt: -1}, nil
}

// RecordsForDate returns the records of one day, formatted YYYY-MM-DD.
func (l *Logger) RecordsForDate(date string) ([]Record, error) {
	return readRecords(filepath.Join(l.dir, date+".jsonl"))
}

func (l *Logger) Dir() string {
	return l.dir
}
