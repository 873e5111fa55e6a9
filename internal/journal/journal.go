// Package journal keeps an append-only audit trail of planning and
// provisioning attempts, one JSON object per line.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryPlanned     EntryType = "planned"
	EntryRejected    EntryType = "rejected"
	EntrySubmitted   EntryType = "submitted"
	EntryProvisioned EntryType = "provisioned"
	EntryFailed      EntryType = "failed"
	EntryDestroyed   EntryType = "destroyed"
)

const (
	filePrefix = "keel-"
	fileSuffix = ".jsonl"
	fileStamp  = "20060102-150405.000000000"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Stack     string          `json:"stack"`
	PlanID    string          `json:"plan_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal appends entries to one file per process run.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	now      func() time.Time
}

// Open creates a new journal file in dir. Sequence numbers continue from the
// highest one found in earlier files.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	seq, err := lastSequence(dir)
	if err != nil {
		return nil, err
	}

	name := filePrefix + time.Now().UTC().Format(fileStamp) + fileSuffix
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Journal{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: seq,
		dir:      dir,
		now:      time.Now,
	}, nil
}

// Path returns the file this journal writes to.
func (j *Journal) Path() string {
	return j.file.Name()
}

// Sequence returns the sequence number of the last entry written.
func (j *Journal) Sequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append adds an entry.
func (j *Journal) Append(entryType EntryType, stackName, planID string, data any) error {
	return j.append(entryType, stackName, planID, data, nil)
}

// AppendError adds an entry carrying a failure.
func (j *Journal) AppendError(entryType EntryType, stackName, planID string, data any, cause error) error {
	return j.append(entryType, stackName, planID, data, cause)
}

func (j *Journal) append(entryType EntryType, stackName, planID string, data any, cause error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal journal data: %w", err)
		}
		raw = b
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	entry := Entry{
		Timestamp: j.now().UTC(),
		Sequence:  j.sequence,
		Type:      entryType,
		Stack:     stackName,
		PlanID:    planID,
		Data:      raw,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return j.writeEntry(entry)
}

func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return j.file.Sync()
}

// Reader reads entries from one journal file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file for reading.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	for r.scanner.Scan() {
		if len(r.scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		return &entry, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Files lists journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Replay calls handler for every entry written after since, oldest first.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

func lastSequence(dir string) (int64, error) {
	var last int64
	err := Replay(dir, time.Time{}, func(e *Entry) error {
		if e.Sequence > last {
			last = e.Sequence
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load journal sequence: %w", err)
	}
	return last, nil
}
