// Package wal is the append-only journal backing the notification queue.
// Each line is one notify.JournalRecord; the latest record for an event id
// wins on replay.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"reliance/internal/notify"
)

const maxLineBytes = 4 << 20

// ErrLocked is returned by Open when another process holds the journal.
var ErrLocked = errors.New("wal is locked by another writer")

// Log is a single-writer JSONL journal. Every Append is fsynced before it
// returns. An exclusive lock on a sidecar file is held from Open to Close, so
// a second writer or a checkpoint against a live journal fails fast.
type Log struct {
	path string

	mu     sync.Mutex
	file   *os.File
	lock   *os.File
	closed bool
}

var _ notify.Journal = (*Log)(nil)

func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal lock: %w", err)
	}
	if err := lockFile(lock); err != nil {
		_ = lock.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("lock wal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &Log{path: path, file: f, lock: lock}, nil
}

func (l *Log) Path() string { return l.path }

func (l *Log) Append(_ context.Context, rec notify.JournalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Replay returns every event whose latest record leaves it pending, in the
// order the events were first journaled.
func (l *Log) Replay(_ context.Context) ([]notify.OutboundEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	return Pending(records), nil
}

// Checkpoint rewrites the journal so it holds only pending events. The new
// file is fsynced and renamed over the old one.
func (l *Log) Checkpoint(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pending := Pending(records)

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create wal checkpoint: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, ev := range pending {
		line, err := json.Marshal(notify.JournalRecord{Op: notify.OpEnqueue, Event: ev, At: ev.CreatedAt})
		if err != nil {
			_ = tmp.Close()
			return 0, fmt.Errorf("marshal wal record: %w", err)
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write wal checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("sync wal checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close wal checkpoint: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return 0, fmt.Errorf("close wal: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return 0, fmt.Errorf("replace wal: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("reopen wal: %w", err)
	}
	l.file = f
	return len(pending), nil
}

// Close releases the journal and its lock. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.file.Close()
	if lerr := l.lock.Close(); err == nil {
		err = lerr
	}
	return err
}

// ReadFile parses a journal file. A missing file is an empty journal.
func ReadFile(path string) ([]notify.JournalRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses journal records from r. A torn final line, left by a crash
// mid-write, is dropped; corruption anywhere else is an error.
func Decode(r io.Reader) ([]notify.JournalRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	lines := bytes.Split(data, []byte{'\n'})
	torn := len(data) > 0 && data[len(data)-1] != '\n'

	var records []notify.JournalRecord
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("wal line %d exceeds %d bytes", i+1, maxLineBytes)
		}
		var rec notify.JournalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if torn && i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("wal line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Pending folds records into the events still awaiting delivery.
func Pending(records []notify.JournalRecord) []notify.OutboundEvent {
	latest := make(map[string]notify.JournalRecord)
	var order []string
	for _, rec := range records {
		if _, seen := latest[rec.Event.ID]; !seen {
			order = append(order, rec.Event.ID)
		}
		latest[rec.Event.ID] = rec
	}

	var out []notify.OutboundEvent
	for _, id := range order {
		rec := latest[id]
		switch rec.Op {
		case notify.OpDelivered, notify.OpDeadLetter:
			continue
		}
		ev := rec.Event
		ev.Status = notify.StatusPending
		out = append(out, ev)
	}
	return out
}
