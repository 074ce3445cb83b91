package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"reliance/internal/ledger"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 4 << 20

// FileStore appends entries as newline-delimited JSON and fsyncs every write.
// It assumes it is the only writer of path.
type FileStore struct {
	path string

	mu   sync.Mutex
	file *os.File
	last *ledger.Entry
}

// OpenFileStore opens or creates the ledger file at path and loads its head.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	entries, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	s := &FileStore{path: path, file: f}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		s.last = &last
	}
	return s, nil
}

func (s *FileStore) Append(_ context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkHead(s.last, entry); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("write ledger entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	s.last = &entry
	return nil
}

func (s *FileStore) Last(_ context.Context) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, nil
	}
	cp := *s.last
	return &cp, nil
}

// List re-reads the file so out-of-band edits are visible to verification.
func (s *FileStore) List(_ context.Context) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFile(s.path)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadFile parses a JSONL ledger file. Blank lines are skipped.
func ReadFile(path string) ([]ledger.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses JSONL ledger entries from r.
func Decode(r io.Reader) ([]ledger.Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var entries []ledger.Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}
