// Package outbox persists order records and the risk snapshot so that a
// restart can resume in-flight orders under their original idempotency keys.
package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/ensemble-trader/internal/observ"
)

// OrderRecord is the persisted form of one order, keyed by idempotency key.
// Payload is the owner's own encoding of the order.
type OrderRecord struct {
	Key       string          `json:"key"`
	State     string          `json:"state"`
	Terminal  bool            `json:"terminal"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the durable state backend
type Store interface {
	SaveOrder(ctx context.Context, rec OrderRecord) error
	LoadOpenOrders(ctx context.Context) ([]OrderRecord, error)
	SaveRiskSnapshot(ctx context.Context, data []byte) error
	LoadRiskSnapshot(ctx context.Context) ([]byte, error)
	Close() error
}

var ErrClosed = errors.New("outbox closed")

// FileStore keeps an append-only JSONL order journal plus an atomically
// replaced risk snapshot file.
type FileStore struct {
	mu           sync.Mutex
	journalPath  string
	snapshotPath string
	index        map[string]OrderRecord // latest record per key
	journal      *os.File
	appended     int
	closed       bool
}

// OpenFileStore opens (or creates) the store under dir and replays the journal
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	s := &FileStore{
		journalPath:  filepath.Join(dir, "orders.jsonl"),
		snapshotPath: filepath.Join(dir, "risk_state.json"),
		index:        make(map[string]OrderRecord),
	}
	records, err := ReadJournal(s.journalPath)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.index[rec.Key] = rec
	}
	f, err := os.OpenFile(s.journalPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open order journal: %w", err)
	}
	// Terminate a torn final line so the next append starts clean
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, st.Size()-1); err == nil && last[0] != '\n' {
			f.Write([]byte{'\n'})
		}
	}
	s.journal = f
	observ.SetGauge("outbox_orders_loaded", float64(len(s.index)), nil)
	return s, nil
}

// SaveOrder appends the record and fsyncs before returning
func (s *FileStore) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.journal.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append order record: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync order journal: %w", err)
	}
	s.index[rec.Key] = rec
	s.appended++
	observ.IncCounter("outbox_writes_total", map[string]string{"state": rec.State})
	return nil
}

// Lookup returns the latest record for a key
func (s *FileStore) Lookup(key string) (OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[key]
	return rec, ok
}

// LoadOpenOrders returns every non-terminal order, oldest update first
func (s *FileStore) LoadOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderRecord
	for _, rec := range s.index {
		if !rec.Terminal {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Compact rewrites the journal keeping only the latest record of each open
// order. Terminal orders drop out of the journal.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tempPath := s.journalPath + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	w := bufio.NewWriter(f)
	kept := 0
	for key, rec := range s.index {
		if rec.Terminal {
			delete(s.index, key)
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal order record: %w", err)
		}
		w.Write(append(data, '\n'))
		kept++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write compacted journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}
	f.Close()

	s.journal.Close()
	if err := os.Rename(tempPath, s.journalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	s.journal, err = os.OpenFile(s.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen order journal: %w", err)
	}
	log.Info().Int("kept", kept).Int("appended_since_last", s.appended).Msg("order journal compacted")
	s.appended = 0
	return nil
}

// SaveRiskSnapshot atomically replaces the snapshot file (temp file + rename)
func (s *FileStore) SaveRiskSnapshot(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tempPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp risk snapshot: %w", err)
	}
	if err := os.Rename(tempPath, s.snapshotPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename risk snapshot: %w", err)
	}
	return nil
}

// LoadRiskSnapshot returns nil data when no snapshot exists yet
func (s *FileStore) LoadRiskSnapshot(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read risk snapshot: %w", err)
	}
	return data, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.journal.Close()
}

// ReadJournal reads every record of an order journal in write order.
// Malformed lines (for example a torn final write) are skipped.
func ReadJournal(path string) ([]OrderRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open order journal: %w", err)
	}
	defer f.Close()

	var out []OrderRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec OrderRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Key == "" {
			observ.IncCounter("outbox_parse_errors_total", nil)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("error reading order journal: %w", err)
	}
	return out, nil
}
