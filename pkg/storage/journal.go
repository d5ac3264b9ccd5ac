package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one line of the submission journal.
type Entry struct {
	Time    time.Time         `json:"time"`
	Network string            `json:"network"`
	Event   string            `json:"event"`
	TxHash  string            `json:"txHash,omitempty"`
	Orders  []string          `json:"orders,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Journal is an append-only record of submissions and their outcomes.
type Journal interface {
	Append(Entry) error
}

type NopJournal struct{}

func (NopJournal) Append(Entry) error { return nil }

// FileJournal appends JSON lines to a file.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.f.Write(append(line, '\n'))
	return err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var (
	_ Journal = NopJournal{}
	_ Journal = (*FileJournal)(nil)
)
