package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Store persists provider records. Implementations must be safe for
// concurrent use; the registry serializes its own mutations but Load may
// race a write during config reloads.
type Store interface {
	Load(ctx context.Context) ([]*Provider, error)
	Insert(ctx context.Context, p *Provider) error
	Update(ctx context.Context, p *Provider) error
	Delete(ctx context.Context, id string) error
}

// providersFile is the on-disk document shape.
type providersFile struct {
	Providers []*Provider `json:"providers"`
}

// FileStore keeps providers in a JSON document. Every write rereads the
// file, applies the change, and rewrites it atomically, so the file stays
// the single source of truth and survives a crash mid-write.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads all records. A missing file is an empty registry, not an
// error; hand-written records without ids get one assigned and written
// back so they stay stable across restarts.
func (s *FileStore) Load(_ context.Context) ([]*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}

	backfilled := false
	for _, p := range records {
		if p.ID == "" {
			p.ID = uuid.New().String()
			backfilled = true
		}
	}
	if backfilled {
		if err := s.write(records); err != nil {
			return nil, fmt.Errorf("backfill provider ids: %w", err)
		}
	}

	out := make([]*Provider, len(records))
	for i, p := range records {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *FileStore) Insert(_ context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	return s.write(append(records, p.Clone()))
}

// Update replaces the record with the same id, or appends it when the file
// no longer has it. The registry is authoritative; the file follows.
func (s *FileStore) Update(_ context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i, rec := range records {
		if rec.ID == p.ID {
			records[i] = p.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, p.Clone())
	}
	return s.write(records)
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	return s.write(kept)
}

func (s *FileStore) read() ([]*Provider, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc providersFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc.Providers, nil
}

// write rewrites the document through a temp file followed by a rename.
// The document carries API keys, so it is not group or world readable.
func (s *FileStore) write(records []*Provider) error {
	if records == nil {
		records = []*Provider{}
	}
	data, err := json.MarshalIndent(providersFile{Providers: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode providers: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".providers-*.json")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
