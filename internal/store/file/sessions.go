// Package file stores one JSON document per session in a directory.
// Writes are atomic (temp file + rename), so a crash never leaves a torn
// session behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/keyed"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

type document struct {
	Key          string               `json:"key"`
	LastActiveAt time.Time            `json:"last_active_at"`
	Entries      []store.HistoryEntry `json:"entries"`
}

// Store is a directory-backed SessionStore.
type Store struct {
	dir   string
	opts  store.Options
	locks keyed.Map[struct{}]
}

// New creates the directory if needed.
func New(dir string, opts store.Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, store.Wrap("open", "", err)
	}
	return &Store{dir: dir, opts: opts.WithDefaults()}, nil
}

// withKey serializes file access for one key.
func (s *Store) withKey(key string, fn func() error) error {
	var err error
	s.locks.With(key, func(*struct{}) bool {
		err = fn()
		return false
	})
	return err
}

func (s *Store) GetContext(_ context.Context, key string) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	err := s.withKey(key, func() error {
		doc, err := s.live(key)
		if doc != nil {
			out = store.Tail(doc.Entries, s.opts.ContextCap)
		}
		return err
	})
	return out, store.Wrap("get context", key, err)
}

func (s *Store) History(_ context.Context, key string) ([]store.HistoryEntry, error) {
	var out []store.HistoryEntry
	err := s.withKey(key, func() error {
		doc, err := s.live(key)
		if doc != nil {
			out = doc.Entries
		}
		return err
	})
	return out, store.Wrap("history", key, err)
}

func (s *Store) AppendTurn(_ context.Context, key string, user, assistant store.HistoryEntry) error {
	err := s.withKey(key, func() error {
		doc, err := s.live(key)
		if err != nil {
			return err
		}
		if doc == nil {
			doc = &document{Key: key}
		}
		doc.Entries = append(doc.Entries, user, assistant)
		if over := len(doc.Entries) - s.opts.StorageCap; over > 0 {
			doc.Entries = doc.Entries[over:]
		}
		doc.LastActiveAt = s.opts.Now()
		return s.save(doc)
	})
	return store.Wrap("append", key, err)
}

func (s *Store) Clear(_ context.Context, key string) error {
	err := s.withKey(key, func() error {
		err := os.Remove(s.path(key))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
	return store.Wrap("clear", key, err)
}

func (s *Store) Touch(_ context.Context, key string) error {
	err := s.withKey(key, func() error {
		doc, err := s.live(key)
		if err != nil || doc == nil {
			return err
		}
		doc.LastActiveAt = s.opts.Now()
		return s.save(doc)
	})
	return store.Wrap("touch", key, err)
}

func (s *Store) Sweep(_ context.Context) (int, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, store.Wrap("sweep", "", err)
	}
	n := 0
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		doc, err := readDoc(filepath.Join(s.dir, f.Name()))
		if err != nil || doc == nil || !s.opts.Expired(doc.LastActiveAt) {
			continue
		}
		// Re-check under the key lock; a turn may have landed meanwhile.
		_ = s.withKey(doc.Key, func() error {
			cur, err := s.live(doc.Key)
			if err == nil && cur == nil {
				n++
			}
			return err
		})
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

// live loads a session, deleting it and returning nil when it has expired.
func (s *Store) live(key string) (*document, error) {
	path := s.path(key)
	doc, err := readDoc(path)
	if err != nil || doc == nil {
		return nil, err
	}
	if s.opts.Expired(doc.LastActiveAt) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, nil
	}
	return doc, nil
}

func readDoc(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &doc, nil
}

// save persists a session atomically: temp file, fsync, rename.
func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path(doc.Key)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, sanitizeFilename(key)+".json")
}

// sanitizeFilename maps a session key to a single safe path element.
// DingTalk conversation ids are base64 and may contain "/". The mapping is
// injective: PathEscape already escapes "%", and ":" becomes "%3A".
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(url.PathEscape(key), ":", "%3A")
}

var _ store.SessionStore = (*Store)(nil)
