package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxBackups is how many document snapshots are kept.
	DefaultMaxBackups = 20

	backupPrefix = "data_backup_"
	backupSuffix = ".json"
	backupLayout = "20060102_150405.000000"
	// legacyBackupLayout has second resolution only
	legacyBackupLayout = "20060102_150405"
)

// Store persists the whole record document as one JSON file. All access goes
// through a single mutex so no caller ever observes a torn document.
type Store struct {
	mu         sync.Mutex
	dataFile   string
	backupDir  string
	maxBackups int
	timeSource TimeSource
}

// NewStore creates a Store for dataFile, keeping backups in backupDir
func NewStore(dataFile, backupDir string) (*Store, error) {
	return NewStoreWithDeps(dataFile, backupDir, DefaultMaxBackups, &defaultTimeSource{})
}

// NewStoreWithDeps creates a Store with a custom backup limit and clock. A nil
// clock uses the system time.
func NewStoreWithDeps(dataFile, backupDir string, maxBackups int, timeSrc TimeSource) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dataFile), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	if maxBackups < DefaultMaxBackups {
		maxBackups = DefaultMaxBackups
	}
	if timeSrc == nil {
		timeSrc = &defaultTimeSource{}
	}
	return &Store{
		dataFile:   dataFile,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		timeSource: timeSrc,
	}, nil
}

// Tx is one load-mutate-save cycle.
type Tx struct {
	Doc *Document

	onCommit   []func()
	onRollback []func()
}

// OnCommit registers f to run after the document has been saved
func (tx *Tx) OnCommit(f func()) {
	tx.onCommit = append(tx.onCommit, f)
}

// OnRollback registers f to undo a side effect if the transaction fails
func (tx *Tx) OnRollback(f func()) {
	tx.onRollback = append(tx.onRollback, f)
}

func (tx *Tx) rollback() {
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}
}

func (tx *Tx) commit() {
	for _, f := range tx.onCommit {
		f()
	}
}

// Update loads the document, lets fn mutate it and saves the result. When fn
// or the save fails nothing is written and registered rollbacks run.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{Doc: s.load()}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := s.save(tx.Doc); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// View loads the document under the lock without saving it
func (s *Store) View(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.load())
}

// Load returns the persisted document, or an empty one if it is missing or unreadable
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save persists doc, taking a backup first when its content changed
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

func (s *Store) load() *Document {
	data, err := os.ReadFile(s.dataFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read data file, starting empty", "path", s.dataFile, "error", err)
		}
		return NewDocument()
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("Failed to parse data file, starting empty", "path", s.dataFile, "error", err)
		return NewDocument()
	}
	doc.normalize()
	return &doc
}

func (s *Store) save(doc *Document) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling document: %v", ErrPersistence, err)
	}

	existing, err := os.ReadFile(s.dataFile)
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return nil
		}
		if contentChanged(existing, content) {
			if err := s.backup(existing); err != nil {
				return fmt.Errorf("%w: %v", ErrPersistence, err)
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: reading data file: %v", ErrPersistence, err)
	}

	if err := writeFileAtomic(s.dataFile, content, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// contentChanged compares two serialized documents ignoring integrity issues
// and key order. Anything unparseable counts as changed.
func contentChanged(existing, updated []byte) bool {
	a, err := canonicalJSON(existing)
	if err != nil {
		return true
	}
	b, err := canonicalJSON(updated)
	if err != nil {
		return true
	}
	return !bytes.Equal(a, b)
}

func canonicalJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "integrity_issues")
	// encoding/json writes map keys in sorted order
	return json.Marshal(m)
}

func (s *Store) backup(content []byte) error {
	existing, err := s.listBackups()
	if err != nil {
		return err
	}

	// Names must sort after every existing backup even if the clock stalls
	ts := s.timeSource.Now()
	if n := len(existing); n > 0 && !ts.After(existing[n-1].ts) {
		ts = existing[n-1].ts.Add(time.Microsecond)
	}
	name := backupName(ts)

	if err := writeFileAtomic(filepath.Join(s.backupDir, name), content, 0644); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	slog.Debug("Created backup", "file", name)

	s.pruneBackups()
	return nil
}

// backupName stamps in UTC so names sort the same way the times do
func backupName(t time.Time) string {
	return backupPrefix + t.UTC().Format(backupLayout) + backupSuffix
}

type backupFile struct {
	name string
	ts   time.Time
}

// Backups lists backup file names, oldest first
func (s *Store) Backups() ([]string, error) {
	files, err := s.listBackups()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.name)
	}
	return names, nil
}

func (s *Store) listBackups() ([]backupFile, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var files []backupFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, ok := parseBackupTime(e.Name())
		if !ok {
			continue
		}
		files = append(files, backupFile{name: e.Name(), ts: ts})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ts.Equal(files[j].ts) {
			return files[i].name < files[j].name
		}
		return files[i].ts.Before(files[j].ts)
	})
	return files, nil
}

func parseBackupTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	for _, layout := range []string{backupLayout, legacyBackupLayout} {
		if ts, err := time.Parse(layout, stamp); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func (s *Store) pruneBackups() {
	files, err := s.listBackups()
	if err != nil {
		slog.Warn("Failed to list backups", "error", err)
		return
	}
	if len(files) <= s.maxBackups {
		return
	}
	for _, f := range files[:len(files)-s.maxBackups] {
		if err := os.Remove(filepath.Join(s.backupDir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to prune backup", "file", f.name, "error", err)
		}
	}
}
