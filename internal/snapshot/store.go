// Package snapshot captures pre-images of files about to be modified by an
// approved agent tool call, keyed by (thread, turn), and supports applying
// or reverting the turn's changes.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
)

const manifestName = "manifest.json"

// Entry records one captured file in a turn snapshot.
type Entry struct {
	RelPath string `json:"relPath"`
	AbsPath string `json:"absPath"`
	// Existed is false when the file was created by the turn; revert
	// deletes it instead of restoring bytes.
	Existed bool `json:"existed"`
	// BlobName is the numbered blob holding the pre-image bytes.
	BlobName string `json:"blobName"`
}

// Manifest describes one (thread, turn) snapshot directory.
type Manifest struct {
	ThreadID  string    `json:"threadId"`
	TurnID    string    `json:"turnId"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	Entries   []Entry   `json:"entries"`
}

// Diff is the pre-image/current pair for one captured path.
type Diff struct {
	RelPath   string `json:"relPath"`
	Binary    bool   `json:"binary"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
	Truncated bool   `json:"truncated"`
}

// Store persists turn snapshots under a root directory, one subdirectory
// per (thread, turn). Operations on the same key are serialized; distinct
// keys proceed independently.
type Store struct {
	root         string
	diffMaxBytes int
	logger       *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string, diffMaxBytes int, log *logger.Logger) *Store {
	return &Store{
		root:         dir,
		diffMaxBytes: diffMaxBytes,
		logger:       log.WithFields(zap.String("component", "snapshot-store")),
		locks:        make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing operations for one (thread, turn).
func (s *Store) keyLock(threadID, turnID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := threadID + "/" + turnID
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// turnDir maps a key to its directory. Ids are sanitized so a hostile
// thread or turn id cannot traverse outside the store root.
func (s *Store) turnDir(threadID, turnID string) string {
	return filepath.Join(s.root, sanitize(threadID), sanitize(turnID))
}

func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(id)
}

// resolve joins relPath against cwd and rejects results escaping cwd.
func resolve(cwd, relPath string) (string, bool) {
	abs := filepath.Clean(filepath.Join(cwd, relPath))
	root := filepath.Clean(cwd)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// Snapshot captures pre-images for the given paths. Paths that escape cwd
// are skipped, as are paths already captured for this key: later approvals
// touching the same file within one turn keep the first pre-image.
func (s *Store) Snapshot(threadID, turnID, cwd string, relPaths []string) (*Manifest, error) {
	if threadID == "" || turnID == "" {
		return nil, apperrors.InvalidArgument("thread and turn ids are required")
	}
	if cwd == "" {
		return nil, apperrors.InvalidArgument("cwd is required")
	}
	lock := s.keyLock(threadID, turnID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.turnDir(threadID, turnID)
	m, err := s.readManifest(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.OperationFailed("manifest read", err)
		}
		m = &Manifest{ThreadID: threadID, TurnID: turnID, Cwd: cwd, CreatedAt: time.Now().UTC()}
	}

	captured := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		captured[e.RelPath] = true
	}

	changed := false
	for _, rel := range relPaths {
		if captured[rel] {
			continue
		}
		abs, ok := resolve(cwd, rel)
		if !ok {
			s.logger.Warn("skipping path escaping project root", zap.String("relPath", rel))
			continue
		}
		blob := fmt.Sprintf("%d.blob", len(m.Entries))
		entry := Entry{RelPath: rel, AbsPath: abs, BlobName: blob}

		data, err := os.ReadFile(abs)
		switch {
		case err == nil:
			entry.Existed = true
		case os.IsNotExist(err):
			data = nil
		default:
			return nil, apperrors.OperationFailed("pre-image read", err)
		}

		if !changed {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, apperrors.OperationFailed("snapshot dir create", err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, blob), data, 0o644); err != nil {
			return nil, apperrors.OperationFailed("blob write", err)
		}
		m.Entries = append(m.Entries, entry)
		captured[rel] = true
		changed = true
	}

	// Nothing captured means no snapshot: persisting an empty manifest
	// would let a later revert or apply claim a turn that saved nothing.
	if changed {
		if err := s.writeManifest(dir, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Revert restores every captured pre-image: files the turn created are
// deleted, modified files get their original bytes back. The snapshot is
// discarded afterwards, so a second call reports no_snapshot.
func (s *Store) Revert(threadID, turnID string) error {
	lock := s.keyLock(threadID, turnID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.turnDir(threadID, turnID)
	m, err := s.readManifest(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NoSnapshot(threadID, turnID)
		}
		return apperrors.OperationFailed("manifest read", err)
	}

	for _, e := range m.Entries {
		if !e.Existed {
			if err := os.Remove(e.AbsPath); err != nil && !os.IsNotExist(err) {
				return apperrors.OperationFailed("revert delete", err)
			}
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.BlobName))
		if err != nil {
			return apperrors.OperationFailed("blob read", err)
		}
		if err := os.MkdirAll(filepath.Dir(e.AbsPath), 0o755); err != nil {
			return apperrors.OperationFailed("revert dir create", err)
		}
		if err := os.WriteFile(e.AbsPath, data, 0o644); err != nil {
			return apperrors.OperationFailed("revert write", err)
		}
	}
	return s.discard(dir)
}

// Apply keeps the live files and discards the snapshot. A second call
// reports no_snapshot.
func (s *Store) Apply(threadID, turnID string) error {
	lock := s.keyLock(threadID, turnID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.turnDir(threadID, turnID)
	if _, err := s.readManifest(dir); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NoSnapshot(threadID, turnID)
		}
		return apperrors.OperationFailed("manifest read", err)
	}
	return s.discard(dir)
}

// ReadDiff returns the captured pre-image and current bytes for one path,
// each bounded by the configured byte budget.
func (s *Store) ReadDiff(threadID, turnID, relPath string) (*Diff, error) {
	lock := s.keyLock(threadID, turnID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.turnDir(threadID, turnID)
	m, err := s.readManifest(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NoSnapshot(threadID, turnID)
		}
		return nil, apperrors.OperationFailed("manifest read", err)
	}

	var entry *Entry
	for i := range m.Entries {
		if m.Entries[i].RelPath == relPath {
			entry = &m.Entries[i]
			break
		}
	}
	if entry == nil {
		return nil, apperrors.InvalidArgument(fmt.Sprintf("path %q not captured for this turn", relPath))
	}

	before, beforeTrunc, err := readCapped(filepath.Join(dir, entry.BlobName), s.diffMaxBytes)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.OperationFailed("blob read", err)
	}
	after, afterTrunc, err := readCapped(entry.AbsPath, s.diffMaxBytes)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.OperationFailed("current read", err)
	}

	d := &Diff{RelPath: relPath, Truncated: beforeTrunc || afterTrunc}
	if isBinary(before) || isBinary(after) {
		d.Binary = true
		return d, nil
	}
	d.Before = string(before)
	d.After = string(after)
	return d, nil
}

// readCapped reads at most max+1 bytes so huge files never load fully.
func readCapped(path string, max int) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := make([]byte, max+1)
	n := 0
	for n < len(buf) {
		r, err := f.Read(buf[n:])
		n += r
		if err != nil {
			break
		}
	}
	if n > max {
		return buf[:max], true, nil
	}
	return buf[:n], false, nil
}

// isBinary classifies content by NUL presence or a high control-byte ratio
// in the first 8 KB.
func isBinary(data []byte) bool {
	window := data
	if len(window) > 8*1024 {
		window = window[:8*1024]
	}
	if len(window) == 0 {
		return false
	}
	control := 0
	for _, b := range window {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*10 > len(window) // >10% control bytes
}

func (s *Store) readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest corrupt: %w", err)
	}
	return &m, nil
}

func (s *Store) writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.OperationFailed("manifest encode", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return apperrors.OperationFailed("manifest write", err)
	}
	return nil
}

func (s *Store) discard(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.OperationFailed("snapshot discard", err)
	}
	return nil
}
