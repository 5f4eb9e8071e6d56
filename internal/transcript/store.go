// Package transcript persists agent session transcripts as NDJSON files,
// one per session, grouped under a per-project directory.
package transcript

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/workdeck/workdeck/internal/common/errors"
	"github.com/workdeck/workdeck/internal/common/logger"
)

// Record is one transcript line.
type Record struct {
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Store writes transcripts under a root directory.
type Store struct {
	root   string
	logger *logger.Logger

	mu sync.Mutex
}

// NewStore creates a transcript store rooted at dir.
func NewStore(dir string, log *logger.Logger) *Store {
	return &Store{
		root:   dir,
		logger: log.WithFields(zap.String("component", "transcript-store")),
	}
}

// ProjectKey derives a stable directory name from a project root path:
// the last path element plus a short hash of the full normalized path, so
// distinct projects with the same basename never collide.
func ProjectKey(projectRoot string) string {
	norm := filepath.ToSlash(filepath.Clean(projectRoot))
	sum := sha256.Sum256([]byte(norm))
	base := strings.ToLower(filepath.Base(norm))
	base = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	return base + "-" + hex.EncodeToString(sum[:6])
}

// Append writes one record to the session's transcript file.
func (s *Store) Append(projectRoot, sessionID, kind string, data map[string]any) error {
	if sessionID == "" {
		sessionID = "unassigned"
	}
	rec := Record{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Kind:      kind,
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return apperrors.OperationFailed("transcript encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, ProjectKey(projectRoot))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.OperationFailed("transcript dir create", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.OperationFailed("transcript open", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperrors.OperationFailed("transcript write", err)
	}
	return nil
}

// Read loads a session's transcript, newest-last. Missing transcripts
// return an empty slice.
func (s *Store) Read(projectRoot, sessionID string) ([]Record, error) {
	path := filepath.Join(s.root, ProjectKey(projectRoot), sessionID+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.OperationFailed("transcript open", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping corrupt transcript line", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.OperationFailed("transcript read", err)
	}
	return records, nil
}

// Sessions lists the session ids with transcripts for a project.
func (s *Store) Sessions(projectRoot string) ([]string, error) {
	dir := filepath.Join(s.root, ProjectKey(projectRoot))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.OperationFailed("transcript list", err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".ndjson"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}
