package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"specnerd/internal/config"
	"specnerd/internal/logging"
	"specnerd/internal/metrics"
)

const (
	sessionFile = "session.json"
	logFile     = "session-log.jsonl"
	archiveDir  = "archive"
	tmpSuffix   = ".tmp"
)

// Manager is the single writer of a workspace's session document and
// operation log. All methods are safe for concurrent use; writes are
// serialized and a caller observes its own write on the next read.
type Manager struct {
	mu sync.Mutex

	fs        afero.Fs
	workspace string
	stateDir  string
	version   string
	attempts  int
	now       func() time.Time
	metrics   *metrics.Metrics

	loaded  bool
	current *SessionContext
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFs replaces the OS filesystem.
func WithFs(fsys afero.Fs) Option { return func(m *Manager) { m.fs = fsys } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithMetrics records write outcomes.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithWriteAttempts sets how many times a persist is attempted.
func WithWriteAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithVersion sets the version stamped on new sessions.
func WithVersion(v string) Option { return func(m *Manager) { m.version = v } }

// NewManager creates the session manager of a workspace. Nothing is read
// until the first call that needs the session.
func NewManager(workspace string, opts ...Option) *Manager {
	m := &Manager{
		fs:        afero.NewOsFs(),
		workspace: workspace,
		stateDir:  filepath.Join(workspace, config.StateDirName),
		version:   "1.0",
		attempts:  3,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Workspace returns the workspace root.
func (m *Manager) Workspace() string { return m.workspace }

func (m *Manager) sessionPath() string { return filepath.Join(m.stateDir, sessionFile) }
func (m *Manager) tmpPath() string     { return m.sessionPath() + tmpSuffix }
func (m *Manager) logPath() string     { return filepath.Join(m.stateDir, logFile) }
func (m *Manager) archivePath() string { return filepath.Join(m.stateDir, archiveDir) }

// =============================================================================
// READS
// =============================================================================

// GetCurrentSession returns a copy of the current session, or nil when there
// is none. The document is loaded once; an unreadable or corrupt file is
// logged and treated as no session.
func (m *Manager) GetCurrentSession() *SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()
	return m.current.Clone()
}

// IsSessionExpired reports whether the session was last modified more than
// maxAge ago. No session counts as expired.
func (m *Manager) IsSessionExpired(maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()
	if m.current == nil {
		return true
	}
	return m.now().Sub(m.current.Metadata.LastModified) > maxAge
}

func (m *Manager) ensureLoaded() {
	if m.loaded {
		return
	}
	m.loaded = true

	timer := logging.StartTimer(logging.CategorySession, "LoadSession")
	defer timer.Stop()

	data, err := afero.ReadFile(m.fs, m.sessionPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.SessionDebug("No session document at %s", m.sessionPath())
	case err != nil:
		logging.SessionWarn("Failed to read session document: %v", err)
	default:
		var s SessionContext
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			logging.SessionWarn("Ignoring corrupt session document %s: %v", m.sessionPath(), err)
		} else {
			m.current = &s
			logging.Session("Loaded session %s (project=%q, revision=%d)", s.ID, s.ProjectName, s.Metadata.Revision)
		}
	}

	if err := m.reconcile(); err != nil {
		logging.SessionWarn("Session log reconciliation failed: %v", err)
	}
}

// =============================================================================
// WRITES
// =============================================================================

// UpdateSession merges patch into the current session and persists it.
// Without a session it logs a warning and does nothing. A patch that changes
// nothing does not touch the disk.
func (m *Manager) UpdateSession(patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()

	if m.current == nil {
		logging.SessionWarn("UpdateSession called without an active session; ignoring")
		return nil
	}
	next := m.current.Clone()
	if !patch.applyTo(next) {
		logging.SessionDebug("UpdateSession: no changes for session %s", next.ID)
		return nil
	}
	m.stamp(next)
	if err := m.commit(next, nil); err != nil {
		return err
	}
	m.current = next
	return nil
}

// UpdateSessionWithLog applies optional state updates and appends one log
// entry as a single transaction: after a failure the disk holds either the
// previous state or the new state together with its log line.
func (m *Manager) UpdateSessionWithLog(u LoggedUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()

	if m.current == nil {
		return ErrNoSession
	}
	next := m.current.Clone()
	changed := u.StateUpdates.applyTo(next)
	if changed {
		m.stamp(next)
	}

	entry := m.fillEntry(u.LogEntry, next)
	if !changed {
		return m.appendOnly(entry)
	}
	if err := m.commit(next, &entry); err != nil {
		return err
	}
	m.current = next
	return nil
}

// CreateNewSession replaces the current session with a fresh one. A non-empty
// projectName gets its own base directory under the workspace.
func (m *Manager) CreateNewSession(projectName string) (*SessionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()
	return m.createLocked(projectName)
}

func (m *Manager) createLocked(projectName string) (*SessionContext, error) {
	baseDir := m.workspace
	if projectName != "" {
		baseDir = filepath.Join(m.workspace, projectName)
	}
	if err := m.fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, &IOError{Op: "create", Path: baseDir, Attempts: 1, Err: err}
	}

	now := m.now().UTC()
	s := &SessionContext{
		ID:          uuid.NewString(),
		ProjectName: projectName,
		BaseDir:     baseDir,
		ActiveFiles: []string{},
		Metadata: Metadata{
			Created:      now,
			LastModified: now,
			Version:      m.version,
			Revision:     1,
		},
	}
	entry := m.fillEntry(OperationLogEntry{
		Type:      OpSessionCreated,
		Operation: "create session",
		Success:   true,
		StructuredDetail: map[string]interface{}{
			"projectName": projectName,
			"baseDir":     baseDir,
		},
	}, s)
	if err := m.commit(s, &entry); err != nil {
		return nil, err
	}
	m.current = s
	logging.Session("Created session %s for project %q", s.ID, projectName)
	return s.Clone(), nil
}

// stamp bumps the revision and sets a strictly increasing lastModified.
func (m *Manager) stamp(s *SessionContext) {
	prev := s.Metadata.LastModified
	now := m.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	s.Metadata.LastModified = now
	s.Metadata.Revision++
}

func (m *Manager) fillEntry(e OperationLogEntry, s *SessionContext) OperationLogEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	e.SessionContextID = s.ID
	e.SessionRevision = s.Metadata.Revision
	return e
}

// commit persists next, with an optional paired log entry, retrying the
// whole transaction up to the configured number of attempts.
func (m *Manager) commit(next *SessionContext, entry *OperationLogEntry) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: m.sessionPath(), Attempts: 1, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if lastErr = m.commitOnce(data, entry); lastErr == nil {
			m.metrics.SessionWrite("ok")
			logging.SessionDebug("Persisted session %s revision %d", next.ID, next.Metadata.Revision)
			return nil
		}
		logging.SessionWarn("Persist attempt %d/%d failed: %v", attempt, m.attempts, lastErr)
		if attempt < m.attempts {
			m.metrics.SessionWrite("retry")
		}
	}
	m.metrics.SessionWrite("failed")
	logging.SessionError("Giving up persisting session %s: %v", next.ID, lastErr)
	return &IOError{Op: "persist", Path: m.sessionPath(), Attempts: m.attempts, Err: lastErr}
}

// commitOnce runs the write-temp, append-log, rename protocol once. Rename
// is the commit point; a failure before it undoes the log append.
func (m *Manager) commitOnce(data []byte, entry *OperationLogEntry) error {
	if err := m.fs.MkdirAll(m.stateDir, 0o755); err != nil {
		return err
	}
	if err := writeSynced(m.fs, m.tmpPath(), data); err != nil {
		_ = m.fs.Remove(m.tmpPath())
		return err
	}

	var logSize int64 = -1
	if entry != nil {
		size, err := m.appendLog(*entry)
		if err != nil {
			_ = m.fs.Remove(m.tmpPath())
			return err
		}
		logSize = size
	}

	if err := m.fs.Rename(m.tmpPath(), m.sessionPath()); err != nil {
		if logSize >= 0 {
			if terr := m.truncateLog(logSize); terr != nil {
				logging.SessionError("Failed to roll back log after rename failure: %v", terr)
			}
			m.metrics.SessionWrite("rolled_back")
		}
		_ = m.fs.Remove(m.tmpPath())
		return err
	}
	return nil
}

// appendOnly logs an operation that does not change the document.
func (m *Manager) appendOnly(entry OperationLogEntry) error {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if err := m.fs.MkdirAll(m.stateDir, 0o755); err != nil {
			lastErr = err
			continue
		}
		if _, lastErr = m.appendLog(entry); lastErr == nil {
			m.metrics.SessionWrite("ok")
			return nil
		}
	}
	m.metrics.SessionWrite("failed")
	return &IOError{Op: "append log", Path: m.logPath(), Attempts: m.attempts, Err: lastErr}
}

func writeSynced(fsys afero.Fs, path string, data []byte) error {
	f, err := fsys.OpenFile(path, osCreateTrunc, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
