package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/afero"

	"specnerd/internal/logging"
)

const (
	osCreateTrunc = os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	osAppend      = os.O_CREATE | os.O_APPEND | os.O_WRONLY
	maxLogLine    = 16 << 20
)

// appendLog writes one JSON line and fsyncs it. It returns the log size
// before the append so the caller can roll it back.
func (m *Manager) appendLog(entry OperationLogEntry) (int64, error) {
	line, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')

	var size int64
	if info, err := m.fs.Stat(m.logPath()); err == nil {
		size = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	f, err := m.fs.OpenFile(m.logPath(), osAppend, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		_ = m.truncateLog(size)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = m.truncateLog(size)
		return 0, err
	}
	return size, f.Close()
}

func (m *Manager) truncateLog(size int64) error {
	f, err := m.fs.OpenFile(m.logPath(), os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// reconcile repairs the pair after an interrupted transaction: a leftover
// temp document is removed, and log lines describing revisions that never
// reached session.json are dropped.
func (m *Manager) reconcile() error {
	var inflight *SessionContext
	if data, err := afero.ReadFile(m.fs, m.tmpPath()); err == nil {
		var s SessionContext
		if json.Unmarshal(data, &s) == nil && s.ID != "" {
			inflight = &s
		}
		logging.SessionWarn("Removing stale temp document %s", m.tmpPath())
		if err := m.fs.Remove(m.tmpPath()); err != nil {
			return err
		}
	}

	data, err := afero.ReadFile(m.fs, m.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var kept bytes.Buffer
	dropped := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var e OperationLogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			dropped++
			continue
		}
		if m.uncommitted(e, inflight) {
			dropped++
			continue
		}
		kept.Write(raw)
		kept.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if dropped == 0 {
		return nil
	}

	logging.SessionWarn("Rolled back %d uncommitted operation log line(s)", dropped)
	tmp := m.logPath() + tmpSuffix
	if err := writeSynced(m.fs, tmp, kept.Bytes()); err != nil {
		return err
	}
	return m.fs.Rename(tmp, m.logPath())
}

func (m *Manager) uncommitted(e OperationLogEntry, inflight *SessionContext) bool {
	cur := m.current
	if cur != nil && e.SessionContextID == cur.ID && e.SessionRevision > cur.Metadata.Revision {
		return true
	}
	if inflight != nil && e.SessionContextID == inflight.ID && e.SessionRevision == inflight.Metadata.Revision {
		committed := cur != nil && cur.ID == inflight.ID && cur.Metadata.Revision >= inflight.Metadata.Revision
		return !committed
	}
	return false
}

// OperationLog returns the last limit log entries, oldest first. A limit of
// zero or less returns the whole log. Malformed lines are skipped.
func (m *Manager) OperationLog(limit int) ([]OperationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()

	data, err := afero.ReadFile(m.fs, m.logPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read log", Path: m.logPath(), Attempts: 1, Err: err}
	}

	var entries []OperationLogEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e OperationLogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			logging.SessionDebug("Skipping malformed log line: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, &IOError{Op: "read log", Path: m.logPath(), Attempts: 1, Err: err}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
