package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"specnerd/internal/config"
	"specnerd/internal/logging"
)

// ArchiveRecord is the JSON document written under .specnerd/archive/.
type ArchiveRecord struct {
	ArchivedAt     time.Time       `json:"archivedAt"`
	Reason         string          `json:"reason"`
	Session        *SessionContext `json:"session"`
	PreservedFiles []string        `json:"preservedFiles"`
}

// ArchiveResult describes an archive-and-replace.
type ArchiveResult struct {
	Archived       *SessionContext
	ArchivePath    string
	NewSession     *SessionContext
	PreservedFiles []string
}

// ArchiveCurrentAndStartNew serializes the current session to the archive,
// then starts a new one. User files are never touched; PreservedFiles lists
// the regular files left in the previous base directory.
func (m *Manager) ArchiveCurrentAndStartNew(newProjectName, reason string) (*ArchiveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded()

	res := &ArchiveResult{}
	if prev := m.current; prev != nil {
		preserved, err := m.userFiles(prev.BaseDir)
		if err != nil {
			logging.SessionWarn("Could not list files in %s: %v", prev.BaseDir, err)
		}
		rec := ArchiveRecord{
			ArchivedAt:     m.now().UTC(),
			Reason:         reason,
			Session:        prev.Clone(),
			PreservedFiles: preserved,
		}
		path, err := m.writeArchive(rec)
		if err != nil {
			return nil, &IOError{Op: "archive", Path: m.archivePath(), Attempts: 1, Err: err}
		}

		entry := m.fillEntry(OperationLogEntry{
			Type:      OpSessionArchived,
			Operation: "archive session",
			Success:   true,
			StructuredDetail: map[string]interface{}{
				"reason":         reason,
				"archivePath":    path,
				"preservedFiles": len(preserved),
			},
		}, prev)
		if err := m.appendOnly(entry); err != nil {
			return nil, err
		}

		res.Archived = prev.Clone()
		res.ArchivePath = path
		res.PreservedFiles = preserved
		logging.Session("Archived session %s to %s (%d user files preserved)", prev.ID, path, len(preserved))
	}

	next, err := m.createLocked(newProjectName)
	if err != nil {
		return nil, err
	}
	res.NewSession = next
	return res, nil
}

// ListArchives returns archive file names, newest first.
func (m *Manager) ListArchives() ([]string, error) {
	infos, err := afero.ReadDir(m.fs, m.archivePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, fi := range infos {
		if fi.Mode().IsRegular() && strings.HasSuffix(fi.Name(), ".json") {
			names = append(names, fi.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (m *Manager) writeArchive(rec ArchiveRecord) (string, error) {
	if err := m.fs.MkdirAll(m.archivePath(), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.json", rec.ArchivedAt.Format("20060102T150405.000Z"), rec.Session.ID)
	path := filepath.Join(m.archivePath(), name)
	tmp := path + tmpSuffix
	if err := writeSynced(m.fs, tmp, data); err != nil {
		_ = m.fs.Remove(tmp)
		return "", err
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		_ = m.fs.Remove(tmp)
		return "", err
	}
	return path, nil
}

// userFiles lists regular files under baseDir, relative to it, skipping the
// state directory and temp files.
func (m *Manager) userFiles(baseDir string) ([]string, error) {
	if _, err := m.fs.Stat(baseDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	err := afero.Walk(m.fs, baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == config.StateDirName && path != baseDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || strings.HasSuffix(info.Name(), tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}
