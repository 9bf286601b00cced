// Package registry manages the per-project on-disk registry: session
// state snapshots, failure reports, and logs, laid out under
// {root}/registry/projects/{project}/.
//
// The registry's JSON session-state files predate the store and remain
// the operator-inspectable mirror; the store is authoritative.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/xcawolfe-amzn/foreman/internal/store"
)

// SessionStateFile is the per-project JSON snapshot name.
const SessionStateFile = "session_state.json"

// Registry reads and writes the on-disk project registry.
type Registry struct {
	root   string // {installation root}/registry
	logger *log.Logger
}

// New creates a Registry rooted at dir.
func New(dir string, logger *log.Logger) *Registry {
	return &Registry{root: dir, logger: logger}
}

// ProjectDir returns (creating if needed) the registry directory for one
// project.
func (r *Registry) ProjectDir(project string) (string, error) {
	dir := filepath.Join(r.root, "projects", project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating registry dir for %s: %w", project, err)
	}
	return dir, nil
}

// LogsDir returns (creating if needed) the shared logs directory.
func (r *Registry) LogsDir() (string, error) {
	dir := filepath.Join(r.root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating logs dir: %w", err)
	}
	return dir, nil
}

// WriteSessionState mirrors a session state to the project's JSON file.
// The write is atomic (temp file + rename) so a crash never leaves a
// truncated snapshot.
func (r *Registry) WriteSessionState(st *store.SessionState) error {
	dir, err := r.ProjectDir(st.ProjectName)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	path := filepath.Join(dir, SessionStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSessionState loads a project's JSON snapshot.
func (r *Registry) ReadSessionState(project string) (*store.SessionState, error) {
	path := filepath.Join(r.root, "projects", project, SessionStateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st store.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if st.ProjectName == "" {
		st.ProjectName = project
	}
	return &st, nil
}

// MigrateLegacy imports every session_state.json under the registry into
// the store. Projects already present in the store are left untouched, so
// the migration is idempotent; import order is sorted by project name so
// it is deterministic. Returns the number of imported projects.
func (r *Registry) MigrateLegacy(s *store.Store) (int, error) {
	pattern := filepath.Join(r.root, "projects", "*", SessionStateFile)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	imported := 0
	for _, path := range matches {
		project := filepath.Base(filepath.Dir(path))
		if _, err := s.SessionStateByProject(project); err == nil {
			continue // already in the store
		}
		st, err := r.ReadSessionState(project)
		if err != nil {
			r.logf("skipping unreadable legacy state %s: %v", path, err)
			continue
		}
		if err := s.SaveSessionState(st); err != nil {
			return imported, fmt.Errorf("importing %s: %w", project, err)
		}
		r.logf("migrated legacy session state for %s", project)
		imported++
	}
	return imported, nil
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
