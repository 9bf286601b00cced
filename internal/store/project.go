package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// validTransitions enumerates the legal project status moves. Anything not
// listed is rejected with ErrInvalidTransition.
var validTransitions = map[ProjectStatus][]ProjectStatus{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimingOut, StatusZombie},
	StatusTimingOut:  {StatusFailed},
	StatusZombie:     {StatusFailed},
	StatusFailed:     {StatusQueued},
}

func transitionAllowed(from, to ProjectStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

const projectColumns = `id, spec_path, project_path, status, main_session,
	enqueued_at, started_at, completed_at, attempts, batch_id,
	error_message, failed_components, merged_status, merged_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var (
		p                       Project
		mainSession             sql.NullString
		enqueuedAt              string
		startedAt, completedAt  sql.NullString
		mergedStatus, mergedAt  sql.NullString
	)
	err := row.Scan(&p.ID, &p.SpecPath, &p.ProjectPath, &p.Status, &mainSession,
		&enqueuedAt, &startedAt, &completedAt, &p.Attempts, &p.BatchID,
		&p.ErrorMessage, &p.FailedComponents, &mergedStatus, &mergedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.MainSession = mainSession.String
	if t, err := parseTime(enqueuedAt); err == nil {
		p.EnqueuedAt = t
	}
	p.StartedAt = nullableTime(startedAt)
	p.CompletedAt = nullableTime(completedAt)
	p.MergedStatus = MergedStatus(mergedStatus.String)
	p.MergedAt = nullableTime(mergedAt)
	return &p, nil
}

// CreateProject enqueues a new project. batchID groups batch submissions.
func (s *Store) CreateProject(specPath, projectPath, batchID string) (*Project, error) {
	now := s.now()
	var id int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO projects (spec_path, project_path, status, enqueued_at, batch_id)
			VALUES (?, ?, ?, ?, ?)`,
			specPath, projectPath, StatusQueued, formatTime(now), batchID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return s.Project(id)
}

// Project returns one project by id.
func (s *Store) Project(id int64) (*Project, error) {
	row := s.conn.QueryRow(
		"SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	return scanProject(row)
}

// ProjectsByStatus returns projects with the given status, oldest first.
func (s *Store) ProjectsByStatus(status ProjectStatus) ([]*Project, error) {
	rows, err := s.conn.Query(
		"SELECT "+projectColumns+" FROM projects WHERE status = ? ORDER BY enqueued_at, id",
		status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// AllProjects returns every project, oldest first.
func (s *Store) AllProjects() ([]*Project, error) {
	rows, err := s.conn.Query(
		"SELECT " + projectColumns + " FROM projects ORDER BY enqueued_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows *sql.Rows) ([]*Project, error) {
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountProcessing returns the number of PROCESSING projects. The single
// concurrency invariant requires this to be 0 or 1.
func (s *Store) CountProcessing() (int, error) {
	var n int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM projects WHERE status = ?", StatusProcessing).Scan(&n)
	return n, err
}

// PromoteNextQueued atomically promotes the oldest QUEUED project with
// attempts below the cap to PROCESSING. It returns ErrNotFound when the
// queue is empty and nil, nil when another project already holds the
// PROCESSING slot.
func (s *Store) PromoteNextQueued() (*Project, error) {
	var promoted *Project
	err := s.tx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM projects WHERE status = ?", StatusProcessing,
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil // slot occupied; not an error
		}

		row := tx.QueryRow(`
			SELECT `+projectColumns+` FROM projects
			WHERE status = ? AND attempts < ?
			ORDER BY enqueued_at, id LIMIT 1`,
			StatusQueued, MaxAttempts)
		p, err := scanProject(row)
		if err != nil {
			return err
		}

		now := formatTime(s.now())
		if _, err := tx.Exec(`
			UPDATE projects SET status = ?, started_at = ? WHERE id = ?`,
			StatusProcessing, now, p.ID); err != nil {
			return err
		}
		p.Status = StatusProcessing
		t, _ := parseTime(now)
		p.StartedAt = &t
		promoted = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// SetMainSession persists the tmux session name for a project. Called as
// soon as the name is reserved so phantom detection never sees a live but
// unregistered session.
func (s *Store) SetMainSession(id int64, session string) error {
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE projects SET main_session = ? WHERE id = ?", session, id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// TransitionOpts carries optional fields written alongside a transition.
type TransitionOpts struct {
	ErrorMessage     string
	FailedComponents string
	MergedStatus     MergedStatus
}

// Transition moves a project to a new status, validating the move against
// the current row inside the transaction.
func (s *Store) Transition(id int64, to ProjectStatus, opts TransitionOpts) error {
	return s.tx(func(tx *sql.Tx) error {
		var from ProjectStatus
		err := tx.QueryRow("SELECT status FROM projects WHERE id = ?", id).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !transitionAllowed(from, to) {
			return fmt.Errorf("%w: %s -> %s (project %d)", ErrInvalidTransition, from, to, id)
		}

		now := formatTime(s.now())
		switch to {
		case StatusCompleted:
			_, err = tx.Exec(`
				UPDATE projects SET status = ?, completed_at = ?, merged_status = ?
				WHERE id = ?`,
				to, now, mergedOrNull(opts.MergedStatus), id)
		case StatusFailed, StatusTimingOut, StatusZombie:
			_, err = tx.Exec(`
				UPDATE projects SET status = ?, completed_at = ?,
					error_message = ?, failed_components = ?
				WHERE id = ?`,
				to, now, opts.ErrorMessage, opts.FailedComponents, id)
		case StatusQueued:
			// FAILED -> QUEUED retry: clear the session so the unique
			// PROCESSING index cannot collide on the next run.
			_, err = tx.Exec(`
				UPDATE projects SET status = ?, main_session = NULL,
					started_at = NULL, completed_at = NULL,
					attempts = attempts + 1
				WHERE id = ?`,
				to, id)
		default:
			_, err = tx.Exec("UPDATE projects SET status = ? WHERE id = ?", to, id)
		}
		return err
	})
}

func mergedOrNull(m MergedStatus) any {
	if m == "" {
		return nil
	}
	return string(m)
}

// CompletedUnmerged returns COMPLETED projects awaiting auto-merge
// (merged_status null or PENDING_MERGE), oldest first, up to limit.
func (s *Store) CompletedUnmerged(limit int) ([]*Project, error) {
	rows, err := s.conn.Query(`
		SELECT `+projectColumns+` FROM projects
		WHERE status = ? AND (merged_status IS NULL OR merged_status = ?)
		ORDER BY completed_at, id LIMIT ?`,
		StatusCompleted, MergePending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// SetMergedStatus records the outcome of an auto-merge attempt.
func (s *Store) SetMergedStatus(id int64, m MergedStatus, errMsg string) error {
	return s.tx(func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if m == MergeDone {
			res, err = tx.Exec(`
				UPDATE projects SET merged_status = ?, merged_at = ? WHERE id = ?`,
				m, formatTime(s.now()), id)
		} else {
			res, err = tx.Exec(`
				UPDATE projects SET merged_status = ?, error_message = ? WHERE id = ?`,
				m, errMsg, id)
		}
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// AnyQueued reports whether at least one project is waiting. The
// conditional timeout only fires under queue pressure.
func (s *Store) AnyQueued() (bool, error) {
	var n int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM projects WHERE status = ?", StatusQueued).Scan(&n)
	return n > 0, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveProject deletes a project outright. The active PROCESSING slot
// cannot be removed; fail or complete it first.
func (s *Store) RemoveProject(id int64) error {
	return s.tx(func(tx *sql.Tx) error {
		var status ProjectStatus
		err := tx.QueryRow("SELECT status FROM projects WHERE id = ?", id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status == StatusProcessing {
			return fmt.Errorf("project %d is PROCESSING; cannot remove", id)
		}
		_, err = tx.Exec("DELETE FROM projects WHERE id = ?", id)
		return err
	})
}

// StaleProcessing returns PROCESSING projects older than age, for the
// conditional timeout check.
func (s *Store) StaleProcessing(age time.Duration) ([]*Project, error) {
	cutoff := formatTime(s.now().Add(-age))
	rows, err := s.conn.Query(`
		SELECT `+projectColumns+` FROM projects
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at, id`,
		StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}
