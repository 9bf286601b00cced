package store

import (
	"database/sql"
)

// RecordHealth appends one health snapshot for an agent window.
func (s *Store) RecordHealth(h *AgentHealth) error {
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO agent_health
				(project_id, session_name, role, window_index, checked_at,
				 pane_command, agent_present, is_stuck, stuck_since,
				 recovery_attempts, last_recovery_epoch, health_blob)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ProjectID, h.SessionName, h.Role, h.WindowIndex,
			formatTime(h.CheckedAt), h.PaneCommand,
			boolInt(h.AgentPresent), boolInt(h.IsStuck),
			timeOrNull(h.StuckSince), h.RecoveryAttempts,
			h.LastRecoveryEpoch, h.HealthBlob)
		if err != nil {
			return err
		}
		h.ID, err = res.LastInsertId()
		return err
	})
}

// LatestHealth returns the most recent snapshot per (role, window) for a
// project, newest snapshots winning.
func (s *Store) LatestHealth(projectID int64) ([]*AgentHealth, error) {
	rows, err := s.conn.Query(`
		SELECT id, project_id, session_name, role, window_index, checked_at,
			pane_command, agent_present, is_stuck, stuck_since,
			recovery_attempts, last_recovery_epoch, health_blob
		FROM agent_health
		WHERE project_id = ? AND id IN (
			SELECT MAX(id) FROM agent_health
			WHERE project_id = ? GROUP BY role, window_index
		)
		ORDER BY window_index`, projectID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AgentHealth
	for rows.Next() {
		var h AgentHealth
		var checkedAt string
		var stuckSince sql.NullString
		var present, stuck int
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.SessionName, &h.Role,
			&h.WindowIndex, &checkedAt, &h.PaneCommand, &present, &stuck,
			&stuckSince, &h.RecoveryAttempts, &h.LastRecoveryEpoch,
			&h.HealthBlob); err != nil {
			return nil, err
		}
		if t, err := parseTime(checkedAt); err == nil {
			h.CheckedAt = t
		}
		h.StuckSince = nullableTime(stuckSince)
		h.AgentPresent = present != 0
		h.IsStuck = stuck != 0
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PruneHealth deletes snapshots older than the cutoff, keeping the table
// from growing without bound across long runs.
func (s *Store) PruneHealth(keepDays int) (int64, error) {
	cutoff := formatTime(s.now().AddDate(0, 0, -keepDays))
	var n int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM agent_health WHERE checked_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
