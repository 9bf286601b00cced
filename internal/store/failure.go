package store

import (
	"database/sql"
)

// RecordFailure appends one entry to the failure journal. The journal is
// append-only; records are never updated or deleted.
func (s *Store) RecordFailure(r *FailureRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO failure_records
				(recorded_at, project_id, session_name, reason_tag,
				 duration_hours, spec_path, agent_count, notes, report_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			formatTime(r.RecordedAt), r.ProjectID, r.SessionName,
			r.ReasonTag, r.DurationHours, r.SpecPath, r.AgentCount,
			r.Notes, r.ReportPath)
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

// RecentFailures returns the newest records, newest first, up to limit.
func (s *Store) RecentFailures(limit int) ([]*FailureRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, recorded_at, project_id, session_name, reason_tag,
			duration_hours, spec_path, agent_count, notes, report_path
		FROM failure_records ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FailureRecord
	for rows.Next() {
		var r FailureRecord
		var recordedAt string
		if err := rows.Scan(&r.ID, &recordedAt, &r.ProjectID, &r.SessionName,
			&r.ReasonTag, &r.DurationHours, &r.SpecPath, &r.AgentCount,
			&r.Notes, &r.ReportPath); err != nil {
			return nil, err
		}
		if t, err := parseTime(recordedAt); err == nil {
			r.RecordedAt = t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
