package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveSessionState writes (or replaces) the persisted team view for a
// project. Complex fields are stored as JSON columns so the registry's
// file format and the store stay interchangeable.
func (s *Store) SaveSessionState(st *SessionState) error {
	agents, err := json.Marshal(st.Agents)
	if err != nil {
		return fmt.Errorf("encode agents: %w", err)
	}
	phases, err := json.Marshal(st.PhasesCompleted)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	velocity, err := json.Marshal(st.VelocityMetrics)
	if err != nil {
		return fmt.Errorf("encode velocity: %w", err)
	}

	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO session_states
				(project_name, session_name, created_at, phases_completed,
				 agents, failure_reason, subscription_plan, velocity_metrics)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_name) DO UPDATE SET
				session_name = excluded.session_name,
				phases_completed = excluded.phases_completed,
				agents = excluded.agents,
				failure_reason = excluded.failure_reason,
				subscription_plan = excluded.subscription_plan,
				velocity_metrics = excluded.velocity_metrics`,
			st.ProjectName, st.SessionName, formatTime(st.CreatedAt),
			string(phases), string(agents), st.FailureReason,
			st.SubscriptionPlan, string(velocity))
		return err
	})
}

// SessionStateByProject loads the persisted team view for one project.
func (s *Store) SessionStateByProject(project string) (*SessionState, error) {
	row := s.conn.QueryRow(`
		SELECT project_name, session_name, created_at, phases_completed,
			agents, failure_reason, subscription_plan, velocity_metrics
		FROM session_states WHERE project_name = ?`, project)
	return scanSessionState(row)
}

// SessionStateBySession loads the team view keyed by tmux session name.
func (s *Store) SessionStateBySession(session string) (*SessionState, error) {
	row := s.conn.QueryRow(`
		SELECT project_name, session_name, created_at, phases_completed,
			agents, failure_reason, subscription_plan, velocity_metrics
		FROM session_states WHERE session_name = ?`, session)
	return scanSessionState(row)
}

// AllSessionStates returns every persisted team view.
func (s *Store) AllSessionStates() ([]*SessionState, error) {
	rows, err := s.conn.Query(`
		SELECT project_name, session_name, created_at, phases_completed,
			agents, failure_reason, subscription_plan, velocity_metrics
		FROM session_states ORDER BY project_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionState
	for rows.Next() {
		st, err := scanSessionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteSessionState removes a project's team view after teardown.
func (s *Store) DeleteSessionState(project string) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"DELETE FROM session_states WHERE project_name = ?", project)
		return err
	})
}

func scanSessionState(row interface{ Scan(...any) error }) (*SessionState, error) {
	var st SessionState
	var createdAt, phases, agents, velocity string
	err := row.Scan(&st.ProjectName, &st.SessionName, &createdAt, &phases,
		&agents, &st.FailureReason, &st.SubscriptionPlan, &velocity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t, err := parseTime(createdAt); err == nil {
		st.CreatedAt = t
	}
	if err := json.Unmarshal([]byte(phases), &st.PhasesCompleted); err != nil {
		return nil, fmt.Errorf("decode phases for %s: %w", st.ProjectName, err)
	}
	if err := json.Unmarshal([]byte(agents), &st.Agents); err != nil {
		return nil, fmt.Errorf("decode agents for %s: %w", st.ProjectName, err)
	}
	if velocity != "" {
		if err := json.Unmarshal([]byte(velocity), &st.VelocityMetrics); err != nil {
			return nil, fmt.Errorf("decode velocity for %s: %w", st.ProjectName, err)
		}
	}
	return &st, nil
}
