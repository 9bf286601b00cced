package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, session_name, role, window_index, interval_minutes,
	note, next_run_epoch, one_shot, state, last_dispatched_epoch,
	dispatch_count, dedup_key`

func scanTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	var oneShot int
	err := row.Scan(&t.ID, &t.SessionName, &t.Role, &t.WindowIndex,
		&t.IntervalMinutes, &t.Note, &t.NextRunEpoch, &oneShot, &t.State,
		&t.LastDispatchedEpoch, &t.DispatchCount, &t.DedupKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.OneShot = oneShot != 0
	return &t, nil
}

// UpsertTask enqueues a scheduled check-in. Enqueueing is idempotent on
// (session, role, note): a duplicate returns the existing task untouched.
func (s *Store) UpsertTask(session, role string, window, intervalMinutes int, note string, oneShot bool) (*ScheduledTask, bool, error) {
	if intervalMinutes <= 0 {
		return nil, false, ErrBadInterval
	}
	key := DedupKeyFor(session, role, note)
	next := s.now().Unix() + int64(intervalMinutes)*60

	var created bool
	var id int64
	err := s.tx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT id FROM scheduled_tasks WHERE dedup_key = ?", key).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO scheduled_tasks
				(session_name, role, window_index, interval_minutes, note,
				 next_run_epoch, one_shot, state, dedup_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session, role, window, intervalMinutes, note,
			next, boolInt(oneShot), TaskPending, key)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert task: %w", err)
	}
	t, err := s.Task(id)
	return t, created, err
}

// Task returns one scheduled task by id.
func (s *Store) Task(id int64) (*ScheduledTask, error) {
	row := s.conn.QueryRow(
		"SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns all scheduled tasks ordered by next run time.
func (s *Store) ListTasks() ([]*ScheduledTask, error) {
	rows, err := s.conn.Query(
		"SELECT " + taskColumns + " FROM scheduled_tasks ORDER BY next_run_epoch, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDue marks up to limit due pending tasks as dispatching and returns
// them in deterministic (next_run_epoch, id) order. Claiming inside one
// transaction keeps a task from being dispatched twice.
func (s *Store) ClaimDue(limit int) ([]*ScheduledTask, error) {
	nowEpoch := s.now().Unix()
	var claimed []*ScheduledTask
	err := s.tx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT `+taskColumns+` FROM scheduled_tasks
			WHERE state = ? AND next_run_epoch <= ?
			ORDER BY next_run_epoch, id LIMIT ?`,
			TaskPending, nowEpoch, limit)
		if err != nil {
			return err
		}
		claimed, err = collectTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for _, t := range claimed {
			if _, err := tx.Exec(`
				UPDATE scheduled_tasks
				SET state = ?, last_dispatched_epoch = ?
				WHERE id = ?`,
				TaskDispatching, nowEpoch, t.ID); err != nil {
				return err
			}
			t.State = TaskDispatching
			t.LastDispatchedEpoch = nowEpoch
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return claimed, nil
}

// FinishDispatch records a successful delivery: one-shot tasks are removed,
// recurring tasks advance by their interval and reset to pending.
func (s *Store) FinishDispatch(id int64) error {
	return s.tx(func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRow(
			"SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id))
		if err != nil {
			return err
		}
		if t.OneShot {
			_, err = tx.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
			return err
		}
		next := s.now().Unix() + int64(t.IntervalMinutes)*60
		_, err = tx.Exec(`
			UPDATE scheduled_tasks
			SET state = ?, next_run_epoch = ?, dispatch_count = 0
			WHERE id = ?`,
			TaskPending, next, id)
		return err
	})
}

// DeferDispatch records a failed delivery and reschedules with the given
// backoff. The dispatch count survives across retries so the scheduler can
// give up after the cap.
func (s *Store) DeferDispatch(id int64, backoffSeconds int64) (int, error) {
	var count int
	err := s.tx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT dispatch_count FROM scheduled_tasks WHERE id = ?", id).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		count++
		_, err = tx.Exec(`
			UPDATE scheduled_tasks
			SET state = ?, next_run_epoch = ?, dispatch_count = ?
			WHERE id = ?`,
			TaskPending, s.now().Unix()+backoffSeconds, count, id)
		return err
	})
	return count, err
}

// RemoveTask deletes a scheduled task.
func (s *Store) RemoveTask(id int64) error {
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// RemoveSessionTasks deletes every task bound for a session. Used during
// teardown so a dead session's check-ins stop firing.
func (s *Store) RemoveSessionTasks(session string) (int64, error) {
	var n int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM scheduled_tasks WHERE session_name = ?", session)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ResetStuckDispatches returns tasks stuck in dispatching longer than
// maxAgeSeconds back to pending. Recovers from a scheduler crash mid-send.
func (s *Store) ResetStuckDispatches(maxAgeSeconds int64) (int64, error) {
	cutoff := s.now().Unix() - maxAgeSeconds
	var n int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE scheduled_tasks SET state = ?
			WHERE state = ? AND last_dispatched_epoch < ?`,
			TaskPending, TaskDispatching, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
