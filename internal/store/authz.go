package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const authColumns = `id, session_name, request_id, priority, from_role,
	to_role, action, timeout_minutes, status, created_at, resolved_at,
	resolution`

func scanAuth(row interface{ Scan(...any) error }) (*Authorization, error) {
	var a Authorization
	var createdAt string
	var resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.SessionName, &a.RequestID, &a.Priority,
		&a.FromRole, &a.ToRole, &a.Action, &a.TimeoutMinutes, &a.Status,
		&createdAt, &resolvedAt, &a.Resolution)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t, err := parseTime(createdAt); err == nil {
		a.CreatedAt = t
	}
	a.ResolvedAt = nullableTime(resolvedAt)
	return &a, nil
}

// CreateAuthorization files a cross-role approval request. The timeout is
// derived from priority. A duplicate request_id returns the existing row.
func (s *Store) CreateAuthorization(session, requestID string, priority int, fromRole, toRole, action string) (*Authorization, error) {
	if priority < 1 || priority > 3 {
		priority = 3
	}
	var id int64
	err := s.tx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT id FROM authorizations WHERE request_id = ?", requestID).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO authorizations
				(session_name, request_id, priority, from_role, to_role,
				 action, timeout_minutes, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session, requestID, priority, fromRole, toRole, action,
			AuthTimeoutMinutes(priority), AuthPending, formatTime(s.now()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create authorization: %w", err)
	}
	row := s.conn.QueryRow(
		"SELECT "+authColumns+" FROM authorizations WHERE id = ?", id)
	return scanAuth(row)
}

// PendingAuthorizations returns open requests for a session, most urgent
// and oldest first. An empty session returns all sessions' requests.
func (s *Store) PendingAuthorizations(session string) ([]*Authorization, error) {
	q := "SELECT " + authColumns + " FROM authorizations WHERE status = ?"
	args := []any{AuthPending}
	if session != "" {
		q += " AND session_name = ?"
		args = append(args, session)
	}
	q += " ORDER BY priority, created_at"
	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuths(rows)
}

func collectAuths(rows *sql.Rows) ([]*Authorization, error) {
	var out []*Authorization
	for rows.Next() {
		a, err := scanAuth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAuthorization closes a request with APPROVED, DENIED, or
// ESCALATED and a free-form resolution note.
func (s *Store) ResolveAuthorization(requestID string, status AuthStatus, resolution string) error {
	switch status {
	case AuthApproved, AuthDenied, AuthEscalated:
	default:
		return fmt.Errorf("resolve authorization %s: bad status %q", requestID, status)
	}
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE authorizations
			SET status = ?, resolved_at = ?, resolution = ?
			WHERE request_id = ? AND status = ?`,
			status, formatTime(s.now()), resolution, requestID, AuthPending)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// EscalationsDue returns pending requests past 80% of their timeout budget.
func (s *Store) EscalationsDue() ([]*Authorization, error) {
	pending, err := s.PendingAuthorizations("")
	if err != nil {
		return nil, err
	}
	now := s.now()
	var due []*Authorization
	for _, a := range pending {
		if a.EscalationDue(now) {
			due = append(due, a)
		}
	}
	return due, nil
}

// ParseAuthRequest extracts the fields of an AUTH_REQUEST line an agent
// printed into its pane:
//
//	AUTH_REQUEST id=<uuid> priority=<1-3> from=<role> to=<role> action=<text>
//
// Unknown fields are ignored; action captures the remainder of the line.
func ParseAuthRequest(line string) (requestID string, priority int, fromRole, toRole, action string, ok bool) {
	const marker = "AUTH_REQUEST "
	i := strings.Index(line, marker)
	if i < 0 {
		return "", 0, "", "", "", false
	}
	rest := line[i+len(marker):]
	priority = 3
	for len(rest) > 0 {
		key, val, tail, found := nextField(rest)
		if !found {
			break
		}
		switch key {
		case "id":
			requestID = val
		case "priority":
			switch val {
			case "1":
				priority = 1
			case "2":
				priority = 2
			}
		case "from":
			fromRole = val
		case "to":
			toRole = val
		case "action":
			// action swallows the rest of the line
			action = strings.TrimSpace(val + " " + tail)
			rest = ""
			continue
		}
		rest = tail
	}
	ok = requestID != "" && fromRole != "" && toRole != ""
	return requestID, priority, fromRole, toRole, action, ok
}

func nextField(s string) (key, val, rest string, ok bool) {
	s = strings.TrimSpace(s)
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return "", "", "", false
	}
	key = s[:eq]
	s = s[eq+1:]
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return key, s, "", true
	}
	return key, s[:sp], s[sp+1:], true
}
