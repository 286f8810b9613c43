package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle state of a stored session.
type SessionStatus string

const (
	// SessionRunning is a session whose pipeline is ticking.
	SessionRunning SessionStatus = "running"
	// SessionFinished is a session stopped normally.
	SessionFinished SessionStatus = "finished"
	// SessionFailed is a session whose setup failed.
	SessionFailed SessionStatus = "failed"
)

// Session is one pipeline run.
type Session struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	Detector      string        `json:"detector"`
	SourceWidth   int           `json:"source_width"`
	SourceHeight  int           `json:"source_height"`
	DisplayWidth  int           `json:"display_width"`
	DisplayHeight int           `json:"display_height"`
	Rendered      int64         `json:"rendered"`
	Failed        int64         `json:"failed"`
	Skipped       int64         `json:"skipped"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// SessionRepository provides CRUD operations for sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

const sessionColumns = `id, status, detector, source_width, source_height, display_width, display_height,
	rendered, failed, skipped, error, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var status string
	var ended sql.NullTime

	err := row.Scan(&s.ID, &status, &s.Detector, &s.SourceWidth, &s.SourceHeight,
		&s.DisplayWidth, &s.DisplayHeight, &s.Rendered, &s.Failed, &s.Skipped,
		&s.Error, &s.StartedAt, &ended)
	if err != nil {
		return nil, err
	}

	s.Status = SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}

// Create inserts a new session. StartedAt defaults to now.
func (r *SessionRepository) Create(s *Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = SessionRunning
	}

	_, err := r.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Status), s.Detector, s.SourceWidth, s.SourceHeight,
		s.DisplayWidth, s.DisplayHeight, s.Rendered, s.Failed, s.Skipped,
		s.Error, s.StartedAt, s.EndedAt,
	)
	return err
}

// SetSizes records the source and display resolution once playback starts.
func (r *SessionRepository) SetSizes(id string, srcW, srcH, dispW, dispH int) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET source_width = ?, source_height = ?, display_width = ?, display_height = ?
		 WHERE id = ?`,
		srcW, srcH, dispW, dispH, id,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// Finish closes a session with its final status, tick counters and error.
func (r *SessionRepository) Finish(s *Session) error {
	now := time.Now()
	s.EndedAt = &now

	result, err := r.db.Exec(
		`UPDATE sessions SET status = ?, rendered = ?, failed = ?, skipped = ?, error = ?, ended_at = ?
		 WHERE id = ?`,
		string(s.Status), s.Rendered, s.Failed, s.Skipped, s.Error, now, s.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// List retrieves sessions, newest first. A limit of zero or less returns all.
func (r *SessionRepository) List(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Delete removes a session and its events.
func (r *SessionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// MarkInterrupted fails sessions left running by a previous process.
func (r *SessionRepository) MarkInterrupted() (int64, error) {
	result, err := r.db.Exec(
		`UPDATE sessions SET status = 'failed', error = 'interrupted', ended_at = ?
		 WHERE status = 'running'`,
		time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteEndedBefore removes sessions that ended before cutoff, with their
// events and hook runs. Running sessions are kept.
func (r *SessionRepository) DeleteEndedBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM sessions WHERE status != 'running' AND ended_at IS NOT NULL AND ended_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func expectRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
