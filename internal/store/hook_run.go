package store

import (
	"database/sql"
	"time"
)

// HookRun records one hook execution.
type HookRun struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	HookName   string    `json:"hook_name"`
	Mood       string    `json:"mood"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// HookRunRepository stores hook executions.
type HookRunRepository struct {
	db *sql.DB
}

// HookRuns returns the hook run repository for this store.
func (s *Store) HookRuns() *HookRunRepository {
	return &HookRunRepository{db: s.db}
}

// Create inserts a hook run.
func (r *HookRunRepository) Create(h *HookRun) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	success := 0
	if h.Success {
		success = 1
	}

	_, err := r.db.Exec(
		`INSERT INTO hook_runs (id, session_id, hook_name, mood, success, message, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SessionID, h.HookName, h.Mood, success, h.Message, h.DurationMS, h.CreatedAt,
	)
	return err
}

// GetBySessionID lists a session's hook runs, oldest first.
func (r *HookRunRepository) GetBySessionID(sessionID string) ([]*HookRun, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, hook_name, mood, success, message, duration_ms, created_at
		 FROM hook_runs WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*HookRun
	for rows.Next() {
		h := &HookRun{}
		var success int

		err := rows.Scan(&h.ID, &h.SessionID, &h.HookName, &h.Mood, &success, &h.Message, &h.DurationMS, &h.CreatedAt)
		if err != nil {
			return nil, err
		}

		h.Success = success != 0
		runs = append(runs, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}
