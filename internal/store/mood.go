package store

import (
	"database/sql"
	"time"
)

// MoodEvent records a change of the primary face's top expression.
type MoodEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// MoodRepository stores mood events.
type MoodRepository struct {
	db *sql.DB
}

// Moods returns the mood event repository for this store.
func (s *Store) Moods() *MoodRepository {
	return &MoodRepository{db: s.db}
}

// Add inserts an event and sets its ID.
func (r *MoodRepository) Add(e *MoodEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	result, err := r.db.Exec(
		`INSERT INTO mood_events (session_id, label, score, box_x, box_y, box_width, box_height, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Label, e.Score, e.X, e.Y, e.Width, e.Height, e.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// GetBySessionID lists a session's events in order.
func (r *MoodRepository) GetBySessionID(sessionID string) ([]MoodEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, session_id, label, score, box_x, box_y, box_width, box_height, created_at
		 FROM mood_events
		 WHERE session_id = ?
		 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MoodEvent
	for rows.Next() {
		var e MoodEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Label, &e.Score, &e.X, &e.Y, &e.Width, &e.Height, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// Summary counts a session's events per label.
func (r *MoodRepository) Summary(sessionID string) (map[string]int, error) {
	rows, err := r.db.Query(
		`SELECT label, COUNT(*) FROM mood_events WHERE session_id = ? GROUP BY label`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}

	return counts, rows.Err()
}
