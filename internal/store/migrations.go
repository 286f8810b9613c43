package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// One row per pipeline run
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('running', 'finished', 'failed')),
			detector TEXT NOT NULL DEFAULT '',
			source_width INTEGER NOT NULL DEFAULT 0,
			source_height INTEGER NOT NULL DEFAULT 0,
			display_width INTEGER NOT NULL DEFAULT 0,
			display_height INTEGER NOT NULL DEFAULT 0,
			rendered INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,

		// Mood transitions observed during a session
		`CREATE TABLE IF NOT EXISTS mood_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			score REAL NOT NULL,
			box_x REAL NOT NULL,
			box_y REAL NOT NULL,
			box_width REAL NOT NULL,
			box_height REAL NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		// Hook executions triggered by mood transitions
		`CREATE TABLE IF NOT EXISTS hook_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			hook_name TEXT NOT NULL,
			mood TEXT NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_mood_events_session_id ON mood_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_hook_runs_session_id ON hook_runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
