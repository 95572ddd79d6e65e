package store

func (s *Store) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS inferences (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			device TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT '',
			boxes INTEGER NOT NULL DEFAULT 0,
			labels TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inferences_model ON inferences(model)`,
		`CREATE INDEX IF NOT EXISTS idx_inferences_created_at ON inferences(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}
