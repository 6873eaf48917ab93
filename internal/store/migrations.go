package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "observations: consolidated warm-tier records",
		SQL: `
CREATE TABLE observations (
    seq             INTEGER PRIMARY KEY,
    id              TEXT NOT NULL UNIQUE,
    content         TEXT NOT NULL,
    full_content    TEXT NOT NULL DEFAULT '',
    importance      REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),
    source          TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    meta_text       TEXT NOT NULL DEFAULT '',
    captured_at     INTEGER NOT NULL,
    tier            TEXT NOT NULL DEFAULT 'warm' CHECK (tier IN ('hot', 'warm', 'cold')),
    consolidated_at INTEGER NOT NULL
);

CREATE INDEX idx_obs_captured ON observations(captured_at DESC);
CREATE INDEX idx_obs_source   ON observations(source);
`,
	},
	{
		Version:     2,
		Description: "observations_fts: full-text index over observation text",
		SQL: `
CREATE VIRTUAL TABLE observations_fts USING fts5(
    content, full_content, source, meta_text,
    content='observations', content_rowid='seq'
);

CREATE TRIGGER observations_ai AFTER INSERT ON observations BEGIN
    INSERT INTO observations_fts(rowid, content, full_content, source, meta_text)
    VALUES (NEW.seq, NEW.content, NEW.full_content, NEW.source, NEW.meta_text);
END;

CREATE TRIGGER observations_ad AFTER DELETE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, content, full_content, source, meta_text)
    VALUES ('delete', OLD.seq, OLD.content, OLD.full_content, OLD.source, OLD.meta_text);
END;

CREATE TRIGGER observations_au AFTER UPDATE ON observations BEGIN
    INSERT INTO observations_fts(observations_fts, rowid, content, full_content, source, meta_text)
    VALUES ('delete', OLD.seq, OLD.content, OLD.full_content, OLD.source, OLD.meta_text);
    INSERT INTO observations_fts(rowid, content, full_content, source, meta_text)
    VALUES (NEW.seq, NEW.content, NEW.full_content, NEW.source, NEW.meta_text);
END;
`,
	},
	{
		Version:     3,
		Description: "observation_vectors: embedding blobs for semantic search",
		SQL: `
CREATE TABLE observation_vectors (
    obs_id     TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (obs_id) REFERENCES observations(id) ON DELETE CASCADE
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
