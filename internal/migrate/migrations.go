// Package migrate creates and upgrades the workspace schema: sessions,
// requirements, retry counters, stage records, the audit event log and API
// keys. Versioned SQL files are embedded at build time and applied in order
// inside one transaction, tracked through a schema_version table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	up      string
}

// Migrate brings the database to the newest embedded schema version.
// Versions at or below the recorded one are skipped; any failure rolls the
// whole batch back.
func Migrate(db *sql.DB) error {
	pending, err := embeddedMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
		current = m.version
	}
	return tx.Commit()
}

func embeddedMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return nil, fmt.Errorf("migration %s has no numeric version prefix: %w", name, err)
		}
		data, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: version, name: name, up: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
