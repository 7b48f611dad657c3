package database

import (
	"database/sql"
	"embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// backupsToKeep bounds how many pre-migration snapshots stay next to the database
const backupsToKeep = 3

// Migration is one numbered schema change, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// initMigrations ensures the schema_migrations table exists
func initMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration, or 0
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// loadMigrations reads the embedded migrations sorted by version
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		// Filenames look like 001_initial.sql
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		_, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(rest, ".sql"),
			SQL:     string(content),
		})
	}

	// Sort by version
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// backupDatabase snapshots the live database with VACUUM INTO. The pools run in
// WAL mode, so copying the main file alone would miss committed messages that
// have not been checkpointed yet.
func backupDatabase(db *sql.DB, dbPath string, currentVersion int) (string, error) {
	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, currentVersion, time.Now().Format("20060102-150405.000"))

	quoted := "'" + strings.ReplaceAll(backupPath, "'", "''") + "'"
	if _, err := db.Exec("VACUUM INTO " + quoted); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return backupPath, nil
}

// pruneBackups removes all but the newest keep backups of dbPath
func pruneBackups(dbPath string, keep int) error {
	paths, err := filepath.Glob(dbPath + ".backup-v*")
	if err != nil {
		return err
	}
	if len(paths) <= keep {
		return nil
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: p, modTime: info.ModTime()})
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})

	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.path); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		log.Printf("Removed old database backup: %s", filepath.Base(b.path))
	}
	return nil
}

// runMigrations applies every migration newer than the recorded schema version
func runMigrations(db *sql.DB, dbPath string, migrations []Migration) error {
	// Ensure migrations table exists
	if err := initMigrations(db); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	// Filter to pending migrations
	var pending []Migration
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// A database with tables but no recorded version predates the migration system
	if current > 0 || hasUserTables(db) {
		if _, err := backupDatabase(db, dbPath, current); err != nil {
			return err
		}
		if err := pruneBackups(dbPath, backupsToKeep); err != nil {
			log.Printf("Backup cleanup failed: %v", err)
		}
	}

	log.Printf("Migrating schema from version %d to %d", current, pending[len(pending)-1].Version)

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}

	return nil
}

func hasUserTables(db *sql.DB) bool {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT IN ('schema_migrations') AND name NOT LIKE 'sqlite_%'
	`).Scan(&count)
	return err == nil && count > 0
}

// applyMigration applies a single migration in a transaction
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Execute the migration SQL
	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	// Record the migration
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
