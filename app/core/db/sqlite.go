package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

type DB struct {
	conn *sql.DB
	path string
}

type migrationError struct {
	backupPath string
	cause      error
}

func (e *migrationError) Error() string {
	return e.cause.Error()
}

func (e *migrationError) Unwrap() error {
	return e.cause
}

func NewSQLiteDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "reception.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// database/sql pools connections; SQLite write serialization wants one.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if _, err := conn.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	database := &DB{conn: conn, path: dbPath}
	if err := database.initSchema(); err != nil {
		_ = conn.Close()

		var migrateErr *migrationError
		if errors.As(err, &migrateErr) && migrateErr.backupPath != "" {
			if rollbackErr := restoreFromBackup(migrateErr.backupPath, dbPath); rollbackErr != nil {
				return nil, fmt.Errorf("failed to init schema: %w; rollback from %s also failed: %v", migrateErr.cause, migrateErr.backupPath, rollbackErr)
			}
			return nil, fmt.Errorf("failed to init schema (rolled back from %s): %w", migrateErr.backupPath, migrateErr.cause)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func (d *DB) initSchema() error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version, err := readSchemaVersion(tx)
	if err != nil {
		return err
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	var backupPath string
	if version > 0 && version < currentSchemaVersion {
		backupPath, err = d.createMigrationBackup()
		if err != nil {
			return fmt.Errorf("create migration backup: %w", err)
		}
	}

	if err := applyMigrations(tx, version); err != nil {
		if backupPath != "" {
			return &migrationError{backupPath: backupPath, cause: err}
		}
		return err
	}

	return tx.Commit()
}

func readSchemaVersion(tx *sql.Tx) (int, error) {
	var versionText string
	err := tx.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, parseErr := strconv.Atoi(versionText)
	if parseErr != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionText, parseErr)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid schema version %d", version)
	}
	return version, nil
}

func applyMigrations(tx *sql.Tx, version int) error {
	for version < currentSchemaVersion {
		nextVersion, err := applyNextMigration(tx, version)
		if err != nil {
			return err
		}
		if err := writeSchemaVersion(tx, nextVersion); err != nil {
			return err
		}
		version = nextVersion
	}
	return nil
}

func applyNextMigration(tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		if err := migrateToReceptionCoreSchema(tx); err != nil {
			return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
		}
		return 1, nil
	case 1:
		if err := migrateToSMSOutbox(tx); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	default:
		return version, fmt.Errorf("unsupported schema migration source version %d", version)
	}
}

func migrateToReceptionCoreSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS staff (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL UNIQUE,
	active INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	phone TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL DEFAULT 'customer',
	display_name TEXT,
	last_message TEXT,
	last_time TEXT
);`,
		`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conv_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	text TEXT NOT NULL,
	time TEXT NOT NULL,
	meta JSON,
	FOREIGN KEY(conv_id) REFERENCES conversations(id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_time ON messages(conv_id, time ASC)`,
		`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	conv_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	contact_phone TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	start_time TEXT,
	duration_min INTEGER NOT NULL DEFAULT 60,
	staff_id TEXT,
	status TEXT NOT NULL DEFAULT 'TODO',
	hold_expires_at TEXT,
	created_time TEXT NOT NULL,
	updated_time TEXT NOT NULL,
	FOREIGN KEY(conv_id) REFERENCES conversations(id) ON DELETE SET NULL,
	FOREIGN KEY(staff_id) REFERENCES staff(id) ON DELETE SET NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conv_status ON tasks(conv_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_staff_status ON tasks(staff_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_hold_expiry ON tasks(status, hold_expires_at)`,
		// exact-match guard only; the overlap check in the booking store is the
		// real invariant, this index just hard-stops identical start times.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_tasks_staff_start_active
ON tasks(staff_id, start_time)
WHERE staff_id IS NOT NULL AND start_time IS NOT NULL AND status IN ('HOLD','CONFIRMED','IN_PROGRESS')`,
		`CREATE TABLE IF NOT EXISTS staff_requests (
	id TEXT PRIMARY KEY,
	staff_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	start_time TEXT,
	end_time TEXT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_time TEXT NOT NULL,
	updated_time TEXT NOT NULL,
	FOREIGN KEY(staff_id) REFERENCES staff(id) ON DELETE CASCADE
);`,
		`CREATE TABLE IF NOT EXISTS kb_entries (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 1,
	updated_time TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateToSMSOutbox(tx *sql.Tx) error {
	createOutbox := `
CREATE TABLE IF NOT EXISTS sms_outbox (
	id TEXT PRIMARY KEY,
	phone TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	provider_msg_id TEXT,
	last_error TEXT,
	created_time TEXT NOT NULL,
	updated_time TEXT NOT NULL
);`
	if _, err := tx.Exec(createOutbox); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sms_outbox_status_created ON sms_outbox(status, created_time ASC)`); err != nil {
		return err
	}
	return nil
}

func writeSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(`
INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(version)); err != nil {
		return err
	}
	return nil
}

func (d *DB) createMigrationBackup() (string, error) {
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	backupPath := fmt.Sprintf("%s.migration-%d.bak", d.path, time.Now().Unix())
	if err := copyFile(d.path, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

func restoreFromBackup(backupPath, dbPath string) error {
	if err := copyFile(backupPath, dbPath); err != nil {
		return err
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) Close() error {
	return d.conn.Close()
}
