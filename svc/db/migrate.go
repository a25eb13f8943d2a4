package db

import (
	"context"
	"database/sql"

	"pastebook/svc/util"

	"github.com/pkg/errors"
)

// migrations are applied in order, each in its own transaction. Versions
// past 1 add the optional schema elements the repository can run without.
var migrations = []struct {
	Version int
	Name    string
	SQL     string
}{
	{
		Version: 1,
		Name:    "create_pastes",
		SQL: `
		CREATE TABLE IF NOT EXISTS pastes (
			id          TEXT     PRIMARY KEY,
			title       TEXT     NOT NULL DEFAULT '',
			content     TEXT,
			expires_at  DATETIME,
			is_private  INTEGER  NOT NULL DEFAULT 0,
			is_editable INTEGER  NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
		`,
	},
	{
		Version: 2,
		Name:    "add_paste_alias",
		SQL: `
		ALTER TABLE pastes ADD COLUMN alias TEXT;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pastes_alias ON pastes(lower(alias)) WHERE alias IS NOT NULL;
		`,
	},
	{
		Version: 3,
		Name:    "add_paste_password",
		SQL:     `ALTER TABLE pastes ADD COLUMN password_hash TEXT;`,
	},
	{
		Version: 4,
		Name:    "add_paste_view_count",
		SQL:     `ALTER TABLE pastes ADD COLUMN view_count INTEGER NOT NULL DEFAULT 0;`,
	},
	{
		Version: 5,
		Name:    "create_blocks",
		SQL: `
		ALTER TABLE pastes ADD COLUMN style TEXT NOT NULL DEFAULT 'flat';
		CREATE TABLE IF NOT EXISTS blocks (
			id       TEXT    PRIMARY KEY,
			paste_id TEXT    NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
			content  TEXT    NOT NULL,
			language TEXT    NOT NULL DEFAULT 'text',
			position INTEGER NOT NULL,
			UNIQUE (paste_id, position)
		);
		`,
	},
	{
		Version: 6,
		Name:    "create_files",
		SQL: `
		CREATE TABLE IF NOT EXISTS files (
			id            TEXT     PRIMARY KEY,
			paste_id      TEXT     NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
			original_name TEXT     NOT NULL,
			mime_type     TEXT     NOT NULL,
			size          INTEGER  NOT NULL,
			content       BLOB,
			blob_key      TEXT,
			sealed_dek    BLOB,
			created_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_paste_id ON files(paste_id);
		`,
	},
}

// LatestVersion is the schema version Migrate brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// Migrate applies every pending migration.
func (s *SQLite) Migrate(ctx context.Context) error {
	return s.MigrateTo(ctx, LatestVersion())
}

// MigrateTo applies pending migrations up to and including version.
func (s *SQLite) MigrateTo(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER  PRIMARY KEY,
			name       TEXT     NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(err, "create migrations table")
	}
	for _, m := range migrations {
		if m.Version > version {
			break
		}
		var exists bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.Version,
		).Scan(&exists)
		if err != nil {
			return errors.Wrapf(err, "check migration %d", m.Version)
		}
		if exists {
			continue
		}
		if err := s.applyMigration(ctx, m.Version, m.Name, m.SQL); err != nil {
			return err
		}
		util.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}
	return nil
}
func (s *SQLite) applyMigration(ctx context.Context, version int, name, stmt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin migration %d", version)
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute migration %d (%s)", version, name)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", version, name); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record migration %d", version)
	}
	return errors.Wrapf(tx.Commit(), "commit migration %d", version)
}

// SchemaVersion reports the highest applied migration, 0 for an empty database.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if IsSchemaError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "schema version")
	}
	return int(v.Int64), nil
}
