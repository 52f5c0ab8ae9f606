// Package schema applies the fixed, ordered DDL sequence for the core's
// five tables plus core_schema_version (spec §3, §4.B), and records the
// runtime schema version only after every statement in a pass succeeds.
//
// Grounded on the teacher's graph/store/mysql.go createTables: a sequence
// of `CREATE TABLE IF NOT EXISTS ... ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
// statements executed in order against the pool's *sql.DB. This package
// extends that idiom with additive-only guards (querying
// information_schema before issuing ALTER) since the teacher's store only
// ever creates brand-new tables and never needs to evolve an existing one.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
)

// CurrentSchemaVersion is bumped whenever the statements below change in a
// way that affects on-disk shape. The snapshot importer (spec §4.J) gates
// on this matching the version recorded in a JSONL header.
const CurrentSchemaVersion = 2

// Manager applies and reports the schema version.
type Manager struct {
	pool *dbpool.Pool
}

// New constructs a Manager bound to pool.
func New(pool *dbpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// statements is the fixed, ordered DDL sequence (spec §4.B). Every table
// uses utf8mb4 and InnoDB (row format supporting large payloads, per §6).
var statements = []string{
	`CREATE TABLE IF NOT EXISTS core_schema_version (
		version INT NOT NULL PRIMARY KEY,
		applied_at BIGINT UNSIGNED NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS players (
		uuid BINARY(16) NOT NULL PRIMARY KEY,
		name VARCHAR(64) NOT NULL,
		name_lower VARCHAR(64) AS (LOWER(name)) STORED,
		balance BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT UNSIGNED NOT NULL,
		updated_at BIGINT UNSIGNED NOT NULL,
		seen_at BIGINT UNSIGNED NULL,
		CONSTRAINT chk_players_balance_nonneg CHECK (balance >= 0),
		KEY idx_players_name_lower (name_lower)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS player_event_seq (
		uuid BINARY(16) NOT NULL PRIMARY KEY,
		seq BIGINT UNSIGNED NOT NULL DEFAULT 0
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS core_requests (
		scope VARCHAR(64) NOT NULL,
		key_hash CHAR(64) NOT NULL,
		payload_hash CHAR(64) NOT NULL,
		ok TINYINT(1) NOT NULL DEFAULT 0,
		created_at BIGINT UNSIGNED NOT NULL,
		expires_at BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (scope, key_hash),
		KEY idx_core_requests_expires (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS player_attributes (
		owner_uuid BINARY(16) NOT NULL,
		attr_key VARCHAR(128) NOT NULL,
		value_json JSON NOT NULL,
		created_at BIGINT UNSIGNED NOT NULL,
		updated_at BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (owner_uuid, attr_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS core_ledger (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		ts BIGINT UNSIGNED NOT NULL,
		module_id VARCHAR(64) NOT NULL,
		op VARCHAR(32) NOT NULL,
		from_uuid BINARY(16) NULL,
		to_uuid BINARY(16) NULL,
		amount BIGINT NOT NULL,
		reason VARCHAR(64) NOT NULL,
		ok TINYINT(1) NOT NULL,
		code VARCHAR(32) NULL,
		seq BIGINT UNSIGNED NOT NULL,
		idem_scope VARCHAR(64) NULL,
		idem_key_hash CHAR(64) NULL,
		old_units BIGINT NULL,
		new_units BIGINT NULL,
		server_node VARCHAR(64) NULL,
		extra_json JSON NULL,
		subject_uuid BINARY(16) NULL,
		KEY idx_core_ledger_from (from_uuid),
		KEY idx_core_ledger_to (to_uuid),
		KEY idx_core_ledger_module (module_id),
		KEY idx_core_ledger_reason (reason),
		KEY idx_core_ledger_subject (subject_uuid)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// Apply runs every statement in statements, in order. It stops at the
// first failure (without recording a version, per spec §4.B) and
// otherwise records CurrentSchemaVersion via RecordVersion.
func (m *Manager) Apply() error {
	ctx := context.Background()
	db := m.pool.DB()
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "schema.apply", fmt.Sprintf("statement %d failed", i), err)
		}
	}
	if err := m.ensureAdditiveColumns(ctx, db); err != nil {
		return err
	}
	return m.RecordVersion(CurrentSchemaVersion)
}

// ensureAdditiveColumns queries information_schema before issuing any
// ALTER, so repeated boots never fail on "column already exists" and the
// core only ever adds columns/indexes, never drops or narrows them (spec
// §1 non-goals: "idempotent additive DDL" only).
func (m *Manager) ensureAdditiveColumns(ctx context.Context, db *sql.DB) error {
	if err := m.ensureColumn(ctx, db, "core_ledger", "extra_json", `ALTER TABLE core_ledger ADD COLUMN extra_json JSON NULL`); err != nil {
		return err
	}
	// v2: subject_uuid disambiguates which participant a transfer's two
	// ledger rows each describe, since from_uuid/to_uuid are identical on
	// both rows but seq/old_units/new_units are per-subject.
	if err := m.ensureColumn(ctx, db, "core_ledger", "subject_uuid", `ALTER TABLE core_ledger ADD COLUMN subject_uuid BINARY(16) NULL`); err != nil {
		return err
	}
	return m.ensureIndex(ctx, db, "core_ledger", "idx_core_ledger_subject", `ALTER TABLE core_ledger ADD KEY idx_core_ledger_subject (subject_uuid)`)
}

func (m *Manager) ensureColumn(ctx context.Context, db *sql.DB, table, column, alter string) error {
	var exists int
	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?
	`, table, column)
	if err := row.Scan(&exists); err != nil {
		return mincore.NewError(mincore.ErrConnectionLost, "schema.ensureAdditiveColumns", "information_schema query failed", err)
	}
	if exists == 0 {
		if _, err := db.ExecContext(ctx, alter); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "schema.ensureAdditiveColumns", fmt.Sprintf("failed to add %s.%s", table, column), err)
		}
	}
	return nil
}

func (m *Manager) ensureIndex(ctx context.Context, db *sql.DB, table, index, alter string) error {
	var exists int
	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND INDEX_NAME = ?
	`, table, index)
	if err := row.Scan(&exists); err != nil {
		return mincore.NewError(mincore.ErrConnectionLost, "schema.ensureAdditiveColumns", "information_schema query failed", err)
	}
	if exists == 0 {
		if _, err := db.ExecContext(ctx, alter); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "schema.ensureAdditiveColumns", fmt.Sprintf("failed to add index %s on %s", index, table), err)
		}
	}
	return nil
}

// RecordVersion inserts version into core_schema_version if not already
// present (spec §3: "Exactly one row per version ever applied").
func (m *Manager) RecordVersion(version int) error {
	_, err := m.pool.DB().ExecContext(context.Background(), `
		INSERT IGNORE INTO core_schema_version (version, applied_at) VALUES (?, ?)
	`, version, mincore.Now())
	if err != nil {
		return mincore.NewError(mincore.ErrConnectionLost, "schema.recordVersion", "failed to record schema version", err)
	}
	return nil
}

// CurrentVersion returns the highest recorded schema version, implementing
// mincore.SchemaManager.
func (m *Manager) CurrentVersion() (int, error) {
	var version sql.NullInt64
	row := m.pool.DB().QueryRowContext(context.Background(), `SELECT MAX(version) FROM core_schema_version`)
	if err := row.Scan(&version); err != nil {
		return 0, mincore.NewError(mincore.ErrConnectionLost, "schema.currentVersion", "failed to read schema version", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
