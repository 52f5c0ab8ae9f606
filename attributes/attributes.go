// Package attributes implements the per-owner JSON key/value store (spec
// §4.F): `player_attributes` rows constrained to valid JSON no larger
// than mincore.MaxAttributeValueBytes.
//
// Grounded on the teacher's graph/store/mysql.go checkpoint-row
// upsert pattern (`INSERT ... ON DUPLICATE KEY UPDATE`), the smallest of
// this core's components and the one needing the least generalization
// from the teacher's shape.
package attributes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
)

// Store implements mincore.AttributeStore.
type Store struct {
	pool *dbpool.Pool
}

// New constructs a Store bound to pool.
func New(pool *dbpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	opGet = "attributes.get"
	opSet = "attributes.set"
)

// Get returns the raw JSON value for (owner, key), or (``, false, nil) if
// absent.
func (s *Store) Get(owner [16]byte, key string) (string, bool, error) {
	var value string
	row := s.pool.DB().QueryRowContext(context.Background(), `
		SELECT value_json FROM player_attributes WHERE owner_uuid = ? AND attr_key = ?
	`, owner[:], key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, mincore.ClassifySQLError(opGet, err)
	}
	return value, true, nil
}

// Set validates valueJSON parses as JSON and fits within
// mincore.MaxAttributeValueBytes (spec §3 Attribute invariants), then
// upserts the row.
func (s *Store) Set(owner [16]byte, key string, valueJSON string) error {
	if s.pool.Degraded() {
		return mincore.NewError(mincore.ErrDegradedMode, opSet, "writes refused: pool is in Degraded mode", nil)
	}
	if len(valueJSON) > mincore.MaxAttributeValueBytes {
		return mincore.NewError(mincore.ErrInvalidAmount, opSet, fmt.Sprintf("value exceeds %d bytes", mincore.MaxAttributeValueBytes), nil)
	}
	if !json.Valid([]byte(valueJSON)) {
		return mincore.NewError(mincore.ErrInvalidAmount, opSet, "value is not valid JSON", nil)
	}
	now := mincore.Now()
	_, err := s.pool.DB().ExecContext(context.Background(), `
		INSERT INTO player_attributes (owner_uuid, attr_key, value_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), updated_at = VALUES(updated_at)
	`, owner[:], key, valueJSON, now, now)
	if err != nil {
		return mincore.ClassifySQLError(opSet, err)
	}
	return nil
}

// Delete removes the attribute row for (owner, key), if present.
func (s *Store) Delete(owner [16]byte, key string) error {
	if s.pool.Degraded() {
		return mincore.NewError(mincore.ErrDegradedMode, "attributes.delete", "writes refused: pool is in Degraded mode", nil)
	}
	_, err := s.pool.DB().ExecContext(context.Background(), `
		DELETE FROM player_attributes WHERE owner_uuid = ? AND attr_key = ?
	`, owner[:], key)
	if err != nil {
		return mincore.ClassifySQLError("attributes.delete", err)
	}
	return nil
}

// All returns every attribute key/value pair for owner.
func (s *Store) All(owner [16]byte) (map[string]string, error) {
	rows, err := s.pool.DB().QueryContext(context.Background(), `
		SELECT attr_key, value_json FROM player_attributes WHERE owner_uuid = ?
	`, owner[:])
	if err != nil {
		return nil, mincore.ClassifySQLError("attributes.all", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, mincore.ClassifySQLError("attributes.all", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
