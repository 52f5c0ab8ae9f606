// Package players implements the player directory (spec §4.G): a
// UUID<->name mapping with case-insensitive lookup, backed by the
// `players` table's generated `name_lower` column.
//
// Grounded on the teacher's graph/store/mysql.go upsert idiom
// (`INSERT ... ON DUPLICATE KEY UPDATE`) for EnsureSeen, generalized from
// checkpoint rows to player first-seen/last-seen bookkeeping (spec §3
// Player invariants: created on first-seen, seen_at updated on join,
// updated_at bumped on any mutation, never destroyed by the core).
package players

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/uuidutil"
)

// Directory implements mincore.PlayerDirectory.
type Directory struct {
	pool *dbpool.Pool
}

// New constructs a Directory bound to pool.
func New(pool *dbpool.Pool) *Directory {
	return &Directory{pool: pool}
}

const opByUUID = "players.byUUID"
const opByName = "players.byName"
const opEnsureSeen = "players.ensureSeen"

// ByUUID looks up a player by their UUID. Returns (nil, nil) if unknown.
func (d *Directory) ByUUID(id [16]byte) (*mincore.Player, error) {
	row := d.pool.DB().QueryRowContext(context.Background(), `
		SELECT uuid, name, name_lower, balance, created_at, updated_at, seen_at
		FROM players WHERE uuid = ?
	`, id[:])
	return scanPlayer(row, opByUUID)
}

// ByName looks up a player by case-insensitive name. Returns
// NAME_AMBIGUOUS if more than one player shares the lowercased name (can
// only happen if the host permitted a rename collision outside this
// core's control, since the core never renames players itself).
func (d *Directory) ByName(name string) (*mincore.Player, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	rows, err := d.pool.DB().QueryContext(context.Background(), `
		SELECT uuid, name, name_lower, balance, created_at, updated_at, seen_at
		FROM players WHERE name_lower = ?
	`, lower)
	if err != nil {
		return nil, mincore.ClassifySQLError(opByName, err)
	}
	defer rows.Close()

	var found []*mincore.Player
	for rows.Next() {
		p, err := scanPlayerRows(rows, opByName)
		if err != nil {
			return nil, err
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mincore.ClassifySQLError(opByName, err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, mincore.NewError(mincore.ErrNameAmbiguous, opByName, "multiple players share this name", nil)
	}
}

// EnsureSeen creates the player row on first-seen, or updates name,
// seen_at, and updated_at on a subsequent join (spec §3 Player
// invariants). Never touches balance.
func (d *Directory) EnsureSeen(id [16]byte, name string, at uint64) error {
	if d.pool.Degraded() {
		return mincore.NewError(mincore.ErrDegradedMode, opEnsureSeen, "writes refused: pool is in Degraded mode", nil)
	}
	_, err := d.pool.DB().ExecContext(context.Background(), `
		INSERT INTO players (uuid, name, balance, created_at, updated_at, seen_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), seen_at = VALUES(seen_at), updated_at = VALUES(updated_at)
	`, id[:], name, at, at, at)
	if err != nil {
		return mincore.ClassifySQLError(opEnsureSeen, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row *sql.Row, op string) (*mincore.Player, error) {
	p, err := scanPlayerRows(row, op)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func scanPlayerRows(row rowScanner, op string) (*mincore.Player, error) {
	var (
		uuidBytes []byte
		p         mincore.Player
		seenAt    sql.NullInt64
	)
	if err := row.Scan(&uuidBytes, &p.Name, &p.NameLower, &p.Balance, &p.CreatedAt, &p.UpdatedAt, &seenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, mincore.ClassifySQLError(op, err)
	}
	u, err := uuidutil.FromBytes(uuidBytes)
	if err != nil {
		return nil, mincore.NewError(mincore.ErrConnectionLost, op, "corrupt uuid column", err)
	}
	p.UUID = u
	if seenAt.Valid {
		v := uint64(seenAt.Int64)
		p.SeenAt = &v
	}
	return &p, nil
}
