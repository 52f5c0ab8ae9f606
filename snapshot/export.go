// Package snapshot implements the JSONL snapshot exporter and importer
// (spec §4.I, §4.J): a consistent, checksummed point-in-time dump of four
// core tables (players, player_attributes, player_event_seq, core_ledger),
// and three restore strategies.
//
// Grounded on the teacher's graph/store/mysql.go transactional
// checkpoint-read pattern (BeginTx + deferred Rollback for a read-only,
// isolation-pinned pass) and its JSON marshal-per-row idiom, generalized
// from a single checkpoint row to a REPEATABLE_READ streaming dump of
// four tables.
package snapshot

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/dbpool"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/uuidutil"
)

// FormatVersion is the JSONL snapshot format tag (spec §4.I header).
const FormatVersion = "jsonl/v1"

// Header is the first line of every snapshot file.
type Header struct {
	Version       string `json:"version"`
	SchemaVersion int    `json:"schemaVersion"`
	GeneratedAt   string `json:"generatedAt"`
	DefaultZone   string `json:"defaultZone"`
}

// Exporter dumps four core tables to a gzip-optional JSONL file
// under REPEATABLE_READ isolation (spec §4.I).
type Exporter struct {
	pool          *dbpool.Pool
	schemaVersion int
	defaultZone   string
	log           *logging.Logger
}

// New constructs an Exporter. defaultZone is the IANA zone name recorded
// in the header (an external/host concern — this core only threads it
// through, per spec §1 "timezone display helpers" being out of scope).
func New(pool *dbpool.Pool, schemaVersion int, defaultZone string, log *logging.Logger) *Exporter {
	if log == nil {
		log = logging.Nop()
	}
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Exporter{pool: pool, schemaVersion: schemaVersion, defaultZone: defaultZone, log: log}
}

// Export runs the spec §4.I dump: one file named with a UTC timestamp,
// optionally gzipped, in outDir, plus a sibling `<file>.sha256`. The dump
// itself runs in a single connection with REPEATABLE_READ and
// autoCommit=false, then is rolled back (read-only; no write).
func (e *Exporter) Export(ctx context.Context, outDir string, gzipOut bool) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to create output directory", err)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("mincore-%s.jsonl", ts)
	if gzipOut {
		name += ".gz"
	}
	path := filepath.Join(outDir, name)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to create snapshot file", err)
	}

	hasher := sha256.New()
	var w io.Writer = io.MultiWriter(f, hasher)
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(w)
		w = gz
	}

	if err := e.dump(ctx, w); err != nil {
		if gz != nil {
			gz.Close()
		}
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to flush gzip writer", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to close snapshot file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to finalize snapshot file", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(path+".sha256", []byte(sum+"\n"), 0o644); err != nil {
		return "", mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to write checksum sidecar", err)
	}

	e.log.Info("export.all", fmt.Sprintf("wrote snapshot %s", path))
	return path, nil
}

// dump writes the header then every table's rows, in the spec §4.I order:
// header, players, attributes, player_event_seq, ledger.
func (e *Exporter) dump(ctx context.Context, w io.Writer) error {
	conn, err := e.pool.DB().Conn(ctx)
	if err != nil {
		return mincore.ClassifySQLError("export.all", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return mincore.ClassifySQLError("export.all", err)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return mincore.ClassifySQLError("export.all", err)
	}
	// The entire dump is read-only and always rolled back — no table is
	// ever written to during export (spec §4.I "then rolled back (no
	// write)").
	defer tx.Rollback()

	enc := json.NewEncoder(w)

	header := Header{Version: FormatVersion, SchemaVersion: e.schemaVersion, GeneratedAt: time.Now().UTC().Format(time.RFC3339), DefaultZone: e.defaultZone}
	if err := enc.Encode(header); err != nil {
		return mincore.NewError(mincore.ErrConnectionLost, "export.all", "failed to write header", err)
	}

	if err := e.dumpPlayers(ctx, tx, enc); err != nil {
		return err
	}
	if err := e.dumpAttributes(ctx, tx, enc); err != nil {
		return err
	}
	if err := e.dumpEventSeq(ctx, tx, enc); err != nil {
		return err
	}
	if err := e.dumpLedger(ctx, tx, enc); err != nil {
		return err
	}
	return nil
}

// playerLine, attributeLine, eventSeqLine, ledgerLine are the per-table
// JSONL row shapes (spec §4.I: UUIDs as canonical strings, null foreign
// UUIDs as empty strings).
type playerLine struct {
	Table     string `json:"table"`
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	CreatedAt uint64 `json:"created_at"`
	UpdatedAt uint64 `json:"updated_at"`
	SeenAt    *uint64 `json:"seen_at,omitempty"`
}

type attributeLine struct {
	Table     string `json:"table"`
	OwnerUUID string `json:"owner_uuid"`
	Key       string `json:"attr_key"`
	ValueJSON string `json:"value_json"`
	CreatedAt uint64 `json:"created_at"`
	UpdatedAt uint64 `json:"updated_at"`
}

type eventSeqLine struct {
	Table string `json:"table"`
	UUID  string `json:"uuid"`
	Seq   uint64 `json:"seq"`
}

type ledgerLine struct {
	Table       string  `json:"table"`
	ID          int64   `json:"id"`
	TS          uint64  `json:"ts"`
	ModuleID    string  `json:"module_id"`
	Op          string  `json:"op"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Amount      int64   `json:"amount"`
	Reason      string  `json:"reason"`
	OK          bool    `json:"ok"`
	Code        string  `json:"code,omitempty"`
	Seq         uint64  `json:"seq"`
	IdemScope   string  `json:"idem_scope,omitempty"`
	IdemKeyHash string  `json:"idem_key_hash,omitempty"`
	OldUnits    *int64  `json:"old_units,omitempty"`
	NewUnits    *int64  `json:"new_units,omitempty"`
	ServerNode  string  `json:"server_node,omitempty"`
	ExtraJSON   string  `json:"extra_json,omitempty"`
	Subject     string  `json:"subject,omitempty"`
}

func (e *Exporter) dumpPlayers(ctx context.Context, tx *sql.Tx, enc *json.Encoder) error {
	rows, err := tx.QueryContext(ctx, `SELECT uuid, name, balance, created_at, updated_at, seen_at FROM players ORDER BY uuid`)
	if err != nil {
		return mincore.ClassifySQLError("export.players", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uuidBytes []byte
		var line playerLine
		var seenAt sql.NullInt64
		if err := rows.Scan(&uuidBytes, &line.Name, &line.Balance, &line.CreatedAt, &line.UpdatedAt, &seenAt); err != nil {
			return mincore.ClassifySQLError("export.players", err)
		}
		var b [16]byte
		copy(b[:], uuidBytes)
		line.Table = "players"
		line.UUID = uuidutil.Canonical(b)
		if seenAt.Valid {
			v := uint64(seenAt.Int64)
			line.SeenAt = &v
		}
		if err := enc.Encode(line); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "export.players", "failed to write row", err)
		}
	}
	return rows.Err()
}

func (e *Exporter) dumpAttributes(ctx context.Context, tx *sql.Tx, enc *json.Encoder) error {
	rows, err := tx.QueryContext(ctx, `SELECT owner_uuid, attr_key, value_json, created_at, updated_at FROM player_attributes ORDER BY owner_uuid, attr_key`)
	if err != nil {
		return mincore.ClassifySQLError("export.attributes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uuidBytes []byte
		var line attributeLine
		if err := rows.Scan(&uuidBytes, &line.Key, &line.ValueJSON, &line.CreatedAt, &line.UpdatedAt); err != nil {
			return mincore.ClassifySQLError("export.attributes", err)
		}
		var b [16]byte
		copy(b[:], uuidBytes)
		line.Table = "player_attributes"
		line.OwnerUUID = uuidutil.Canonical(b)
		if err := enc.Encode(line); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "export.attributes", "failed to write row", err)
		}
	}
	return rows.Err()
}

func (e *Exporter) dumpEventSeq(ctx context.Context, tx *sql.Tx, enc *json.Encoder) error {
	rows, err := tx.QueryContext(ctx, `SELECT uuid, seq FROM player_event_seq ORDER BY uuid`)
	if err != nil {
		return mincore.ClassifySQLError("export.eventSeq", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uuidBytes []byte
		var line eventSeqLine
		if err := rows.Scan(&uuidBytes, &line.Seq); err != nil {
			return mincore.ClassifySQLError("export.eventSeq", err)
		}
		var b [16]byte
		copy(b[:], uuidBytes)
		line.Table = "player_event_seq"
		line.UUID = uuidutil.Canonical(b)
		if err := enc.Encode(line); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "export.eventSeq", "failed to write row", err)
		}
	}
	return rows.Err()
}

func (e *Exporter) dumpLedger(ctx context.Context, tx *sql.Tx, enc *json.Encoder) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code, seq, idem_scope, idem_key_hash, old_units, new_units, server_node, extra_json, subject_uuid
		FROM core_ledger ORDER BY id
	`)
	if err != nil {
		return mincore.ClassifySQLError("export.ledger", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fromBytes, toBytes, subjectBytes []byte
		var code, idemScope, idemKeyHash, serverNode, extraJSON sql.NullString
		var oldUnits, newUnits sql.NullInt64
		var line ledgerLine
		if err := rows.Scan(&line.ID, &line.TS, &line.ModuleID, &line.Op, &fromBytes, &toBytes, &line.Amount, &line.Reason, &line.OK, &code, &line.Seq, &idemScope, &idemKeyHash, &oldUnits, &newUnits, &serverNode, &extraJSON, &subjectBytes); err != nil {
			return mincore.ClassifySQLError("export.ledger", err)
		}
		line.Table = "core_ledger"
		line.From = canonicalOrEmpty(fromBytes)
		line.To = canonicalOrEmpty(toBytes)
		line.Subject = canonicalOrEmpty(subjectBytes)
		line.Code = code.String
		line.IdemScope = idemScope.String
		line.IdemKeyHash = idemKeyHash.String
		line.ServerNode = serverNode.String
		line.ExtraJSON = extraJSON.String
		if oldUnits.Valid {
			v := oldUnits.Int64
			line.OldUnits = &v
		}
		if newUnits.Valid {
			v := newUnits.Int64
			line.NewUnits = &v
		}
		if err := enc.Encode(line); err != nil {
			return mincore.NewError(mincore.ErrConnectionLost, "export.ledger", "failed to write row", err)
		}
	}
	return rows.Err()
}

func canonicalOrEmpty(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	var arr [16]byte
	copy(arr[:], b)
	return uuidutil.Canonical(arr)
}

// snapshotFile pairs a candidate snapshot file's path with its mtime for
// Prune's age/count sort.
type snapshotFile struct {
	path    string
	modTime time.Time
}

// Prune drops the oldest snapshot files in outDir until at most keepMax
// remain, and additionally drops files older than keepDays days. The
// just-written file (exempt) is never pruned (spec §4.I Retention).
func (e *Exporter) Prune(outDir string, keepDays, keepMax int, exempt string) error {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return mincore.NewError(mincore.ErrConnectionLost, "export.prune", "failed to list output directory", err)
	}

	var files []snapshotFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "mincore-") || strings.HasSuffix(name, ".sha256") {
			continue
		}
		path := filepath.Join(outDir, name)
		if path == exempt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{path: path, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	now := time.Now()
	var toDelete []string
	if keepMax > 0 && len(files) > keepMax {
		toDelete = append(toDelete, pathsOf(files[:len(files)-keepMax])...)
		files = files[len(files)-keepMax:]
	}
	if keepDays > 0 {
		cutoff := now.AddDate(0, 0, -keepDays)
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				toDelete = append(toDelete, f.path)
			}
		}
	}

	for _, p := range toDelete {
		_ = os.Remove(p)
		_ = os.Remove(p + ".sha256")
	}
	return nil
}

func pathsOf(files []snapshotFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}
