// Package sqldb implements db.Backend over an embedded SQL engine
// (modernc.org/sqlite, pure Go and cgo-free — the teacher's own choice
// of driver), mapping the five logical tables from spec.md §3 onto
// durable SQL tables instead of a single serialized blob.
package sqldb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forgebuild/forge/internal/db"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// Backend is the relational (SQL) engine.
type Backend struct {
	conn *sql.DB
}

// New returns an unconnected SQL backend.
func New() *Backend {
	return &Backend{}
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path   TEXT PRIMARY KEY,
	mtime  INTEGER NOT NULL,
	digest BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS functions (
	name   TEXT PRIMARY KEY,
	digest TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	call_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	func_name TEXT NOT NULL,
	bound     TEXT NOT NULL,
	result    BLOB,
	UNIQUE(func_name, bound)
);

CREATE INDEX IF NOT EXISTS idx_calls_func ON calls(func_name);

CREATE TABLE IF NOT EXISTS call_files (
	call_id INTEGER NOT NULL,
	name    TEXT NOT NULL,
	path    TEXT NOT NULL,
	digest  BLOB NOT NULL,
	PRIMARY KEY (call_id, path)
);

CREATE TABLE IF NOT EXISTS external_srcs (
	call_id INTEGER NOT NULL,
	name    TEXT NOT NULL,
	path    TEXT NOT NULL,
	PRIMARY KEY (call_id, name, path)
);

CREATE TABLE IF NOT EXISTS external_dsts (
	call_id INTEGER NOT NULL,
	name    TEXT NOT NULL,
	path    TEXT NOT NULL,
	PRIMARY KEY (call_id, name, path)
);
`

// Connect opens (creating if necessary) the sqlite-backed state file in
// WAL mode with a busy timeout, the same connection-string idiom the
// teacher's core.Engine uses for its session database.
func (b *Backend) Connect(path string) error {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return forgeerr.NewDatabaseError("open sql state file", err)
	}
	if err := conn.Ping(); err != nil {
		return forgeerr.NewDatabaseError("ping sql state file", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		return forgeerr.NewDatabaseError("init schema", err)
	}
	b.conn = conn
	return nil
}

// Close checkpoints the WAL and closes the connection. Per spec.md §5
// this must not be interruptible by the cancel signal; the driver masks
// SIGINT around the call rather than this method doing anything special.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	_, _ = b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := b.conn.Close(); err != nil {
		return forgeerr.NewDatabaseError("close sql state file", err)
	}
	return nil
}

func (b *Backend) FindFunction(name string) (string, bool, error) {
	var digest string
	err := b.conn.QueryRow("SELECT digest FROM functions WHERE name = ?", name).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, forgeerr.NewDatabaseError("find function", err)
	}
	return digest, true, nil
}

// SaveFunction overwrites the function's digest, cascading a delete of
// every call (and its call-files / external-deps) when the digest
// changed, inside a single transaction so the invalidation is atomic
// from the perspective of any later query in this process.
func (b *Backend) SaveFunction(name, digest string) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return forgeerr.NewDatabaseError("begin save function", err)
	}
	defer tx.Rollback()

	var prev string
	existed := true
	if err := tx.QueryRow("SELECT digest FROM functions WHERE name = ?", name).Scan(&prev); err == sql.ErrNoRows {
		existed = false
	} else if err != nil {
		return forgeerr.NewDatabaseError("find function", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO functions (name, digest) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET digest = excluded.digest
	`, name, digest); err != nil {
		return forgeerr.NewDatabaseError("save function", err)
	}

	if existed && prev != digest {
		if err := cascadeDeleteCalls(tx, name); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func cascadeDeleteCalls(tx *sql.Tx, funcName string) error {
	rows, err := tx.Query("SELECT call_id FROM calls WHERE func_name = ?", funcName)
	if err != nil {
		return forgeerr.NewDatabaseError("list calls for cascade", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return forgeerr.NewDatabaseError("scan call id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM call_files WHERE call_id = ?", id); err != nil {
			return forgeerr.NewDatabaseError("cascade delete call files", err)
		}
		if _, err := tx.Exec("DELETE FROM external_srcs WHERE call_id = ?", id); err != nil {
			return forgeerr.NewDatabaseError("cascade delete external srcs", err)
		}
		if _, err := tx.Exec("DELETE FROM external_dsts WHERE call_id = ?", id); err != nil {
			return forgeerr.NewDatabaseError("cascade delete external dsts", err)
		}
	}
	if _, err := tx.Exec("DELETE FROM calls WHERE func_name = ?", funcName); err != nil {
		return forgeerr.NewDatabaseError("cascade delete calls", err)
	}
	return nil
}

func (b *Backend) FindCall(name, bound string) (int64, []byte, bool, error) {
	var id int64
	var result []byte
	err := b.conn.QueryRow(
		"SELECT call_id, result FROM calls WHERE func_name = ? AND bound = ?",
		name, bound,
	).Scan(&id, &result)
	if err == sql.ErrNoRows {
		return db.NoCallID, nil, false, nil
	}
	if err != nil {
		return db.NoCallID, nil, false, forgeerr.NewDatabaseError("find call", err)
	}
	return id, result, true, nil
}

func (b *Backend) SaveCall(name string, priorCallID int64, bound string, result []byte) (int64, error) {
	res, err := b.conn.Exec(`
		INSERT INTO calls (func_name, bound, result) VALUES (?, ?, ?)
		ON CONFLICT(func_name, bound) DO UPDATE SET result = excluded.result
	`, name, bound, result)
	if err != nil {
		return db.NoCallID, forgeerr.NewDatabaseError("save call", err)
	}

	if priorCallID != db.NoCallID {
		return priorCallID, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return db.NoCallID, forgeerr.NewDatabaseError("get call id", err)
	}
	return id, nil
}

func (b *Backend) FindCallFile(callID int64, name, path string) ([]byte, bool, error) {
	var digest []byte
	err := b.conn.QueryRow(
		"SELECT digest FROM call_files WHERE call_id = ? AND path = ?",
		callID, path,
	).Scan(&digest)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, forgeerr.NewDatabaseError("find call file", err)
	}
	return digest, true, nil
}

func (b *Backend) SaveCallFile(callID int64, name, path string, digest []byte) error {
	_, err := b.conn.Exec(`
		INSERT INTO call_files (call_id, name, path, digest) VALUES (?, ?, ?, ?)
		ON CONFLICT(call_id, path) DO UPDATE SET digest = excluded.digest, name = excluded.name
	`, callID, name, path, digest)
	if err != nil {
		return forgeerr.NewDatabaseError("save call file", err)
	}
	return nil
}

func (b *Backend) FindExternalSrcs(callID int64, name string) ([]string, error) {
	return queryPaths(b.conn, "external_srcs", callID, name)
}

func (b *Backend) FindExternalDsts(callID int64, name string) ([]string, error) {
	return queryPaths(b.conn, "external_dsts", callID, name)
}

func queryPaths(conn *sql.DB, table string, callID int64, name string) ([]string, error) {
	rows, err := conn.Query(fmt.Sprintf("SELECT path FROM %s WHERE call_id = ? AND name = ?", table), callID, name)
	if err != nil {
		return nil, forgeerr.NewDatabaseError("query "+table, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, forgeerr.NewDatabaseError("scan "+table, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (b *Backend) SaveExternalFiles(name string, callID int64, srcs, dsts []string, digests map[string][]byte) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return forgeerr.NewDatabaseError("begin save external files", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM external_srcs WHERE call_id = ? AND name = ?", callID, name); err != nil {
		return forgeerr.NewDatabaseError("clear external srcs", err)
	}
	if _, err := tx.Exec("DELETE FROM external_dsts WHERE call_id = ? AND name = ?", callID, name); err != nil {
		return forgeerr.NewDatabaseError("clear external dsts", err)
	}

	for _, src := range srcs {
		if _, err := tx.Exec("INSERT OR IGNORE INTO external_srcs (call_id, name, path) VALUES (?, ?, ?)", callID, name, src); err != nil {
			return forgeerr.NewDatabaseError("save external src", err)
		}
	}
	for _, dst := range dsts {
		if _, err := tx.Exec("INSERT OR IGNORE INTO external_dsts (call_id, name, path) VALUES (?, ?, ?)", callID, name, dst); err != nil {
			return forgeerr.NewDatabaseError("save external dst", err)
		}
	}
	for path, digest := range digests {
		if _, err := tx.Exec(`
			INSERT INTO call_files (call_id, name, path, digest) VALUES (?, ?, ?, ?)
			ON CONFLICT(call_id, path) DO UPDATE SET digest = excluded.digest, name = excluded.name
		`, callID, name, path, digest); err != nil {
			return forgeerr.NewDatabaseError("save external digest", err)
		}
	}

	return tx.Commit()
}

func (b *Backend) FindFile(path string) (time.Time, []byte, bool, error) {
	var mtimeUnixNano int64
	var digest []byte
	err := b.conn.QueryRow("SELECT mtime, digest FROM files WHERE path = ?", path).Scan(&mtimeUnixNano, &digest)
	if err == sql.ErrNoRows {
		return time.Time{}, nil, false, nil
	}
	if err != nil {
		return time.Time{}, nil, false, forgeerr.NewDatabaseError("find file", err)
	}
	return time.Unix(0, mtimeUnixNano), digest, true, nil
}

func (b *Backend) SaveFile(path string, mtime time.Time, digest []byte) error {
	_, err := b.conn.Exec(`
		INSERT INTO files (path, mtime, digest) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET mtime = excluded.mtime, digest = excluded.digest
	`, path, mtime.UnixNano(), digest)
	if err != nil {
		return forgeerr.NewDatabaseError("save file", err)
	}
	return nil
}

func (b *Backend) DumpCalls() (map[string]map[string][]byte, error) {
	rows, err := b.conn.Query("SELECT func_name, bound, result FROM calls")
	if err != nil {
		return nil, forgeerr.NewDatabaseError("dump calls", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]byte)
	for rows.Next() {
		var name, bound string
		var result []byte
		if err := rows.Scan(&name, &bound, &result); err != nil {
			return nil, forgeerr.NewDatabaseError("scan dump row", err)
		}
		if out[name] == nil {
			out[name] = make(map[string][]byte)
		}
		out[name][bound] = result
	}
	return out, nil
}

func (b *Backend) DeleteCall(name, bound string) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return forgeerr.NewDatabaseError("begin delete call", err)
	}
	defer tx.Rollback()

	var callID int64
	err = tx.QueryRow("SELECT call_id FROM calls WHERE func_name = ? AND bound = ?", name, bound).Scan(&callID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return forgeerr.NewDatabaseError("find call to delete", err)
	}

	if _, err := tx.Exec("DELETE FROM call_files WHERE call_id = ?", callID); err != nil {
		return forgeerr.NewDatabaseError("delete call files", err)
	}
	if _, err := tx.Exec("DELETE FROM external_srcs WHERE call_id = ?", callID); err != nil {
		return forgeerr.NewDatabaseError("delete external srcs", err)
	}
	if _, err := tx.Exec("DELETE FROM external_dsts WHERE call_id = ?", callID); err != nil {
		return forgeerr.NewDatabaseError("delete external dsts", err)
	}
	if _, err := tx.Exec("DELETE FROM calls WHERE call_id = ?", callID); err != nil {
		return forgeerr.NewDatabaseError("delete call", err)
	}
	return tx.Commit()
}

var _ db.Backend = (*Backend)(nil)
