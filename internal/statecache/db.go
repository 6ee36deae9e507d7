// Package statecache persists the synced-state tree so a restart resumes
// where the engine left off. Rows are keyed by integer id, serialized as
// JSON and sealed with the session key before touching disk.
package statecache

import (
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pearsync/pearsync/internal/cloud"
)

// DB is the embedded database holding every sync's node table plus the
// process-wide sync-config table.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the state database at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.conn.Close()
}

// NodeTableName derives a sync's node table name from the identity of both
// roots and the session user: base64 of (localRootFsid ‖ cloudRootHandle ‖
// userID).
func NodeTableName(localRootFsid uint64, cloudRoot cloud.Handle, userID string) string {
	buf := make([]byte, 16, 16+len(userID))
	binary.BigEndian.PutUint64(buf[0:8], localRootFsid)
	binary.BigEndian.PutUint64(buf[8:16], uint64(cloudRoot))
	buf = append(buf, userID...)
	return "sc_" + base64.RawURLEncoding.EncodeToString(buf)
}

// Table opens a keyed append-update table, creating it if absent.
func (d *DB) Table(name string, cipher *Cipher) (*Table, error) {
	create := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id INTEGER PRIMARY KEY NOT NULL, content BLOB NOT NULL)`, name)
	if _, err := d.conn.Exec(create); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}

	t := &Table{db: d, name: name, cipher: cipher, nextID: 1}

	var maxID sql.NullInt64
	row := d.conn.QueryRow(fmt.Sprintf(`SELECT MAX(id) FROM %q`, name))
	if err := row.Scan(&maxID); err != nil {
		return nil, fmt.Errorf("read max id from %s: %w", name, err)
	}
	if maxID.Valid {
		t.nextID = uint32(maxID.Int64) + 1
	}
	return t, nil
}

// Table is one keyed append-update store over integer row ids.
type Table struct {
	db     *DB
	name   string
	cipher *Cipher
	tx     *sql.Tx
	nextID uint32

	iter *sql.Rows
}

// NextID returns a fresh row id; ids increase monotonically.
func (t *Table) NextID() uint32 {
	id := t.nextID
	t.nextID++
	return id
}

// Begin opens a transaction; Put and Del calls until Commit or Abort are
// coalesced into it.
func (t *Table) Begin() error {
	if t.tx != nil {
		return nil
	}
	tx, err := t.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin %s: %w", t.name, err)
	}
	t.tx = tx
	return nil
}

// InTransaction reports whether a transaction is open.
func (t *Table) InTransaction() bool {
	return t.tx != nil
}

func (t *Table) exec(query string, args ...any) error {
	if t.tx != nil {
		_, err := t.tx.Exec(query, args...)
		return err
	}
	_, err := t.db.conn.Exec(query, args...)
	return err
}

// Put writes (or overwrites) one sealed row.
func (t *Table) Put(id uint32, plain []byte) error {
	sealed, err := t.cipher.Seal(plain)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %q (id, content) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content`, t.name)
	if err := t.exec(q, int64(id), sealed); err != nil {
		return fmt.Errorf("put %s[%d]: %w", t.name, id, err)
	}
	return nil
}

// Del removes one row.
func (t *Table) Del(id uint32) error {
	if err := t.exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, t.name), int64(id)); err != nil {
		return fmt.Errorf("del %s[%d]: %w", t.name, id, err)
	}
	return nil
}

// Commit closes the open transaction.
func (t *Table) Commit() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Commit()
	t.tx = nil
	if err != nil {
		return fmt.Errorf("commit %s: %w", t.name, err)
	}
	return nil
}

// Abort rolls the open transaction back.
func (t *Table) Abort() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.tx = nil
	if err != nil {
		return fmt.Errorf("abort %s: %w", t.name, err)
	}
	return nil
}

// Truncate removes every row.
func (t *Table) Truncate() error {
	if err := t.exec(fmt.Sprintf(`DELETE FROM %q`, t.name)); err != nil {
		return fmt.Errorf("truncate %s: %w", t.name, err)
	}
	return nil
}

// Rewind starts an iteration over all rows. Each row is decrypted as Next
// yields it.
func (t *Table) Rewind() error {
	if t.iter != nil {
		_ = t.iter.Close()
	}
	rows, err := t.db.conn.Query(fmt.Sprintf(`SELECT id, content FROM %q ORDER BY id`, t.name))
	if err != nil {
		return fmt.Errorf("rewind %s: %w", t.name, err)
	}
	t.iter = rows
	return nil
}

// Next yields the next row of the current iteration. ok is false once the
// iteration is exhausted.
func (t *Table) Next() (id uint32, plain []byte, ok bool, err error) {
	if t.iter == nil {
		return 0, nil, false, fmt.Errorf("next %s: no iteration in progress", t.name)
	}
	if !t.iter.Next() {
		err = t.iter.Err()
		_ = t.iter.Close()
		t.iter = nil
		return 0, nil, false, err
	}
	var rowID int64
	var sealed []byte
	if err := t.iter.Scan(&rowID, &sealed); err != nil {
		return 0, nil, false, fmt.Errorf("scan %s: %w", t.name, err)
	}
	plain, err = t.cipher.Open(sealed)
	if err != nil {
		return 0, nil, false, err
	}
	return uint32(rowID), plain, true, nil
}
