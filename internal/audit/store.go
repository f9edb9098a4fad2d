package audit

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// store is the SQLite backing store for the ledger. Unlike a rebuildable
// index, this is the store of record: the retention purge must delete a
// contiguous prefix and record the new chain root in the same transaction,
// which needs a transactional store.
type store struct {
	db *sql.DB
}

// Meta keys persisted in chain_meta.
const (
	metaChainSeed       = "chain_seed"
	metaPurgeBoundary   = "purge_boundary_hash"
	metaPurgedThrough   = "purged_through_seq"
	metaPurgedTotal     = "purged_total"
)

// openStore opens (or creates) the ledger database.
//
// WAL mode allows readers (query, verify) to proceed while the single
// append path writes. The UNIQUE constraints on prev_hash and hash make a
// lost-update append race a constraint violation instead of a fork in the
// chain.
func openStore(path, chainSeed string) (*store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq               INTEGER PRIMARY KEY,
			timestamp         TEXT NOT NULL,
			user_id           TEXT NOT NULL DEFAULT '',
			action_type       TEXT NOT NULL,
			resource_id       TEXT NOT NULL DEFAULT '',
			changes           TEXT NOT NULL DEFAULT 'null',
			compliance_status TEXT NOT NULL,
			prev_hash         TEXT NOT NULL UNIQUE,
			hash              TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_entries_resource ON entries(resource_id);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(timestamp);
		CREATE TABLE IF NOT EXISTS chain_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	s := &store{db: db}

	// Persist the chain seed on first open. A config edit after the chain
	// has started must not silently re-anchor it, so later opens always use
	// the stored value.
	if _, err := s.getMeta(metaChainSeed); err == sql.ErrNoRows {
		if chainSeed == "" {
			chainSeed = GenesisSentinel
		}
		if err := s.setMeta(metaChainSeed, chainSeed); err != nil {
			db.Close()
			return nil, err
		}
	} else if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) getMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM chain_meta WHERE key = ?", key).Scan(&v)
	return v, err
}

func (s *store) setMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO chain_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("writing chain meta %s: %w", key, err)
	}
	return nil
}

// chainSeed returns the persisted genesis prev_hash for this ledger.
func (s *store) chainSeed() (string, error) {
	v, err := s.getMeta(metaChainSeed)
	if err != nil {
		return "", fmt.Errorf("reading chain seed: %w", err)
	}
	return v, nil
}

// purgeBoundary returns the recorded chain root after a purge, or "" if the
// ledger has never been purged.
func (s *store) purgeBoundary() (string, error) {
	v, err := s.getMeta(metaPurgeBoundary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading purge boundary: %w", err)
	}
	return v, nil
}

// insert writes one entry. Returns errPrevHashTaken if another writer
// appended an entry with the same prev_hash first (append race).
func (s *store) insert(e *Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO entries (seq, timestamp, user_id, action_type, resource_id, changes, compliance_status, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp, e.UserID, string(e.ActionType), e.ResourceID,
		string(e.Changes), string(e.ComplianceStatus), e.PrevHash, e.Hash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errPrevHashTaken
		}
		return fmt.Errorf("inserting ledger entry seq=%d: %w", e.Seq, err)
	}
	return nil
}

// tail returns the most recent entry, or nil for an empty ledger.
func (s *store) tail() (*Entry, error) {
	row := s.db.QueryRow(selectCols + " FROM entries ORDER BY seq DESC LIMIT 1")
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger tail: %w", err)
	}
	return e, nil
}

const selectCols = "SELECT seq, timestamp, user_id, action_type, resource_id, changes, compliance_status, prev_hash, hash"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var e Entry
	var action, status, changes string
	err := r.Scan(&e.Seq, &e.Timestamp, &e.UserID, &action, &e.ResourceID,
		&changes, &status, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.ActionType = ActionType(action)
	e.ComplianceStatus = ComplianceStatus(status)
	e.Changes = []byte(changes)
	return &e, nil
}

// query retrieves entries matching the filter, newest first.
func (s *store) query(f Filter) ([]Entry, error) {
	q := selectCols + " FROM entries WHERE 1=1"
	var args []any

	if f.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.ResourceID != "" {
		q += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.Since != "" {
		q += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if f.Until != "" {
		q += " AND timestamp < ?"
		args = append(args, f.Until)
	}

	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.collect(q, args...)
}

// rangeAsc returns entries with from <= seq <= to in ascending seq order.
// Zero bounds are open.
func (s *store) rangeAsc(from, to uint64) ([]Entry, error) {
	q := selectCols + " FROM entries WHERE 1=1"
	var args []any
	if from > 0 {
		q += " AND seq >= ?"
		args = append(args, from)
	}
	if to > 0 {
		q += " AND seq <= ?"
		args = append(args, to)
	}
	q += " ORDER BY seq ASC"
	return s.collect(q, args...)
}

// entriesAfter returns entries with seq > afterSeq, ascending. Used by Follow.
func (s *store) entriesAfter(afterSeq uint64) ([]Entry, error) {
	return s.collect(selectCols+" FROM entries WHERE seq > ? ORDER BY seq ASC", afterSeq)
}

func (s *store) collect(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// purgeBefore deletes the contiguous oldest prefix of entries with
// timestamp < cutoff and records the new chain root. Timestamps increase
// with seq, so "timestamp < cutoff" selects a prefix by construction.
// Returns the number of entries removed.
func (s *store) purgeBefore(cutoff string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	// Last entry of the doomed prefix: its hash becomes the accepted chain
	// root for everything that survives.
	row := tx.QueryRow("SELECT seq, hash FROM entries WHERE timestamp < ? ORDER BY seq DESC LIMIT 1", cutoff)
	var lastSeq uint64
	var lastHash string
	if err := row.Scan(&lastSeq, &lastHash); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("locating purge boundary: %w", err)
	}

	res, err := tx.Exec("DELETE FROM entries WHERE seq <= ?", lastSeq)
	if err != nil {
		return 0, fmt.Errorf("purging entries: %w", err)
	}
	removed, _ := res.RowsAffected()

	upsert := "INSERT INTO chain_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value"
	if _, err := tx.Exec(upsert, metaPurgeBoundary, lastHash); err != nil {
		return 0, fmt.Errorf("recording purge boundary: %w", err)
	}
	if _, err := tx.Exec(upsert, metaPurgedThrough, fmt.Sprintf("%d", lastSeq)); err != nil {
		return 0, fmt.Errorf("recording purge watermark: %w", err)
	}

	var prior int64
	if v, err := s.getMeta(metaPurgedTotal); err == nil {
		fmt.Sscanf(v, "%d", &prior)
	}
	if _, err := tx.Exec(upsert, metaPurgedTotal, fmt.Sprintf("%d", prior+removed)); err != nil {
		return 0, fmt.Errorf("recording purge total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return int(removed), nil
}

// count returns the number of entries currently in the ledger.
func (s *store) count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting ledger entries: %w", err)
	}
	return n, nil
}
