package breaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQL statements kept as constants for clarity and reuse
const (
	createQueueSQL = `
CREATE TABLE IF NOT EXISTS fallback_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    enqueued_at INTEGER NOT NULL
)`

	insertWriteSQL  = `INSERT INTO fallback_queue (kind, payload, enqueued_at) VALUES (?, ?, ?)`
	selectOldestSQL = `SELECT id, kind, payload FROM fallback_queue ORDER BY id ASC LIMIT ?`
	deleteRowSQL    = `DELETE FROM fallback_queue WHERE id = ?`
	countRowsSQL    = `SELECT COUNT(*) FROM fallback_queue`
)

// QueuedWrite is one write diverted from the backing store while the breaker
// is open. Kind names the replay handler; Payload is codec-encoded and must
// carry enough identity (session id, timestamp) to be replay-safe.
type QueuedWrite struct {
	Kind    string
	Payload []byte
}

// FallbackQueue is a durable, ordered queue of diverted writes backed by a
// local sqlite file. Replay happens strictly in enqueue order.
type FallbackQueue struct {
	db *sql.DB
}

// OpenQueue opens (creating if needed) the queue at path. Use ":memory:" in
// tests.
func OpenQueue(path string) (*FallbackQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "fallback: open")
	}
	// Replays are sequential; one connection avoids table-lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createQueueSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "fallback: create table")
	}
	return &FallbackQueue{db: db}, nil
}

// Enqueue appends writes in order within one transaction.
func (q *FallbackQueue) Enqueue(ctx context.Context, writes []QueuedWrite) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "fallback: begin")
	}
	now := time.Now().Unix()
	for _, w := range writes {
		if _, err := tx.ExecContext(ctx, insertWriteSQL, w.Kind, w.Payload, now); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "fallback: insert")
		}
	}
	return errors.Wrap(tx.Commit(), "fallback: commit")
}

// Drain replays queued writes oldest-first, deleting each row only after its
// apply succeeds. It stops at the first failure and returns how many writes
// were applied alongside the error.
func (q *FallbackQueue) Drain(ctx context.Context, apply func(ctx context.Context, w QueuedWrite) error) (int, error) {
	applied := 0
	for {
		rows, err := q.db.QueryContext(ctx, selectOldestSQL, 100)
		if err != nil {
			return applied, errors.Wrap(err, "fallback: select")
		}
		type row struct {
			id int64
			w  QueuedWrite
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.w.Kind, &r.w.Payload); err != nil {
				_ = rows.Close()
				return applied, errors.Wrap(err, "fallback: scan")
			}
			batch = append(batch, r)
		}
		if err := rows.Close(); err != nil {
			return applied, errors.Wrap(err, "fallback: rows")
		}
		if len(batch) == 0 {
			return applied, nil
		}
		for _, r := range batch {
			if err := apply(ctx, r.w); err != nil {
				return applied, err
			}
			if _, err := q.db.ExecContext(ctx, deleteRowSQL, r.id); err != nil {
				return applied, errors.Wrap(err, "fallback: delete")
			}
			applied++
		}
	}
}

// Depth reports how many writes are waiting for replay.
func (q *FallbackQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countRowsSQL).Scan(&n)
	return n, errors.Wrap(err, "fallback: count")
}

// Close closes the underlying database.
func (q *FallbackQueue) Close() error { return q.db.Close() }
