package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const driverName = "sqlite3_chatd"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// SQLite's lower() only folds ASCII; search needs Unicode folding.
			return conn.RegisterFunc("casefold", strings.ToLower, true)
		},
	})
}

// DB wraps the SQLite database that holds conversations, messages and the push outbox.
type DB struct {
	*sql.DB
	logger *zap.Logger
	clock  clock
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the database lock up front (_txlock=immediate) so
// concurrent receipt and reaction updates queue on busy_timeout instead of
// failing on lock upgrade.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open(driverName, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, logger: logger}, nil
}

// clock hands out strictly increasing millisecond timestamps so that message
// creation times never tie within this process.
type clock struct {
	mu   sync.Mutex
	last int64
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

func (c *clock) seed(ms int64) {
	c.mu.Lock()
	if ms > c.last {
		c.last = ms
	}
	c.mu.Unlock()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// inTx runs fn in a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classify attaches an errs.Kind to raw driver errors. Already-typed errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.NotFound, err, "not found")
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errs.Wrap(errs.Unavailable, err, "store busy")
		case sqlite3.ErrConstraint:
			return errs.Wrap(errs.Conflict, err, "constraint")
		}
	}
	return errs.Wrap(errs.Internal, err, "store")
}

// Counts returns row counts for the status surface.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM push_outbox WHERE status = 'queued')`).
		Scan(&c.Conversations, &c.Messages, &c.PushQueued)
	return c, classify(err)
}
