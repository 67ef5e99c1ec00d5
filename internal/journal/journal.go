// Package journal keeps a local SQLite history of finished, canceled and
// failed transfers. Rows are written from a transfer.Runner callback so the
// `history` command can show what happened after the process exited.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

const (
	sqlInsertEntry = `INSERT INTO transfers
		(transfer_id, direction, name, node_id, outcome, transferred,
		 error_kind, error_text, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO NOTHING`

	sqlRecent = `SELECT id, transfer_id, direction, name, node_id, outcome,
		transferred, error_kind, error_text, started_at, ended_at
		FROM transfers ORDER BY ended_at DESC, id DESC LIMIT ?`

	sqlPrune = `DELETE FROM transfers WHERE ended_at < ?`
)

// recordTimeout bounds a single insert made from a runner callback.
const recordTimeout = 5 * time.Second

const dataDirPermissions = 0o700

// Outcome is the terminal state of a recorded transfer.
type Outcome string

// Recorded outcomes.
const (
	OutcomeFinished Outcome = "finished"
	OutcomeCanceled Outcome = "canceled"
	OutcomeFailed   Outcome = "failed"
)

// Entry is one recorded transfer.
type Entry struct {
	ID          int64
	TransferID  string
	Direction   transfer.Direction
	Name        string
	NodeID      int64 // 0 when the transfer produced no node
	Outcome     Outcome
	Transferred int64
	ErrorKind   string
	Error       string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Journal is the transfer history store.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at dbPath and
// applies pending migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("journal: creating directory for %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("journal opened", slog.String("db_path", dbPath))

	return &Journal{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores e. A second entry with the same TransferID is ignored.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, sqlInsertEntry,
		e.TransferID,
		string(e.Direction),
		e.Name,
		nullInt64(e.NodeID),
		string(e.Outcome),
		e.Transferred,
		nullString(e.ErrorKind),
		nullString(e.Error),
		e.StartedAt.UnixNano(),
		e.EndedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: recording transfer %s: %w", e.TransferID, err)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, sqlRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: listing transfers: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating transfers: %w", err)
	}

	return entries, nil
}

// Prune deletes entries that ended before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, sqlPrune, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal: pruning transfers: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: pruning transfers: %w", err)
	}

	return n, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                  Entry
		direction, outcome string
		nodeID             sql.NullInt64
		errKind, errText   sql.NullString
		startedAt, endedAt int64
	)

	if err := rows.Scan(&e.ID, &e.TransferID, &direction, &e.Name, &nodeID, &outcome,
		&e.Transferred, &errKind, &errText, &startedAt, &endedAt); err != nil {
		return Entry{}, fmt.Errorf("journal: scanning transfer row: %w", err)
	}

	e.Direction = transfer.Direction(direction)
	e.Outcome = Outcome(outcome)
	e.NodeID = nodeID.Int64
	e.ErrorKind = errKind.String
	e.Error = errText.String
	e.StartedAt = time.Unix(0, startedAt)
	e.EndedAt = time.Unix(0, endedAt)

	return e, nil
}

// Recorder returns a runner callback that writes one entry per terminal
// event. name labels the entry (the local or remote file name). Write
// failures are logged, never returned to the runner.
func (j *Journal) Recorder(name string) transfer.Callback {
	var (
		mu      sync.Mutex
		started time.Time
	)

	return func(ev transfer.Event) {
		mu.Lock()
		defer mu.Unlock()

		if ev.Kind == transfer.EventStarted {
			started = ev.At
			return
		}

		if !ev.Kind.Terminal() {
			return
		}

		if started.IsZero() {
			started = ev.At
		}

		e := entryFromEvent(ev, name, started)

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if err := j.Record(ctx, e); err != nil {
			j.logger.Warn("journal: recording transfer failed",
				slog.String("transfer_id", ev.TransferID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func entryFromEvent(ev transfer.Event, name string, started time.Time) Entry {
	e := Entry{
		TransferID:  ev.TransferID,
		Direction:   ev.Direction,
		Name:        name,
		Transferred: ev.Transferred,
		StartedAt:   started,
		EndedAt:     ev.At,
	}

	switch ev.Kind {
	case transfer.EventFinished:
		e.Outcome = OutcomeFinished
	case transfer.EventCanceled:
		e.Outcome = OutcomeCanceled
	default:
		e.Outcome = OutcomeFailed
	}

	if ev.Node != nil {
		e.NodeID = ev.Node.ID
	}

	if ev.Err != nil {
		e.ErrorKind = apperr.KindOf(ev.Err).String()
		e.Error = ev.Err.Error()
	}

	return e
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}
