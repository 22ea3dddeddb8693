package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/events"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id      TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	type          TEXT NOT NULL,
	slave_id      INTEGER NOT NULL DEFAULT 0,
	register_type TEXT NOT NULL DEFAULT '',
	address       INTEGER NOT NULL DEFAULT 0,
	count         INTEGER NOT NULL DEFAULT 0,
	vals          TEXT NOT NULL DEFAULT '',
	origin        TEXT NOT NULL DEFAULT '',
	listener      TEXT NOT NULL DEFAULT '',
	function_code INTEGER NOT NULL DEFAULT 0,
	exception     INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	duration_us   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS events_slave ON events (slave_id, id);`

const insertEventSQL = `
INSERT INTO events (event_id, timestamp, type, slave_id, register_type, address, count, vals,
	origin, listener, function_code, exception, error, message, duration_us)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	DefaultBatchSize     = 64
	DefaultFlushInterval = 500 * time.Millisecond
)

// TransactionLog persists events to SQLite. Consume never blocks; events
// arriving faster than the writer can store them are dropped and counted.
type TransactionLog struct {
	db            *sql.DB
	in            chan events.Event
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	dropped   atomic.Uint64
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// OpenTransactionLog opens or creates the database at path and starts
// the writer.
func OpenTransactionLog(path string, batchSize int, flushInterval time.Duration, logger *zap.Logger) (*TransactionLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log %s: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY between pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEventsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events table in %s: %w", path, err)
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	l := &TransactionLog{
		db:            db,
		in:            make(chan events.Event, 8*batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
	}
	l.wg.Add(1)
	go l.run()

	logger.Info("Transaction log opened", zap.String("path", path))
	return l, nil
}

// Consume queues e for writing.
func (l *TransactionLog) Consume(e events.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.in <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *TransactionLog) Dropped() uint64 { return l.dropped.Load() }

func (l *TransactionLog) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.write(batch); err != nil {
			l.logger.Error("Failed to write transaction log batch",
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *TransactionLog) write(batch []events.Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertEventSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		vals := ""
		if len(e.Values) > 0 {
			b, err := json.Marshal(e.Values)
			if err != nil {
				return err
			}
			vals = string(b)
		}
		_, err := stmt.Exec(
			e.ID.String(), e.Timestamp.UTC().Format(timestampLayout), string(e.Type),
			int(e.SlaveID), string(e.RegisterType), int(e.Address), int(e.Count), vals,
			string(e.Origin), e.Listener, int(e.FunctionCode), int(e.Exception),
			e.Error, e.Message, e.Duration.Microseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	SlaveID uint8
	Type    events.Type
}

// Recent returns up to n stored events, newest first.
func (l *TransactionLog) Recent(ctx context.Context, n int, f Filter) ([]events.Event, error) {
	if n <= 0 {
		n = 100
	}
	query := `SELECT event_id, timestamp, type, slave_id, register_type, address, count, vals,
		origin, listener, function_code, exception, error, message, duration_us
		FROM events WHERE 1 = 1`
	args := []any{}
	if f.SlaveID != 0 {
		query += ` AND slave_id = ?`
		args = append(args, int(f.SlaveID))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		var (
			e                           events.Event
			id, ts, typ, regType, vals  string
			origin                      string
			slave, addr, count, fc, exc int
			durationUS                  int64
		)
		if err := rows.Scan(&id, &ts, &typ, &slave, &regType, &addr, &count, &vals,
			&origin, &e.Listener, &fc, &exc, &e.Error, &e.Message, &durationUS); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.Timestamp, _ = time.Parse(timestampLayout, ts)
		e.Type = events.Type(typ)
		e.SlaveID = uint8(slave)
		e.RegisterType = types.RegisterType(regType)
		e.Address = uint16(addr)
		e.Count = uint16(count)
		if vals != "" {
			if err := json.Unmarshal([]byte(vals), &e.Values); err != nil {
				return nil, fmt.Errorf("failed to decode values: %w", err)
			}
		}
		e.Origin = events.Origin(origin)
		e.FunctionCode = uint8(fc)
		e.Exception = types.ExceptionCode(exc)
		e.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued events and closes the database.
func (l *TransactionLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.in)
		l.mu.Unlock()

		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}
