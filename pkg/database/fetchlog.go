package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FetchLog is one row of the fetch journal: which boundary a session asked
// for and how the request ended.
type FetchLog struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"sessionId"`
	RegionKey  string `json:"region"`
	Level      string `json:"level"`
	URLPath    string `json:"path"`
	Outcome    string `json:"outcome"`
	Status     int    `json:"status,omitempty"`
	ElapsedMS  int64  `json:"elapsedMs"`
	Generation int64  `json:"generation"`
	FetchedAt  int64  `json:"fetchedAt"`
	Error      string `json:"error,omitempty"`
}

// RecordFetch stores one journal row.
func (db *Database) RecordFetch(ctx context.Context, entry FetchLog) error {
	if db == nil || db.DB == nil {
		return ErrUnavailable
	}
	if entry.FetchedAt == 0 {
		entry.FetchedAt = time.Now().Unix()
	}
	entry.ID = db.nextID()
	stmt := fmt.Sprintf(`INSERT INTO fetch_log
  (id, session_id, region_key, level, url_path, outcome, status, elapsed_ms, generation, fetched_at, error)
VALUES (%s)`, db.placeholders(11))
	_, err := db.DB.ExecContext(ctx, stmt,
		entry.ID, entry.SessionID, entry.RegionKey, entry.Level, entry.URLPath, entry.Outcome,
		int64(entry.Status), entry.ElapsedMS, entry.Generation, entry.FetchedAt, entry.Error)
	if err != nil {
		return fmt.Errorf("insert fetch log: %w", err)
	}
	return nil
}

// RecentFetches returns the newest journal rows, newest first.  An empty
// sessionID lists every session.
func (db *Database) RecentFetches(ctx context.Context, sessionID string, limit int) ([]FetchLog, error) {
	if db == nil || db.DB == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	cols := `id, session_id, region_key, level, url_path, outcome, status, elapsed_ms, generation, fetched_at, error`
	var (
		query string
		args  []any
	)
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		query = fmt.Sprintf(`SELECT %s FROM fetch_log WHERE session_id = %s ORDER BY id DESC LIMIT %d`,
			cols, db.placeholder(1), limit)
		args = append(args, sessionID)
	} else {
		query = fmt.Sprintf(`SELECT %s FROM fetch_log ORDER BY id DESC LIMIT %d`, cols, limit)
	}

	rows, err := db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fetch log: %w", err)
	}
	defer rows.Close()

	out := []FetchLog{}
	for rows.Next() {
		var (
			e      FetchLog
			status sql.NullInt64
			errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RegionKey, &e.Level, &e.URLPath, &e.Outcome,
			&status, &e.ElapsedMS, &e.Generation, &e.FetchedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan fetch log: %w", err)
		}
		e.Status = int(status.Int64)
		e.Error = errMsg.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetch log: %w", err)
	}
	return out, nil
}

// JournalWriter persists journal rows off the request path.  Record never
// blocks; rows are dropped when the queue is full.
type JournalWriter struct {
	db      *Database
	queue   chan FetchLog
	done    chan struct{}
	logf    func(string, ...any)
	dropped chan struct{}
}

// StartJournal launches the writer goroutine.  It drains the queue and
// returns once ctx is cancelled; Wait blocks until then.
func StartJournal(ctx context.Context, db *Database, buffer int, logf func(string, ...any)) *JournalWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &JournalWriter{
		db:      db,
		queue:   make(chan FetchLog, buffer),
		done:    make(chan struct{}),
		logf:    logf,
		dropped: make(chan struct{}, 1),
	}
	go w.run(ctx)
	return w
}

// Record queues entry for insertion.
func (w *JournalWriter) Record(entry FetchLog) {
	select {
	case w.queue <- entry:
	default:
		select {
		case w.dropped <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the writer stopped.
func (w *JournalWriter) Wait() { <-w.done }

func (w *JournalWriter) run(ctx context.Context) {
	defer close(w.done)
	write := func(e FetchLog) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.db.RecordFetch(wctx, e); err != nil {
			w.logf("[journal] %v", err)
		}
	}
	for {
		select {
		case e := <-w.queue:
			write(e)
		case <-w.dropped:
			w.logf("[journal] queue full, dropping fetch log rows")
		case <-ctx.Done():
			for {
				select {
				case e := <-w.queue:
					write(e)
				default:
					return
				}
			}
		}
	}
}
