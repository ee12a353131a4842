// Package dbqueue implements the single-writer serialized SQL executor. All
// reads and writes to the embedded store are submitted
// here as correlation-ID-tagged requests and processed strictly FIFO by one
// background goroutine, guaranteeing a single concurrent writer regardless of
// how many callers submit concurrently.
package dbqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/zubot/internal/backoff"
	"github.com/haasonsaas/zubot/internal/observability"
)

// Mode classifies a submitted request.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

var readOnlyPrefixes = []string{"select", "pragma", "explain", "with"}

// Request is one unit of SQL work submitted to the queue.
type Request struct {
	CorrelationID string
	SQL           string
	Params        []any
	ReadOnly      bool
	Timeout       time.Duration
	MaxRows       int
}

// Response is what the queue returns for a processed Request.
type Response struct {
	OK           bool
	Mode         Mode
	Rows         []map[string]any
	RowCount     int
	RowsAffected int64
	Error        string
}

// ErrQueueTimeout is returned to a caller whose request did not complete
// within its timeout; the in-flight query (if already dispatched) is not
// cancelled.
var ErrQueueTimeout = fmt.Errorf("sql_queue_timeout")

type submission struct {
	req    Request
	result chan Response
}

// Queue owns the single *sql.DB connection and processes submissions in the
// order accepted.
type Queue struct {
	db       *sql.DB
	submitCh chan submission
	done     chan struct{}
	metrics  *observability.Metrics
}

// Options configures queue startup.
type Options struct {
	Path          string
	BusyTimeoutMs int
	QueueDepth    int
	Metrics       *observability.Metrics
}

// Open creates the sqlite connection, enables WAL (retrying up to three times
// against transient lock contention), sets busy_timeout and foreign_keys, and
// starts the single background executor goroutine.
func Open(opts Options) (*Queue, error) {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1)

	if err := backoff.RetrySimple(context.Background(), 3, func() error {
		_, err := db.Exec("PRAGMA journal_mode=WAL")
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL after retries: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}

	q := &Queue{
		db:       db,
		submitCh: make(chan submission, opts.QueueDepth),
		done:     make(chan struct{}),
		metrics:  opts.Metrics,
	}
	go q.run()
	return q, nil
}

// NewWithDB wraps an already-open connection and starts the executor without
// applying the sqlite startup pragmas. Tests use it to run the queue against
// a mock driver; production callers use Open.
func NewWithDB(db *sql.DB, queueDepth int) *Queue {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	q := &Queue{
		db:       db,
		submitCh: make(chan submission, queueDepth),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// DB exposes the underlying connection for schema migration at startup only;
// all steady-state reads/writes MUST go through Submit.
func (q *Queue) DB() *sql.DB { return q.db }

// Close stops the executor goroutine and closes the connection.
func (q *Queue) Close() error {
	close(q.done)
	return q.db.Close()
}

// Submit enqueues req and blocks on a per-request completion signal, bounded
// by req.Timeout (default 5s). Timing out returns ErrQueueTimeout without
// cancelling the in-flight query.
func (q *Queue) Submit(ctx context.Context, req Request) (Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = 5 * time.Second
	}
	if req.ReadOnly {
		if !isReadOnlySQL(req.SQL) {
			return Response{}, fmt.Errorf("read_only request failed SQL-prefix check: %q", req.SQL)
		}
	}

	sub := submission{req: req, result: make(chan Response, 1)}
	select {
	case q.submitCh <- sub:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-q.done:
		return Response{}, fmt.Errorf("dbqueue closed")
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case resp := <-sub.result:
		return resp, nil
	case <-timer.C:
		return Response{}, ErrQueueTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (q *Queue) run() {
	for {
		select {
		case sub := <-q.submitCh:
			q.metrics.SetDBQueueDepth(len(q.submitCh))
			started := time.Now()
			resp := q.process(sub.req)
			q.metrics.RecordDBQuery(string(resp.Mode), resp.OK, time.Since(started))
			sub.result <- resp
		case <-q.done:
			return
		}
	}
}

func (q *Queue) process(req Request) Response {
	if req.ReadOnly {
		return q.processRead(req)
	}
	return q.processWrite(req)
}

func (q *Queue) processRead(req Request) Response {
	rows, err := q.db.Query(req.SQL, req.Params...)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	var out []map[string]any
	maxRows := req.MaxRows
	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	return Response{OK: true, Mode: ModeRead, Rows: out, RowCount: len(out)}
}

func (q *Queue) processWrite(req Request) Response {
	tx, err := q.db.Begin()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	res, err := tx.Exec(req.SQL, req.Params...)
	if err != nil {
		_ = tx.Rollback()
		return Response{OK: false, Error: err.Error()}
	}
	if err := tx.Commit(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	affected, _ := res.RowsAffected()
	return Response{OK: true, Mode: ModeWrite, RowsAffected: affected}
}

func isReadOnlySQL(query string) bool {
	trimmed := strings.TrimSpace(query)
	for strings.HasPrefix(trimmed, "--") {
		if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
			trimmed = strings.TrimSpace(trimmed[idx+1:])
		} else {
			trimmed = ""
		}
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
