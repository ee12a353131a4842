package dbqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	q, err := Open(Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	_, err = q.Submit(context.Background(), Request{
		SQL: `CREATE TABLE counters (id INTEGER PRIMARY KEY, value INTEGER NOT NULL)`,
	})
	require.NoError(t, err)
	return q
}

func TestReadOnlyPrefixCheckRejectsWrites(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Submit(context.Background(), Request{SQL: "DELETE FROM counters", ReadOnly: true})
	require.Error(t, err)
}

func TestReadOnlyPrefixCheckAcceptsSelectPragmaWith(t *testing.T) {
	q := openTestQueue(t)
	for _, query := range []string{"SELECT 1", "PRAGMA table_info(counters)", "WITH x AS (SELECT 1) SELECT * FROM x", "  -- comment\nEXPLAIN SELECT 1"} {
		_, err := q.Submit(context.Background(), Request{SQL: query, ReadOnly: true})
		require.NoErrorf(t, err, "query %q should pass the read-only check", query)
	}
}

func TestWriteFailureRollsBack(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Submit(context.Background(), Request{SQL: "INSERT INTO counters (id, value) VALUES (1, 1)"})
	require.NoError(t, err)

	resp, err := q.Submit(context.Background(), Request{SQL: "INSERT INTO counters (id, value) VALUES (1, 2)"})
	require.NoError(t, err)
	require.False(t, resp.OK)

	readResp, err := q.Submit(context.Background(), Request{SQL: "SELECT value FROM counters WHERE id = 1", ReadOnly: true})
	require.NoError(t, err)
	require.Len(t, readResp.Rows, 1)
	require.EqualValues(t, 1, readResp.Rows[0]["value"])
}

func TestSerializedWriterCommitsEveryConcurrentWrite(t *testing.T) {
	q := openTestQueue(t)
	const n = 50
	var wg sync.WaitGroup
	order := make([]int, 0, n)
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), Request{
				SQL:    fmt.Sprintf("INSERT INTO counters (id, value) VALUES (%d, %d)", i+2, i),
				Params: nil,
			})
			if err == nil {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}
		}()
		// stagger submission slightly to make acceptance order deterministic.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	resp, err := q.Submit(context.Background(), Request{SQL: "SELECT value FROM counters WHERE id >= 2 ORDER BY id ASC", ReadOnly: true})
	require.NoError(t, err)
	require.Len(t, resp.Rows, n)
}

func TestQueueTimeoutDoesNotBlockForever(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Submit(context.Background(), Request{SQL: "SELECT 1", ReadOnly: true, Timeout: time.Nanosecond})
	// Either it completes fast enough or times out; both are acceptable, but it must not hang.
	_ = err
}
