package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"
)

func newSQLiteLog(t *testing.T) *SQLiteLog {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	l, err := NewSQLiteLog(db)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func TestLogs(t *testing.T) {
	impls := map[string]func(t *testing.T) Log{
		"memory": func(*testing.T) Log { return NewMemoryLog() },
		"sqlite": func(t *testing.T) Log { return newSQLiteLog(t) },
	}

	for name, newLog := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLog(t)

			l.Append(ctx, Record{ToolName: "get_expense_summary", UserID: "alice", Success: true, LatencyMs: 4})
			l.Append(ctx, Record{ToolName: "get_income_summary", UserID: "bob", Success: true})
			l.Append(ctx, Record{ToolName: "get_income_summary", UserID: "alice", Success: false, ErrorKind: "upstream"})

			all, err := l.List(ctx, Filter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Fatalf("got %d records, want 3", len(all))
			}
			if all[0].ErrorKind != "upstream" {
				t.Errorf("expected newest first, got %+v", all[0])
			}
			if all[0].ID == "" || all[0].Timestamp.IsZero() {
				t.Errorf("id and timestamp should be filled: %+v", all[0])
			}

			alice, _ := l.List(ctx, Filter{UserID: "alice"})
			if len(alice) != 2 {
				t.Errorf("alice records = %d, want 2", len(alice))
			}
			for _, r := range alice {
				if r.UserID != "alice" {
					t.Errorf("filter leaked %+v", r)
				}
			}

			failed, _ := l.List(ctx, Filter{UserID: "alice", ToolName: "get_income_summary", Limit: 5})
			if len(failed) != 1 || failed[0].Success {
				t.Errorf("tool filter = %+v", failed)
			}

			limited, _ := l.List(ctx, Filter{Limit: 1})
			if len(limited) != 1 {
				t.Errorf("limit ignored: %d", len(limited))
			}
		})
	}
}

func TestMemoryLog_ConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(ctx, Record{ToolName: fmt.Sprintf("t%d", i), UserID: "u"})
		}()
	}
	wg.Wait()

	got, _ := l.List(ctx, Filter{})
	if len(got) != 50 {
		t.Errorf("got %d records, want 50", len(got))
	}
}
