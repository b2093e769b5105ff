package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub satisfies pgx.Row with a scripted Scan.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// execCall records one Exec invocation.
type execCall struct {
	sql  string
	args []any
}

// fakePool satisfies PgxPool with scripted responses. Query is unsupported;
// tests cover the Exec and QueryRow paths.
type fakePool struct {
	execCalls []execCall
	execTag   pgconn.CommandTag
	execErr   error
	row       pgx.Row
	beginTx   pgx.Tx
	beginErr  error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, execCall{sql: sql, args: args})
	return f.execTag, f.execErr
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	panic("Query not scripted")
}

func (f *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return f.row }

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) { return f.beginTx, f.beginErr }

// fakeTx satisfies pgx.Tx for the chaining-transaction tests. Rows returned
// by QueryRow are consumed in call order.
type fakeTx struct {
	rows      []pgx.Row
	rowIdx    int
	execCalls []execCall
	execErr   error
	commitErr error
	committed bool
	rolledBk  bool
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *fakeTx) Rollback(_ context.Context) error {
	t.rolledBk = true
	return nil
}
func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	panic("CopyFrom not scripted")
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	panic("SendBatch not scripted")
}
func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	panic("Prepare not scripted")
}
func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execCalls = append(t.execCalls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), t.execErr
}
func (t *fakeTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	panic("Query not scripted")
}
func (t *fakeTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	r := t.rows[t.rowIdx]
	t.rowIdx++
	return r
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }
