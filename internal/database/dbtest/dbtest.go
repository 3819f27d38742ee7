// Package dbtest provides pgx.Tx and TxBeginner fakes for tests that exercise
// transactional code paths against in-memory repositories.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx satisfies pgx.Tx. Only Commit and Rollback carry behavior; everything else is a no-op.
type Tx struct {
	pool *Pool
	done bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.pool != nil {
		t.pool.record(true)
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.pool != nil {
		t.pool.record(false)
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("dbtest: Query not supported")
}
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Pool hands out Tx values and counts how each one ended.
type Pool struct {
	mu        sync.Mutex
	BeginErr  error
	commits   int
	rollbacks int
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	return &Tx{pool: p}, nil
}

func (p *Pool) record(committed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if committed {
		p.commits++
	} else {
		p.rollbacks++
	}
}

// Commits returns how many transactions were committed.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}

// Rollbacks returns how many transactions were rolled back without a commit.
func (p *Pool) Rollbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}
