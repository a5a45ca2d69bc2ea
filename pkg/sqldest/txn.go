package sqldest

import "context"

// Transaction drives the explicit transaction state machine over the
// pinned session using literal SQL: BEGIN (or the dialect's variant) on
// open, COMMIT / ROLLBACK to settle. Commit and Rollback are no-ops when
// no transaction is active, and Oracle (which opens a new transaction
// implicitly after every commit) is handled by an empty begin statement.
type Transaction struct {
	conn   *Connection
	active bool
}

// NewTransaction wires a Transaction over conn. No SQL runs until Begin.
func NewTransaction(conn *Connection) *Transaction {
	return &Transaction{conn: conn}
}

// Begin opens a transaction. For dialects with an implicit begin the state
// flips without issuing SQL.
func (t *Transaction) Begin(ctx context.Context) error {
	if t.conn.entry.beginStatement != "" {
		if err := t.conn.RunQuery(ctx, t.conn.entry.beginStatement, false); err != nil {
			t.active = false
			return err
		}
	}
	t.active = true
	return nil
}

// Commit settles the active transaction. On failure the transaction stays
// active so the caller can roll it back; the worker will rewind the
// backlog and replay.
func (t *Transaction) Commit(ctx context.Context) error {
	if !t.active {
		return nil
	}
	if err := t.conn.RunQuery(ctx, "COMMIT", false); err != nil {
		t.conn.logger.Error("SQL transaction commit failed, rewinding backlog and starting again")
		return err
	}
	t.active = false
	return nil
}

// Rollback abandons the active transaction. A no-op when none is open.
func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.RunQuery(ctx, "ROLLBACK", false)
}

// BeginNew is commit-if-active-then-begin: the schema path uses it to run
// every DDL group in its own transaction. A commit failure forces a
// rollback and reports failure.
func (t *Transaction) BeginNew(ctx context.Context) error {
	if t.active {
		if err := t.Commit(ctx); err != nil {
			_ = t.Rollback(ctx)
			return err
		}
	}
	return t.Begin(ctx)
}

// Active reports whether a transaction is currently open.
func (t *Transaction) Active() bool { return t.active }

// Reset forgets any open transaction without SQL; used when the
// connection itself is torn down.
func (t *Transaction) Reset() { t.active = false }
