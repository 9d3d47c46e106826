package corvus

import "fmt"

// Transaction discipline (C7): one writer transaction at a time, or many
// concurrent readers, enforced by DB.lock. With auto-commit on (the
// default), each write call acquires the writer lock, runs, commits and
// releases, all in one step. With auto-commit off, the first write call
// acquires the lock and holds it - and every tree mutation in between
// accumulates against db.txRoot rather than the persisted db.rootPage -
// until Commit or Rollback releases it, so a reader can never observe a
// half-finished batch.
//
// A writer that returns an error mid-mutation is rolled back and the page
// cache is cleared so a partially applied change can never be served back
// out of it.

// writeTxn runs fn under the exclusive writer lock.
func (db *DB) writeTxn(fn func() error) error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	db.txMu.Lock()
	reentrant := db.batchOpen
	db.txMu.Unlock()

	if !reentrant {
		db.lock.Lock()
		db.txRoot = db.rootPage
	}

	if err := fn(); err != nil {
		rerr := db.handler.rollback()
		db.txRoot = db.rootPage
		if !reentrant {
			db.lock.Unlock()
		}
		if rerr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}

	if !db.autoCommit.get() {
		db.txMu.Lock()
		db.batchOpen = true
		db.txMu.Unlock()
		return nil
	}

	err := db.finalizeCommit()
	if !reentrant {
		db.lock.Unlock()
	}
	return err
}

// readTxn runs fn under a shared reader lock, excluding any concurrent
// writer but permitting any number of concurrent readers.
func (db *DB) readTxn(fn func() error) error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	db.lock.RLock()
	defer db.lock.RUnlock()

	return fn()
}

// finalizeCommit commits the WAL and, if the transaction promoted a new
// root, persists it to the metadata page. Callers must hold db.lock.
func (db *DB) finalizeCommit() error {
	if err := db.handler.commit(); err != nil {
		return err
	}
	if db.txRoot != db.rootPage {
		if err := db.handler.setMeta(db.txRoot, db.cfg); err != nil {
			return err
		}
	}
	db.rootPage = db.txRoot
	return nil
}

// SetAutoCommit toggles whether a writer transaction commits immediately on
// success (the default) or waits for an explicit Commit call, letting
// callers batch many logical operations into a single WAL commit frame.
func (db *DB) SetAutoCommit(enabled bool) {
	db.autoCommit.set(enabled)
}

// Commit flushes any writes made while auto-commit was disabled and
// releases the writer lock those writes were accumulating under.
func (db *DB) Commit() error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	db.txMu.Lock()
	open := db.batchOpen
	db.batchOpen = false
	db.txMu.Unlock()

	if !open {
		return nil
	}

	err := db.finalizeCommit()
	db.lock.Unlock()
	return err
}

// Rollback discards any writes made while auto-commit was disabled, clears
// the page cache so subsequent reads don't observe them, and releases the
// writer lock.
func (db *DB) Rollback() error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	db.txMu.Lock()
	open := db.batchOpen
	db.batchOpen = false
	db.txMu.Unlock()

	if !open {
		return nil
	}

	err := db.handler.rollback()
	db.txRoot = db.rootPage
	db.lock.Unlock()
	return err
}
