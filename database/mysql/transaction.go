/*
 * Omega is an advanced email service that supports Microsoft ActiveSync.
 *
 * Copyright (C) 2016, 2017 Kitae Kim <superkkt@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/superkkt/omega-eas/database"
)

func (r *MySQL) NewTransaction() database.Transaction {
	return &transaction{handle: r.handle}
}

type txState int

const (
	txIdle txState = iota
	txActive
	txDone
)

func (r txState) String() string {
	switch r {
	case txIdle:
		return "idle"
	case txActive:
		return "active"
	default:
		return "done"
	}
}

// transaction wraps a sql.Tx that can be started again after it is done.
type transaction struct {
	mu      sync.Mutex
	handle  *sql.DB
	tx      *sql.Tx
	state   txState
	lastErr *txError
}

// expect returns an error when the transaction is not in the want state.
func (r *transaction) expect(op string, want txState) error {
	if r.state == want {
		return nil
	}
	return newTxError(fmt.Errorf("%v: transaction is %v", op, r.state))
}

// fail records err as the last error of the transaction.
func (r *transaction) fail(err error) error {
	r.lastErr = newTxError(err)
	return r.lastErr
}

func (r *transaction) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == txActive {
		return r.expect("begin", txDone)
	}
	tx, err := r.handle.BeginTx(ctx, nil)
	if err != nil {
		return newTxError(err)
	}
	r.tx, r.state, r.lastErr = tx, txActive, nil

	return nil
}

func (r *transaction) Query(f func(*sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.expect("query", txActive); err != nil {
		return err
	}
	if err := f(r.tx); err != nil {
		return r.fail(err)
	}

	return nil
}

// Commit ends the transaction. A failed commit leaves nothing to roll back,
// so the transaction is done either way.
func (r *transaction) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.expect("commit", txActive); err != nil {
		return err
	}
	r.state = txDone
	if err := r.tx.Commit(); err != nil {
		return r.fail(err)
	}

	return nil
}

func (r *transaction) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.expect("rollback", txActive); err != nil {
		return err
	}
	r.state = txDone
	if err := r.tx.Rollback(); err != nil {
		return newTxError(err)
	}

	return nil
}

func (r *transaction) Error() database.TransactionError {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A nil *txError must not become a non-nil interface.
	if r.lastErr == nil {
		return nil
	}
	return r.lastErr
}

// txError is a TransactionError classified once when it is created.
type txError struct {
	err        error
	deadlock   bool
	notFound   bool
	duplicated bool
}

func newTxError(err error) *txError {
	return &txError{
		err:        err,
		deadlock:   isDeadlock(err),
		notFound:   isNotFound(err),
		duplicated: isDuplicated(err),
	}
}

func (r *txError) IsDeadlock() bool   { return r.deadlock }
func (r *txError) IsNotFound() bool   { return r.notFound }
func (r *txError) IsDuplicated() bool { return r.duplicated }
func (r *txError) Error() string      { return r.err.Error() }
func (r *txError) Unwrap() error      { return r.err }
