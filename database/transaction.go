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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/superkkt/omega-eas/logger"
)

var (
	ErrNotFound   = errors.New("not found row")
	ErrDuplicated = errors.New("duplicated row")
)

const (
	maxDeadlockRetries = 5
)

type TransactionManager interface {
	NewTransaction() Transaction
}

// Transaction provides a database transaction. Transaction should return TransactionError
// when an error occurs.
type Transaction interface {
	Queryer
	// Begin starts this transaction. Begin should start a new fresh transaction if it
	// is called on an already finished (committed or rollbacked) transaction.
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	// Error returns the last TransactionError, if any, that was encountered during
	// query and commit processes.
	Error() TransactionError
}

type Queryer interface {
	Query(func(*sql.Tx) error) error
}

type TransactionError interface {
	error
	DeadlockError
	NotFoundError
	DuplicatedError
}

type DeadlockError interface {
	IsDeadlock() bool
}

type NotFoundError interface {
	IsNotFound() bool
}

type DuplicatedError interface {
	IsDuplicated() bool
}

type LockMode int

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
)

// IsNotFound reports whether err means a missing row, either as the
// ErrNotFound sentinel or as a TransactionError that says so.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var e NotFoundError
	if errors.As(err, &e) {
		return e.IsNotFound()
	}

	return false
}

// IsDuplicated is the ErrDuplicated counterpart of IsNotFound.
func IsDuplicated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicated) {
		return true
	}
	var e DuplicatedError
	if errors.As(err, &e) {
		return e.IsDuplicated()
	}

	return false
}

// Run executes f in a new transaction and commits it. A transaction that
// fails with a deadlock is rolled back and executed again, up to
// maxDeadlockRetries times, after a short random pause.
func Run(ctx context.Context, tm TransactionManager, f func(Queryer) error) error {
	retries := 0
	for {
		tx := tm.NewTransaction()
		if err := tx.Begin(ctx); err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		err := f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}

		txErr := tx.Error()
		if txErr == nil || !txErr.IsDeadlock() {
			return err
		}
		if retries >= maxDeadlockRetries {
			logger.Error(fmt.Sprintf("DB deadlock retries exhausted: deadlockRetries=%v, err=%v", retries, txErr))
			return err
		}

		retries++
		logger.Warning(fmt.Sprintf("DB deadlock occurs: deadlockRetries=%v, err=%v", retries, txErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int31n(500)) * time.Millisecond):
		}
	}
}
