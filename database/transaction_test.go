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
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/logger"
)

type fakeTxError struct {
	deadlock bool
}

func (r fakeTxError) Error() string      { return "fake" }
func (r fakeTxError) IsDeadlock() bool   { return r.deadlock }
func (r fakeTxError) IsNotFound() bool   { return false }
func (r fakeTxError) IsDuplicated() bool { return false }

type fakeTx struct {
	lastErr   TransactionError
	committed bool
}

func (r *fakeTx) Query(func(*sql.Tx) error) error { return nil }
func (r *fakeTx) Begin(context.Context) error     { return nil }
func (r *fakeTx) Commit() error                   { r.committed = true; return nil }
func (r *fakeTx) Rollback() error                 { return nil }
func (r *fakeTx) Error() TransactionError         { return r.lastErr }

type fakeManager struct {
	txs []*fakeTx
}

func (r *fakeManager) NewTransaction() Transaction {
	tx := &fakeTx{}
	r.txs = append(r.txs, tx)
	return tx
}

func TestRunRetriesDeadlocks(t *testing.T) {
	m := &fakeManager{}
	calls := 0
	err := Run(context.Background(), m, func(q Queryer) error {
		calls++
		if calls < 3 {
			tx := q.(*fakeTx)
			tx.lastErr = fakeTxError{deadlock: true}
			return tx.lastErr
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, m.txs[2].committed)
}

func TestRunGivesUpAfterDeadlockRetries(t *testing.T) {
	buf := new(bytes.Buffer)
	logger.SetOutput(buf)
	defer logger.SetOutput(os.Stderr)

	m := &fakeManager{}
	calls := 0
	err := Run(context.Background(), m, func(q Queryer) error {
		calls++
		tx := q.(*fakeTx)
		tx.lastErr = fakeTxError{deadlock: true}
		return tx.lastErr
	})
	assert.Error(t, err)
	assert.Equal(t, maxDeadlockRetries+1, calls)
	for _, tx := range m.txs {
		assert.False(t, tx.committed)
	}

	out := buf.String()
	assert.Contains(t, out, fmt.Sprintf("deadlockRetries=%v, err=fake", maxDeadlockRetries))
	assert.Contains(t, out, "DB deadlock retries exhausted")
}

func TestRunStopsOnOtherErrors(t *testing.T) {
	m := &fakeManager{}
	boom := errors.New("boom")
	calls := 0
	err := Run(context.Background(), m, func(q Queryer) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", sql.ErrNoRows)))
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsDuplicated(fmt.Errorf("wrapped: %w", ErrDuplicated)))
	assert.False(t, IsDuplicated(ErrNotFound))
}
