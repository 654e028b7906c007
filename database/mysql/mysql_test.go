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
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/database"
)

func TestErrorClassification(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: mysqlDeadlockError, Message: "Deadlock found"}
	duplicated := &mysql.MySQLError{Number: mysqlDuplicatedError, Message: "Duplicate entry"}

	assert.True(t, isDeadlock(deadlock))
	assert.True(t, isDeadlock(fmt.Errorf("query: %w", deadlock)))
	assert.False(t, isDeadlock(duplicated))
	assert.False(t, isDeadlock(errors.New("other")))

	assert.True(t, isDuplicated(duplicated))
	assert.True(t, isDuplicated(database.ErrDuplicated))
	assert.False(t, isDuplicated(deadlock))

	assert.True(t, isNotFound(sql.ErrNoRows))
	assert.True(t, isNotFound(fmt.Errorf("folder 1: %w", database.ErrNotFound)))
	assert.False(t, isNotFound(deadlock))
}

func TestTxError(t *testing.T) {
	err := newTxError(&mysql.MySQLError{Number: mysqlDeadlockError})
	assert.True(t, err.IsDeadlock())
	assert.False(t, err.IsNotFound())

	// The generic helpers see through the transaction error.
	assert.True(t, database.IsNotFound(newTxError(sql.ErrNoRows)))
	assert.True(t, database.IsDuplicated(newTxError(&mysql.MySQLError{Number: mysqlDuplicatedError})))
}

func TestConfigDSN(t *testing.T) {
	c := Config{Host: "db.example.com", Port: 3306, Username: "omega", Password: "secret", ClientFoundRows: true}
	parsed, err := mysql.ParseDSN(c.dsn())
	assert.NoError(t, err)
	assert.Equal(t, "db.example.com:3306", parsed.Addr)
	assert.Equal(t, "omega", parsed.User)
	assert.True(t, parsed.ParseTime)
	assert.True(t, parsed.ClientFoundRows)
}

func TestGetLockCmd(t *testing.T) {
	assert.Equal(t, " ", GetLockCmd(database.LockNone))
	assert.Equal(t, " LOCK IN SHARE MODE ", GetLockCmd(database.LockRead))
	assert.Equal(t, " FOR UPDATE ", GetLockCmd(database.LockWrite))
	assert.Panics(t, func() { GetLockCmd(database.LockMode(99)) })
}

func TestTransactionState(t *testing.T) {
	tx := &transaction{}
	// The interface must stay nil until something fails.
	assert.Nil(t, tx.Error())

	called := false
	err := tx.Query(func(*sql.Tx) error { called = true; return nil })
	assert.EqualError(t, err, "query: transaction is idle")
	assert.False(t, called)
	assert.EqualError(t, tx.Commit(), "commit: transaction is idle")
	assert.EqualError(t, tx.Rollback(), "rollback: transaction is idle")
	// Misuse is not recorded as the last error.
	assert.Nil(t, tx.Error())

	tx.state = txActive
	assert.EqualError(t, tx.Begin(context.Background()), "begin: transaction is active")

	deadlock := &mysql.MySQLError{Number: mysqlDeadlockError, Message: "Deadlock found"}
	err = tx.Query(func(*sql.Tx) error { return fmt.Errorf("update folder: %w", deadlock) })
	require.Error(t, err)
	last := tx.Error()
	require.NotNil(t, last)
	assert.True(t, last.IsDeadlock())
	assert.ErrorIs(t, err, deadlock)

	tx.state = txDone
	assert.EqualError(t, tx.Commit(), "commit: transaction is done")
	// The last failure survives until the next Begin.
	assert.True(t, tx.Error().IsDeadlock())
}
