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
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/superkkt/omega-eas/database"
)

const (
	maxIdleConn          = 8
	maxOpenConn          = 24
	mysqlDeadlockError   = 1213
	mysqlDuplicatedError = 1062
)

// Config is the connection parameter of a MySQL server.
type Config struct {
	Host     string
	Port     uint16
	Username string
	Password string
	// ClientFoundRows makes an UPDATE return the number of matching rows
	// instead of the number of rows changed.
	ClientFoundRows bool
}

func (r Config) dsn() string {
	c := mysql.NewConfig()
	c.User = r.Username
	c.Passwd = r.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%v:%v", r.Host, r.Port)
	c.Timeout = 5 * time.Second
	c.ParseTime = true
	c.Loc = time.Local
	c.ClientFoundRows = r.ClientFoundRows

	return c.FormatDSN()
}

// XXX: Do not share variables in MySQL without exclusive locking. MySQL may be used by muliple goroutines simultaneously.
type MySQL struct {
	handle *sql.DB
}

func NewMySQL(ctx context.Context, conf Config) (*MySQL, error) {
	db, err := sql.Open("mysql", conf.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening MySQL database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConn)
	db.SetMaxIdleConns(maxIdleConn)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to a MySQL database server: %w", err)
	}

	return &MySQL{
		handle: db,
	}, nil
}

func (r *MySQL) Close() error {
	return r.handle.Close()
}

func mysqlErrorNumber(err error) uint16 {
	var e *mysql.MySQLError
	if !errors.As(err, &e) {
		return 0
	}
	return e.Number
}

func isDeadlock(err error) bool {
	return mysqlErrorNumber(err) == mysqlDeadlockError
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, database.ErrNotFound)
}

func isDuplicated(err error) bool {
	if errors.Is(err, database.ErrDuplicated) {
		return true
	}
	return mysqlErrorNumber(err) == mysqlDuplicatedError
}

func GetLockCmd(lock database.LockMode) string {
	// Return value should have extra spaces to avoid malformed query string.
	switch lock {
	case database.LockNone:
		return " "
	case database.LockRead:
		return " LOCK IN SHARE MODE "
	case database.LockWrite:
		return " FOR UPDATE "
	default:
		panic("unexpected lock mode")
	}
}
