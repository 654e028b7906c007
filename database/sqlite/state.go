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

// Package sqlite keeps the ActiveSync engine state in an embedded SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS eas_state (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	name TEXT NOT NULL,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (user_id, device_id, name)
);
`

// StateStore is an activesync.StateStore on top of a SQLite file.
type StateStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database file and its schema.
func Open(file string) (*StateStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%v?_busy_timeout=5000&_journal_mode=WAL", file))
	if err != nil {
		return nil, err
	}
	// SQLite allows only one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &StateStore{db: db}, nil
}

func (r *StateStore) Close() error {
	return r.db.Close()
}

func (r *StateStore) LoadState(ctx context.Context, key activesync.StateKey) ([]byte, error) {
	var data []byte
	qry := "SELECT data FROM eas_state WHERE user_id = ? AND device_id = ? AND name = ?"
	err := r.db.QueryRowContext(ctx, qry, key.UserID, key.DeviceID, key.Name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("state %v: %w", key, database.ErrNotFound)
		}
		return nil, wrapError(err)
	}

	return data, nil
}

func (r *StateStore) SaveState(ctx context.Context, key activesync.StateKey, data []byte) error {
	qry := "INSERT INTO eas_state (user_id, device_id, name, data) VALUES (?, ?, ?, ?) "
	qry += "ON CONFLICT (user_id, device_id, name) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP"
	_, err := r.db.ExecContext(ctx, qry, key.UserID, key.DeviceID, key.Name, data)
	return wrapError(err)
}

func (r *StateStore) DeleteState(ctx context.Context, key activesync.StateKey) error {
	qry := "DELETE FROM eas_state WHERE user_id = ? AND device_id = ? AND name = ?"
	_, err := r.db.ExecContext(ctx, qry, key.UserID, key.DeviceID, key.Name)
	return wrapError(err)
}

func (r *StateStore) DeleteStates(ctx context.Context, userID, deviceID, prefix string) error {
	qry := "DELETE FROM eas_state WHERE user_id = ? AND device_id = ? AND name LIKE ? ESCAPE '\\'"
	_, err := r.db.ExecContext(ctx, qry, userID, deviceID, likePrefix(prefix))
	return wrapError(err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(s string) string {
	return likeEscaper.Replace(s) + "%"
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var e sqlite3.Error
	if errors.As(err, &e) && e.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%v: %w", err, database.ErrDuplicated)
	}

	return err
}
