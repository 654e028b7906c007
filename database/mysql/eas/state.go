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

package eas

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/database"
)

// StateStore keeps the engine state records in the eas_state table.
type StateStore struct {
	tm     database.TransactionManager
	dbName string
}

// New returns a store that implements the activesync.StateStore interface.
func New(tm database.TransactionManager, dbName string) *StateStore {
	return &StateStore{
		tm:     tm,
		dbName: dbName,
	}
}

func (r *StateStore) table() string {
	return fmt.Sprintf("`%v`.`eas_state`", r.dbName)
}

// CreateTable creates the state table if it does not exist.
func (r *StateStore) CreateTable(ctx context.Context) error {
	return database.Run(ctx, r.tm, func(q database.Queryer) error {
		return q.Query(func(tx *sql.Tx) error {
			qry := "CREATE TABLE IF NOT EXISTS " + r.table() + " ("
			qry += "`user_id` VARCHAR(255) NOT NULL, "
			qry += "`device_id` VARCHAR(64) BINARY NOT NULL, "
			qry += "`name` VARCHAR(255) NOT NULL, "
			qry += "`data` MEDIUMBLOB NOT NULL, "
			qry += "`updated_at` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP, "
			qry += "PRIMARY KEY (`user_id`, `device_id`, `name`)"
			qry += ") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
			_, err := tx.ExecContext(ctx, qry)
			return err
		})
	})
}

func (r *StateStore) LoadState(ctx context.Context, key activesync.StateKey) (data []byte, err error) {
	f := func(tx *sql.Tx) error {
		qry := "SELECT `data` FROM " + r.table() + " "
		qry += "WHERE `user_id` = ? AND `device_id` = ? AND `name` = ?"
		return tx.QueryRowContext(ctx, qry, key.UserID, key.DeviceID, key.Name).Scan(&data)
	}
	err = database.Run(ctx, r.tm, func(q database.Queryer) error { return q.Query(f) })
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("state %v: %w", key, database.ErrNotFound)
		}
		return nil, err
	}

	return data, nil
}

func (r *StateStore) SaveState(ctx context.Context, key activesync.StateKey, data []byte) error {
	f := func(tx *sql.Tx) error {
		qry := "INSERT INTO " + r.table() + " (`user_id`, `device_id`, `name`, `data`) "
		qry += "VALUES (?, ?, ?, ?) "
		qry += "ON DUPLICATE KEY UPDATE `data` = VALUES(`data`)"
		_, err := tx.ExecContext(ctx, qry, key.UserID, key.DeviceID, key.Name, data)
		return err
	}

	return database.Run(ctx, r.tm, func(q database.Queryer) error { return q.Query(f) })
}

func (r *StateStore) DeleteState(ctx context.Context, key activesync.StateKey) error {
	f := func(tx *sql.Tx) error {
		qry := "DELETE FROM " + r.table() + " "
		qry += "WHERE `user_id` = ? AND `device_id` = ? AND `name` = ?"
		_, err := tx.ExecContext(ctx, qry, key.UserID, key.DeviceID, key.Name)
		return err
	}

	return database.Run(ctx, r.tm, func(q database.Queryer) error { return q.Query(f) })
}

func (r *StateStore) DeleteStates(ctx context.Context, userID, deviceID, prefix string) error {
	f := func(tx *sql.Tx) error {
		qry := "DELETE FROM " + r.table() + " "
		qry += "WHERE `user_id` = ? AND `device_id` = ? AND `name` LIKE ?"
		_, err := tx.ExecContext(ctx, qry, userID, deviceID, likePrefix(prefix))
		return err
	}

	return database.Run(ctx, r.tm, func(q database.Queryer) error { return q.Query(f) })
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix returns a LIKE pattern matching strings that start with s.
func likePrefix(s string) string {
	return likeEscaper.Replace(s) + "%"
}
