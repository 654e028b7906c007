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

package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/database"
)

// Storage keeps mailboxes in MySQL. Every mutation increments the modseq
// counter of the mailbox row, which also serializes the mutations of a
// user.
type Storage struct {
	tm       database.TransactionManager
	dbName   string
	onChange func(userID string)

	mu          sync.Mutex
	initialized map[string]bool
}

// New returns storage that implements the backend.Storage interface.
// onChange is called after every committed mutation and may be nil.
func New(tm database.TransactionManager, dbName string, onChange func(userID string)) *Storage {
	return &Storage{
		tm:          tm,
		dbName:      dbName,
		onChange:    onChange,
		initialized: make(map[string]bool),
	}
}

func (r *Storage) Mailbox(c backend.Credential) backend.Mailbox {
	return &Mailbox{
		storage: r,
		userID:  c.UserID(),
	}
}

func (r *Storage) table(name string) string {
	return fmt.Sprintf("`%v`.`%v`", r.dbName, name)
}

// CreateTables creates the mailbox tables if they do not exist.
func (r *Storage) CreateTables(ctx context.Context) error {
	tables := []string{
		"CREATE TABLE IF NOT EXISTS " + r.table("mailbox") + " (" +
			"`user_id` VARCHAR(255) NOT NULL, " +
			"`modseq` BIGINT UNSIGNED NOT NULL DEFAULT 0, " +
			"`hierarchy_modseq` BIGINT UNSIGNED NOT NULL DEFAULT 0, " +
			"`item_seq` BIGINT UNSIGNED NOT NULL DEFAULT 0, " +
			"PRIMARY KEY (`user_id`)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		"CREATE TABLE IF NOT EXISTS " + r.table("folder") + " (" +
			"`id` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT, " +
			"`user_id` VARCHAR(255) NOT NULL, " +
			"`parent_id` BIGINT UNSIGNED NOT NULL, " +
			"`name` VARCHAR(256) NOT NULL, " +
			"`type` VARCHAR(32) NOT NULL, " +
			"`modseq` BIGINT UNSIGNED NOT NULL, " +
			"PRIMARY KEY (`id`), " +
			"KEY (`user_id`, `parent_id`)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		"CREATE TABLE IF NOT EXISTS " + r.table("item") + " (" +
			"`folder_id` BIGINT UNSIGNED NOT NULL, " +
			"`seq` BIGINT UNSIGNED NOT NULL, " +
			"`class` VARCHAR(32) NOT NULL, " +
			"`data` MEDIUMBLOB NOT NULL, " +
			"`modseq` BIGINT UNSIGNED NOT NULL, " +
			"PRIMARY KEY (`folder_id`, `seq`), " +
			"FOREIGN KEY (`folder_id`) REFERENCES " + r.table("folder") + " (`id`) ON DELETE CASCADE" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}

	return database.Run(ctx, r.tm, func(q database.Queryer) error {
		return q.Query(func(tx *sql.Tx) error {
			for _, v := range tables {
				if _, err := tx.ExecContext(ctx, v); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ensureMailbox creates the mailbox row and the default folders of a new
// user.
func (r *Storage) ensureMailbox(ctx context.Context, userID string) error {
	r.mu.Lock()
	ok := r.initialized[userID]
	r.mu.Unlock()
	if ok {
		return nil
	}

	f := func(tx *sql.Tx) error {
		qry := "INSERT IGNORE INTO " + r.table("mailbox") + " (`user_id`) VALUES (?)"
		result, err := tx.ExecContext(ctx, qry, userID)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		// Already created by another process.
		if n == 0 {
			return nil
		}
		for _, v := range backend.DefaultFolders {
			c, err := r.bump(ctx, tx, userID, true, false)
			if err != nil {
				return err
			}
			if _, err := r.insertFolder(ctx, tx, userID, 0, v.Name, v.Type, c.modSeq); err != nil {
				return err
			}
		}
		return nil
	}
	if err := database.Run(ctx, r.tm, func(q database.Queryer) error { return q.Query(f) }); err != nil {
		return fmt.Errorf("creating the mailbox of %v: %w", userID, err)
	}

	r.mu.Lock()
	r.initialized[userID] = true
	r.mu.Unlock()

	return nil
}

type counters struct {
	modSeq  uint64
	itemSeq uint64
}

// bump increments the modseq of the mailbox, and optionally the hierarchy
// modseq and the item sequence, and returns the new values. It locks the
// mailbox row until the transaction finishes.
func (r *Storage) bump(ctx context.Context, tx *sql.Tx, userID string, hierarchy, item bool) (counters, error) {
	// MySQL evaluates single-table assignments from left to right.
	qry := "UPDATE " + r.table("mailbox") + " SET `modseq` = `modseq` + 1"
	if hierarchy {
		qry += ", `hierarchy_modseq` = `modseq`"
	}
	if item {
		qry += ", `item_seq` = `item_seq` + 1"
	}
	qry += " WHERE `user_id` = ?"
	if _, err := tx.ExecContext(ctx, qry, userID); err != nil {
		return counters{}, err
	}

	var c counters
	qry = "SELECT `modseq`, `item_seq` FROM " + r.table("mailbox") + " WHERE `user_id` = ?"
	if err := tx.QueryRowContext(ctx, qry, userID).Scan(&c.modSeq, &c.itemSeq); err != nil {
		return counters{}, err
	}

	return c, nil
}

func (r *Storage) insertFolder(ctx context.Context, tx *sql.Tx, userID string, parentID uint64, name string, t backend.FolderType, modSeq uint64) (uint64, error) {
	qry := "INSERT INTO " + r.table("folder") + " (`user_id`, `parent_id`, `name`, `type`, `modseq`) "
	qry += "VALUES (?, ?, ?, ?, ?)"
	result, err := tx.ExecContext(ctx, qry, userID, parentID, name, ConvToFolderTypeString(t), modSeq)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	return uint64(id), nil
}

func (r *Storage) notify(userID string) {
	if r.onChange != nil {
		r.onChange(userID)
	}
}
