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
	"strconv"
	"strings"

	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/database"
)

// Item IDs are formatted as "folderID:seq" where seq is unique in the
// mailbox.
func formatItemID(folderID, seq uint64) string {
	return fmt.Sprintf("%v:%v", folderID, seq)
}

func parseItemID(folderID uint64, itemID string) (uint64, error) {
	f, s, ok := strings.Cut(itemID, ":")
	if !ok || f != formatFolderID(folderID) {
		return 0, fmt.Errorf("item %v: %w", itemID, database.ErrNotFound)
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("item %v: %w", itemID, database.ErrNotFound)
	}

	return seq, nil
}

func (r *Mailbox) GetItems(ctx context.Context, folderID string) (items []backend.Item, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return nil, err
	}
	f := func(tx *sql.Tx) error {
		if _, err := r.getFolder(ctx, tx, id, database.LockNone); err != nil {
			return err
		}
		qry := "SELECT `seq`, `class`, `data`, `modseq` FROM " + r.storage.table("item") + " "
		qry += "WHERE `folder_id` = ? ORDER BY `seq`"
		rows, err := tx.QueryContext(ctx, qry, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var seq uint64
			v := backend.Item{FolderID: folderID}
			if err := rows.Scan(&seq, &v.Class, &v.Data, &v.ModSeq); err != nil {
				return err
			}
			v.ID = formatItemID(id, seq)
			items = append(items, v)
		}
		return rows.Err()
	}
	if err := r.query(ctx, f); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *Mailbox) getItem(ctx context.Context, tx *sql.Tx, folderID, seq uint64, lock bool) (backend.Item, error) {
	qry := "SELECT `class`, `data`, `modseq` FROM " + r.storage.table("item") + " "
	qry += "WHERE `folder_id` = ? AND `seq` = ?"
	if lock {
		qry += " FOR UPDATE"
	}
	v := backend.Item{ID: formatItemID(folderID, seq), FolderID: formatFolderID(folderID)}
	if err := tx.QueryRowContext(ctx, qry, folderID, seq).Scan(&v.Class, &v.Data, &v.ModSeq); err != nil {
		return backend.Item{}, err
	}

	return v, nil
}

func (r *Mailbox) GetItem(ctx context.Context, folderID, itemID string) (item backend.Item, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return backend.Item{}, err
	}
	seq, err := parseItemID(id, itemID)
	if err != nil {
		return backend.Item{}, err
	}
	f := func(tx *sql.Tx) error {
		if _, err := r.getFolder(ctx, tx, id, database.LockNone); err != nil {
			return err
		}
		item, err = r.getItem(ctx, tx, id, seq, false)
		return err
	}
	if err := r.query(ctx, f); err != nil {
		return backend.Item{}, err
	}

	return item, nil
}

func (r *Mailbox) touchFolder(ctx context.Context, tx *sql.Tx, folderID, modSeq uint64) error {
	qry := "UPDATE " + r.storage.table("folder") + " SET `modseq` = ? WHERE `id` = ?"
	_, err := tx.ExecContext(ctx, qry, modSeq, folderID)
	return err
}

func (r *Mailbox) insertItem(ctx context.Context, tx *sql.Tx, folderID uint64, class string, data []byte, c counters) (backend.Item, error) {
	qry := "INSERT INTO " + r.storage.table("item") + " (`folder_id`, `seq`, `class`, `data`, `modseq`) "
	qry += "VALUES (?, ?, ?, ?, ?)"
	if _, err := tx.ExecContext(ctx, qry, folderID, c.itemSeq, class, data, c.modSeq); err != nil {
		return backend.Item{}, err
	}
	if err := r.touchFolder(ctx, tx, folderID, c.modSeq); err != nil {
		return backend.Item{}, err
	}

	return backend.Item{
		ID:       formatItemID(folderID, c.itemSeq),
		FolderID: formatFolderID(folderID),
		Class:    class,
		Data:     data,
		ModSeq:   c.modSeq,
	}, nil
}

func (r *Mailbox) AddItem(ctx context.Context, folderID, class string, data []byte) (item backend.Item, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return backend.Item{}, err
	}
	f := func(tx *sql.Tx) error {
		c, err := r.storage.bump(ctx, tx, r.userID, false, true)
		if err != nil {
			return err
		}
		if _, err := r.getFolder(ctx, tx, id, database.LockRead); err != nil {
			return err
		}
		item, err = r.insertItem(ctx, tx, id, class, data, c)
		return err
	}
	if err := r.mutate(ctx, f); err != nil {
		return backend.Item{}, err
	}

	return item, nil
}

func (r *Mailbox) UpdateItem(ctx context.Context, folderID, itemID string, data []byte) (item backend.Item, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return backend.Item{}, err
	}
	seq, err := parseItemID(id, itemID)
	if err != nil {
		return backend.Item{}, err
	}
	f := func(tx *sql.Tx) error {
		c, err := r.storage.bump(ctx, tx, r.userID, false, false)
		if err != nil {
			return err
		}
		if _, err := r.getFolder(ctx, tx, id, database.LockRead); err != nil {
			return err
		}
		item, err = r.getItem(ctx, tx, id, seq, true)
		if err != nil {
			return err
		}
		qry := "UPDATE " + r.storage.table("item") + " SET `data` = ?, `modseq` = ? WHERE `folder_id` = ? AND `seq` = ?"
		if _, err := tx.ExecContext(ctx, qry, data, c.modSeq, id, seq); err != nil {
			return err
		}
		item.Data = data
		item.ModSeq = c.modSeq

		return r.touchFolder(ctx, tx, id, c.modSeq)
	}
	if err := r.mutate(ctx, f); err != nil {
		return backend.Item{}, err
	}

	return item, nil
}

func (r *Mailbox) deleteItem(ctx context.Context, tx *sql.Tx, folderID, seq uint64) error {
	qry := "DELETE FROM " + r.storage.table("item") + " WHERE `folder_id` = ? AND `seq` = ?"
	result, err := tx.ExecContext(ctx, qry, folderID, seq)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return database.ErrNotFound
	}

	return nil
}

func (r *Mailbox) DeleteItem(ctx context.Context, folderID, itemID string) error {
	id, err := parseFolderID(folderID)
	if err != nil {
		return err
	}
	seq, err := parseItemID(id, itemID)
	if err != nil {
		return err
	}
	f := func(tx *sql.Tx) error {
		c, err := r.storage.bump(ctx, tx, r.userID, false, false)
		if err != nil {
			return err
		}
		if _, err := r.getFolder(ctx, tx, id, database.LockRead); err != nil {
			return err
		}
		if err := r.deleteItem(ctx, tx, id, seq); err != nil {
			return err
		}

		return r.touchFolder(ctx, tx, id, c.modSeq)
	}

	return r.mutate(ctx, f)
}

func (r *Mailbox) MoveItem(ctx context.Context, srcFolderID, itemID, dstFolderID string) (newItemID string, err error) {
	src, err := parseFolderID(srcFolderID)
	if err != nil {
		return "", err
	}
	dst, err := parseFolderID(dstFolderID)
	if err != nil {
		return "", err
	}
	seq, err := parseItemID(src, itemID)
	if err != nil {
		return "", err
	}
	f := func(tx *sql.Tx) error {
		c, err := r.storage.bump(ctx, tx, r.userID, false, true)
		if err != nil {
			return err
		}
		for _, v := range []uint64{src, dst} {
			if _, err := r.getFolder(ctx, tx, v, database.LockRead); err != nil {
				return err
			}
		}
		item, err := r.getItem(ctx, tx, src, seq, true)
		if err != nil {
			return err
		}
		if err := r.deleteItem(ctx, tx, src, seq); err != nil {
			return err
		}
		if err := r.touchFolder(ctx, tx, src, c.modSeq); err != nil {
			return err
		}
		moved, err := r.insertItem(ctx, tx, dst, item.Class, item.Data, c)
		if err != nil {
			return err
		}
		newItemID = moved.ID

		return nil
	}
	if err := r.mutate(ctx, f); err != nil {
		return "", err
	}

	return newItemID, nil
}
