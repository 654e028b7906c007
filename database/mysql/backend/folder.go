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
	"github.com/superkkt/omega-eas/database/mysql"
)

// Mailbox is the mailbox of a single user.
type Mailbox struct {
	storage *Storage
	userID  string
}

func (r *Mailbox) UserID() string {
	return r.userID
}

// query runs f in a transaction after making sure the mailbox exists.
func (r *Mailbox) query(ctx context.Context, f func(tx *sql.Tx) error) error {
	if err := r.storage.ensureMailbox(ctx, r.userID); err != nil {
		return err
	}
	return database.Run(ctx, r.storage.tm, func(q database.Queryer) error { return q.Query(f) })
}

// mutate is query for a mutation that notifies the change on success.
func (r *Mailbox) mutate(ctx context.Context, f func(tx *sql.Tx) error) error {
	if err := r.query(ctx, f); err != nil {
		return err
	}
	r.storage.notify(r.userID)

	return nil
}

func parseFolderID(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("folder %v: %w", id, database.ErrNotFound)
	}
	return v, nil
}

func formatFolderID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

type folderRow struct {
	id       uint64
	parentID uint64
	name     string
	typ      string
}

func (r folderRow) folder() (backend.Folder, error) {
	t, err := ConvToBackendFolderType(r.typ)
	if err != nil {
		return backend.Folder{}, err
	}
	return backend.Folder{
		ID:       formatFolderID(r.id),
		ParentID: formatFolderID(r.parentID),
		Name:     r.name,
		Type:     t,
	}, nil
}

func (r *Mailbox) getFolders(ctx context.Context, tx *sql.Tx, lock database.LockMode) (folders []backend.Folder, err error) {
	qry := "SELECT `id`, `parent_id`, `name`, `type` "
	qry += "FROM " + r.storage.table("folder") + " "
	qry += "WHERE `user_id` = ? ORDER BY `id`"
	qry += mysql.GetLockCmd(lock)

	rows, err := tx.QueryContext(ctx, qry, r.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v folderRow
		if err := rows.Scan(&v.id, &v.parentID, &v.name, &v.typ); err != nil {
			return nil, err
		}
		f, err := v.folder()
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// getFolder returns database.ErrNotFound if the folder does not exist or
// belongs to another user.
func (r *Mailbox) getFolder(ctx context.Context, tx *sql.Tx, folderID uint64, lock database.LockMode) (backend.Folder, error) {
	qry := "SELECT `id`, `parent_id`, `name`, `type` "
	qry += "FROM " + r.storage.table("folder") + " "
	qry += "WHERE `id` = ? AND `user_id` = ?"
	qry += mysql.GetLockCmd(lock)

	var v folderRow
	if err := tx.QueryRowContext(ctx, qry, folderID, r.userID).Scan(&v.id, &v.parentID, &v.name, &v.typ); err != nil {
		return backend.Folder{}, err
	}

	return v.folder()
}

func (r *Mailbox) GetFolders(ctx context.Context) (folders []backend.Folder, err error) {
	f := func(tx *sql.Tx) error {
		folders, err = r.getFolders(ctx, tx, database.LockNone)
		return err
	}
	if err := r.query(ctx, f); err != nil {
		return nil, err
	}

	return folders, nil
}

func (r *Mailbox) GetFolder(ctx context.Context, folderID string) (folder backend.Folder, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return backend.Folder{}, err
	}
	f := func(tx *sql.Tx) error {
		folder, err = r.getFolder(ctx, tx, id, database.LockNone)
		return err
	}
	if err := r.query(ctx, f); err != nil {
		return backend.Folder{}, err
	}

	return folder, nil
}

func (r *Mailbox) hasSibling(ctx context.Context, tx *sql.Tx, parentID uint64, name string, except uint64) (bool, error) {
	qry := "SELECT COUNT(*) FROM " + r.storage.table("folder") + " "
	qry += "WHERE `user_id` = ? AND `parent_id` = ? AND `name` = ? AND `id` != ? "
	qry += "FOR UPDATE"
	var count uint64
	if err := tx.QueryRowContext(ctx, qry, r.userID, parentID, name, except).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

func (r *Mailbox) AddFolder(ctx context.Context, parentID, name string, t backend.FolderType) (folder backend.Folder, err error) {
	pid, err := parseFolderID(parentID)
	if err != nil {
		return backend.Folder{}, err
	}
	f := func(tx *sql.Tx) error {
		c, err := r.storage.bump(ctx, tx, r.userID, true, false)
		if err != nil {
			return err
		}
		// If parent folder is not root.
		if pid != 0 {
			if _, err := r.getFolder(ctx, tx, pid, database.LockRead); err != nil {
				return err
			}
		}
		dup, err := r.hasSibling(ctx, tx, pid, name, 0)
		if err != nil {
			return err
		}
		if dup {
			return database.ErrDuplicated
		}
		id, err := r.storage.insertFolder(ctx, tx, r.userID, pid, name, t, c.modSeq)
		if err != nil {
			return err
		}
		folder = backend.Folder{ID: formatFolderID(id), ParentID: parentID, Name: name, Type: t}

		return nil
	}
	if err := r.mutate(ctx, f); err != nil {
		return backend.Folder{}, err
	}

	return folder, nil
}

// subtree returns the ID of root and the IDs of all its descendants.
func subtree(folders []backend.Folder, root string) []string {
	children := make(map[string][]string)
	for _, v := range folders {
		children[v.ParentID] = append(children[v.ParentID], v.ID)
	}
	ids := []string{root}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, children[ids[i]]...)
	}

	return ids
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (r *Mailbox) DeleteFolder(ctx context.Context, folderID string) error {
	id, err := parseFolderID(folderID)
	if err != nil {
		return err
	}
	f := func(tx *sql.Tx) error {
		if _, err := r.storage.bump(ctx, tx, r.userID, true, false); err != nil {
			return err
		}
		if _, err := r.getFolder(ctx, tx, id, database.LockWrite); err != nil {
			return err
		}
		folders, err := r.getFolders(ctx, tx, database.LockWrite)
		if err != nil {
			return err
		}
		ids := subtree(folders, folderID)
		args := make([]interface{}, len(ids))
		for i, v := range ids {
			args[i] = v
		}
		// Items are removed by the foreign key.
		qry := "DELETE FROM " + r.storage.table("folder") + " "
		qry += "WHERE `id` IN (" + placeholders(len(ids)) + ")"
		_, err = tx.ExecContext(ctx, qry, args...)
		return err
	}

	return r.mutate(ctx, f)
}

func (r *Mailbox) UpdateFolder(ctx context.Context, folderID, newParentID, newName string) error {
	id, err := parseFolderID(folderID)
	if err != nil {
		return err
	}
	pid, err := parseFolderID(newParentID)
	if err != nil {
		return err
	}
	f := func(tx *sql.Tx) error {
		if _, err := r.storage.bump(ctx, tx, r.userID, true, false); err != nil {
			return err
		}
		if _, err := r.getFolder(ctx, tx, id, database.LockWrite); err != nil {
			return err
		}
		// If parent folder is not root.
		if pid != 0 {
			if _, err := r.getFolder(ctx, tx, pid, database.LockRead); err != nil {
				return err
			}
			folders, err := r.getFolders(ctx, tx, database.LockNone)
			if err != nil {
				return err
			}
			for _, v := range subtree(folders, folderID) {
				if v == newParentID {
					return backend.ErrInvalidParent
				}
			}
		}
		dup, err := r.hasSibling(ctx, tx, pid, newName, id)
		if err != nil {
			return err
		}
		if dup {
			return database.ErrDuplicated
		}

		qry := "UPDATE " + r.storage.table("folder") + " SET `parent_id` = ?, `name` = ? WHERE `id` = ?"
		_, err = tx.ExecContext(ctx, qry, pid, newName, id)
		return err
	}

	return r.mutate(ctx, f)
}

func (r *Mailbox) HierarchyModSeq(ctx context.Context) (modSeq uint64, err error) {
	f := func(tx *sql.Tx) error {
		qry := "SELECT `hierarchy_modseq` FROM " + r.storage.table("mailbox") + " WHERE `user_id` = ?"
		return tx.QueryRowContext(ctx, qry, r.userID).Scan(&modSeq)
	}
	if err := r.query(ctx, f); err != nil {
		return 0, err
	}

	return modSeq, nil
}

func (r *Mailbox) FolderModSeq(ctx context.Context, folderID string) (modSeq uint64, err error) {
	id, err := parseFolderID(folderID)
	if err != nil {
		return 0, err
	}
	f := func(tx *sql.Tx) error {
		qry := "SELECT `modseq` FROM " + r.storage.table("folder") + " WHERE `id` = ? AND `user_id` = ?"
		return tx.QueryRowContext(ctx, qry, id, r.userID).Scan(&modSeq)
	}
	if err := r.query(ctx, f); err != nil {
		return 0, err
	}

	return modSeq, nil
}
