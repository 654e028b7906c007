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

// Package backendtest is a behaviour suite for backend.Storage
// implementations. Every store runs it with a factory that returns an empty
// storage:
//
//	func TestConformance(t *testing.T) {
//		backendtest.RunConformanceSuite(t, func(t *testing.T, onChange func(string)) backend.Storage {
//			return memory.New(onChange)
//		})
//	}
package backendtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/database"
)

// StorageFactory returns a new empty storage for each test. onChange may be
// nil and has to be passed to the storage as its change callback.
type StorageFactory func(t *testing.T, onChange func(userID string)) backend.Storage

type cred string

func (r cred) IsAuthorized() bool { return true }
func (r cred) UserID() string     { return string(r) }

// RunConformanceSuite runs every test of the suite against the storages
// returned by factory.
func RunConformanceSuite(t *testing.T, factory StorageFactory) {
	t.Helper()

	tests := []struct {
		name string
		run  func(*testing.T, StorageFactory)
	}{
		{"DefaultFolders", testDefaultFolders},
		{"MailboxIsPerUser", testMailboxIsPerUser},
		{"AddFolder", testAddFolder},
		{"DeleteFolderRemovesSubtree", testDeleteFolderRemovesSubtree},
		{"UpdateFolder", testUpdateFolder},
		{"Items", testItems},
		{"MoveItem", testMoveItem},
	}
	for _, v := range tests {
		t.Run(v.name, func(t *testing.T) { v.run(t, factory) })
	}
}

func mailbox(t *testing.T, factory StorageFactory, onChange func(string)) backend.Mailbox {
	t.Helper()
	return factory(t, onChange).Mailbox(cred("alice"))
}

func folderByType(t *testing.T, m backend.Mailbox, ft backend.FolderType) backend.Folder {
	t.Helper()
	folders, err := m.GetFolders(context.Background())
	require.NoError(t, err)
	for _, v := range folders {
		if v.Type == ft {
			return v
		}
	}
	t.Fatalf("no folder of type %v", ft)
	return backend.Folder{}
}

func hierarchyModSeq(t *testing.T, m backend.Mailbox) uint64 {
	t.Helper()
	v, err := m.HierarchyModSeq(context.Background())
	require.NoError(t, err)
	return v
}

func folderModSeq(t *testing.T, m backend.Mailbox, folderID string) uint64 {
	t.Helper()
	v, err := m.FolderModSeq(context.Background(), folderID)
	require.NoError(t, err)
	return v
}

func testDefaultFolders(t *testing.T, factory StorageFactory) {
	m := mailbox(t, factory, nil)

	folders, err := m.GetFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, len(backend.DefaultFolders))
	for i, v := range folders {
		assert.Equal(t, backend.DefaultFolders[i].Name, v.Name)
		assert.Equal(t, backend.DefaultFolders[i].Type, v.Type)
		assert.Equal(t, backend.RootFolderID, v.ParentID)
	}
}

func testMailboxIsPerUser(t *testing.T, factory StorageFactory) {
	s := factory(t, nil)
	ctx := context.Background()

	a, err := s.Mailbox(cred("alice")).AddFolder(ctx, backend.RootFolderID, "A", backend.UserMail)
	require.NoError(t, err)

	bob := s.Mailbox(cred("bob"))
	folders, err := bob.GetFolders(ctx)
	require.NoError(t, err)
	assert.Len(t, folders, len(backend.DefaultFolders))
	_, err = bob.GetFolder(ctx, a.ID)
	assert.True(t, database.IsNotFound(err))
}

func testAddFolder(t *testing.T, factory StorageFactory) {
	ctx := context.Background()
	var changed []string
	m := mailbox(t, factory, func(u string) { changed = append(changed, u) })

	before := hierarchyModSeq(t, m)

	f, err := m.AddFolder(ctx, backend.RootFolderID, "Projects", backend.UserMail)
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, []string{"alice"}, changed)
	assert.Greater(t, hierarchyModSeq(t, m), before)

	got, err := m.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	// Sibling names are compared without case.
	_, err = m.AddFolder(ctx, backend.RootFolderID, "projects", backend.UserMail)
	assert.True(t, database.IsDuplicated(err))
	_, err = m.AddFolder(ctx, "999", "X", backend.UserMail)
	assert.True(t, database.IsNotFound(err))
	// Failed mutations are not announced.
	assert.Len(t, changed, 1)

	child, err := m.AddFolder(ctx, f.ID, "Projects", backend.UserMail)
	require.NoError(t, err)
	assert.Equal(t, f.ID, child.ParentID)
}

func testDeleteFolderRemovesSubtree(t *testing.T, factory StorageFactory) {
	ctx := context.Background()
	m := mailbox(t, factory, nil)

	a, err := m.AddFolder(ctx, backend.RootFolderID, "A", backend.UserMail)
	require.NoError(t, err)
	b, err := m.AddFolder(ctx, a.ID, "B", backend.UserMail)
	require.NoError(t, err)
	v, err := m.AddItem(ctx, b.ID, "Email", []byte("x"))
	require.NoError(t, err)

	before := hierarchyModSeq(t, m)
	require.NoError(t, m.DeleteFolder(ctx, a.ID))
	assert.Greater(t, hierarchyModSeq(t, m), before)

	_, err = m.GetFolder(ctx, a.ID)
	assert.True(t, database.IsNotFound(err))
	_, err = m.GetFolder(ctx, b.ID)
	assert.True(t, database.IsNotFound(err))
	_, err = m.GetItems(ctx, b.ID)
	assert.True(t, database.IsNotFound(err))
	_, err = m.GetItem(ctx, b.ID, v.ID)
	assert.True(t, database.IsNotFound(err))

	// The name is free again.
	_, err = m.AddFolder(ctx, backend.RootFolderID, "A", backend.UserMail)
	assert.NoError(t, err)

	assert.True(t, database.IsNotFound(m.DeleteFolder(ctx, a.ID)))
}

func testUpdateFolder(t *testing.T, factory StorageFactory) {
	ctx := context.Background()
	m := mailbox(t, factory, nil)

	a, err := m.AddFolder(ctx, backend.RootFolderID, "A", backend.UserMail)
	require.NoError(t, err)
	b, err := m.AddFolder(ctx, a.ID, "B", backend.UserMail)
	require.NoError(t, err)
	_, err = m.AddFolder(ctx, backend.RootFolderID, "C", backend.UserMail)
	require.NoError(t, err)

	// Renaming keeps the ID.
	before := hierarchyModSeq(t, m)
	require.NoError(t, m.UpdateFolder(ctx, a.ID, backend.RootFolderID, "A2"))
	assert.Greater(t, hierarchyModSeq(t, m), before)
	got, err := m.GetFolder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A2", got.Name)

	assert.True(t, database.IsDuplicated(m.UpdateFolder(ctx, a.ID, backend.RootFolderID, "C")))
	assert.True(t, database.IsNotFound(m.UpdateFolder(ctx, a.ID, "999", "A2")))
	assert.True(t, database.IsNotFound(m.UpdateFolder(ctx, "999", backend.RootFolderID, "Z")))
	assert.True(t, errors.Is(m.UpdateFolder(ctx, a.ID, b.ID, "A2"), backend.ErrInvalidParent))
	assert.True(t, errors.Is(m.UpdateFolder(ctx, a.ID, a.ID, "A2"), backend.ErrInvalidParent))

	// Moving B to the root.
	require.NoError(t, m.UpdateFolder(ctx, b.ID, backend.RootFolderID, "B"))
	got, err = m.GetFolder(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RootFolderID, got.ParentID)
}

func testItems(t *testing.T, factory StorageFactory) {
	ctx := context.Background()
	m := mailbox(t, factory, nil)
	inbox := folderByType(t, m, backend.DefaultInbox)

	items, err := m.GetItems(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	before := folderModSeq(t, m, inbox.ID)
	v, err := m.AddItem(ctx, inbox.ID, "Email", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, v.FolderID)
	assert.Equal(t, "Email", v.Class)
	added := folderModSeq(t, m, inbox.ID)
	assert.Greater(t, added, before)

	u, err := m.UpdateItem(ctx, inbox.ID, v.ID, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, v.ID, u.ID)
	assert.Greater(t, u.ModSeq, v.ModSeq)
	assert.Greater(t, folderModSeq(t, m, inbox.ID), added)

	items, err = m.GetItems(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "world", string(items[0].Data))

	_, err = m.AddItem(ctx, "999", "Email", []byte("x"))
	assert.True(t, database.IsNotFound(err))
	_, err = m.UpdateItem(ctx, inbox.ID, inbox.ID+":999", []byte("x"))
	assert.True(t, database.IsNotFound(err))

	require.NoError(t, m.DeleteItem(ctx, inbox.ID, v.ID))
	assert.True(t, database.IsNotFound(m.DeleteItem(ctx, inbox.ID, v.ID)))
	_, err = m.GetItem(ctx, inbox.ID, v.ID)
	assert.True(t, database.IsNotFound(err))
}

func testMoveItem(t *testing.T, factory StorageFactory) {
	ctx := context.Background()
	m := mailbox(t, factory, nil)
	inbox := folderByType(t, m, backend.DefaultInbox)
	deleted := folderByType(t, m, backend.DefaultDeleted)

	v, err := m.AddItem(ctx, inbox.ID, "Email", []byte("hello"))
	require.NoError(t, err)

	src := folderModSeq(t, m, inbox.ID)
	dst := folderModSeq(t, m, deleted.ID)
	newID, err := m.MoveItem(ctx, inbox.ID, v.ID, deleted.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v.ID, newID)
	assert.Greater(t, folderModSeq(t, m, inbox.ID), src)
	assert.Greater(t, folderModSeq(t, m, deleted.ID), dst)

	_, err = m.GetItem(ctx, inbox.ID, v.ID)
	assert.True(t, database.IsNotFound(err))
	moved, err := m.GetItem(ctx, deleted.ID, newID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(moved.Data))
	assert.Equal(t, "Email", moved.Class)

	// Already moved.
	_, err = m.MoveItem(ctx, inbox.ID, v.ID, deleted.ID)
	assert.True(t, database.IsNotFound(err))
	// A failed move leaves the item where it was.
	_, err = m.MoveItem(ctx, deleted.ID, newID, "999")
	assert.True(t, database.IsNotFound(err))
	_, err = m.GetItem(ctx, deleted.ID, newID)
	assert.NoError(t, err)
}
