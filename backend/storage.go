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
	"errors"
)

var (
	// ErrInvalidParent is returned when a folder would be moved under itself
	// or under one of its own descendants.
	ErrInvalidParent = errors.New("invalid parent folder")
)

// RootFolderID is the parent ID of top-level folders.
const RootFolderID = "0"

// NOTE: Methods of Mailbox should return database.ErrNotFound (or an error
// wrapping it) when a referenced folder or item does not exist, and
// database.ErrDuplicated when a sibling folder already has the name.
type Storage interface {
	Mailbox(c Credential) Mailbox
}

// Mailbox is the folder tree and items of a single user. A mailbox is shared
// by every device of the user, so implementations must be safe for
// concurrent use and must apply each mutation atomically.
type Mailbox interface {
	UserID() string

	// GetFolders returns all folders of the mailbox. GetFolders can return
	// nil if there is no folder.
	GetFolders(ctx context.Context) ([]Folder, error)
	GetFolder(ctx context.Context, folderID string) (Folder, error)
	// AddFolder adds a new folder under the parent folder whose ID is
	// parentID. RootFolderID means the top level.
	AddFolder(ctx context.Context, parentID, name string, t FolderType) (Folder, error)
	// DeleteFolder removes the folder, its subfolders, and their items.
	DeleteFolder(ctx context.Context, folderID string) error
	// UpdateFolder renames a folder and moves it under newParentID. The
	// folder ID never changes.
	UpdateFolder(ctx context.Context, folderID, newParentID, newName string) error
	// HierarchyModSeq returns a counter that increases whenever the folder
	// tree changes.
	HierarchyModSeq(ctx context.Context) (uint64, error)

	// GetItems returns all items in the folder. GetItems can return nil if
	// the folder is empty.
	GetItems(ctx context.Context, folderID string) ([]Item, error)
	GetItem(ctx context.Context, folderID, itemID string) (Item, error)
	AddItem(ctx context.Context, folderID, class string, data []byte) (Item, error)
	UpdateItem(ctx context.Context, folderID, itemID string, data []byte) (Item, error)
	DeleteItem(ctx context.Context, folderID, itemID string) error
	// MoveItem removes an item from srcFolderID and inserts it into
	// dstFolderID under a new item ID, as a single atomic operation.
	MoveItem(ctx context.Context, srcFolderID, itemID, dstFolderID string) (newItemID string, err error)
	// FolderModSeq returns a counter that increases whenever the item set of
	// the folder changes.
	FolderModSeq(ctx context.Context, folderID string) (uint64, error)
}

type Folder struct {
	ID       string // Unique Identifier.
	Name     string
	ParentID string // Parent's Unique Identifier.
	Type     FolderType
}

// FolderType follows the folder type values of the protocol.
type FolderType int

const (
	UserGeneric        FolderType = 1
	DefaultInbox       FolderType = 2
	DefaultDrafts      FolderType = 3
	DefaultDeleted     FolderType = 4
	DefaultSent        FolderType = 5
	DefaultOutbox      FolderType = 6
	DefaultTasks       FolderType = 7
	DefaultCalendar    FolderType = 8
	DefaultContacts    FolderType = 9
	DefaultNotes       FolderType = 10
	DefaultJournal     FolderType = 11
	UserMail           FolderType = 12
	UserCalendar       FolderType = 13
	UserContacts       FolderType = 14
	UserTasks          FolderType = 15
	UserJournal        FolderType = 16
	UserNotes          FolderType = 17
	Unknown            FolderType = 18
	RecipientInfoCache FolderType = 19
)

// IsValid reports whether t is one of the defined folder types.
func (t FolderType) IsValid() bool {
	return t >= UserGeneric && t <= RecipientInfoCache
}

// IsSpecial reports whether t is a default folder that clients may not
// create, delete, rename, or move.
func (t FolderType) IsSpecial() bool {
	switch t {
	case UserGeneric, UserMail, UserCalendar, UserContacts, UserTasks, UserJournal, UserNotes:
		return false
	default:
		return true
	}
}

// Class returns the item class stored in folders of this type.
func (t FolderType) Class() string {
	switch t {
	case DefaultTasks, UserTasks:
		return "Tasks"
	case DefaultCalendar, UserCalendar:
		return "Calendar"
	case DefaultContacts, UserContacts:
		return "Contacts"
	case DefaultNotes, UserNotes:
		return "Notes"
	default:
		return "Email"
	}
}

// DefaultFolders is the set of special folders a new mailbox starts with.
var DefaultFolders = []Folder{
	{Name: "Inbox", ParentID: RootFolderID, Type: DefaultInbox},
	{Name: "Drafts", ParentID: RootFolderID, Type: DefaultDrafts},
	{Name: "Deleted Items", ParentID: RootFolderID, Type: DefaultDeleted},
	{Name: "Sent Items", ParentID: RootFolderID, Type: DefaultSent},
	{Name: "Outbox", ParentID: RootFolderID, Type: DefaultOutbox},
	{Name: "Tasks", ParentID: RootFolderID, Type: DefaultTasks},
	{Name: "Calendar", ParentID: RootFolderID, Type: DefaultCalendar},
	{Name: "Contacts", ParentID: RootFolderID, Type: DefaultContacts},
	{Name: "Notes", ParentID: RootFolderID, Type: DefaultNotes},
	{Name: "Journal", ParentID: RootFolderID, Type: DefaultJournal},
	{Name: "Suggested Contacts", ParentID: RootFolderID, Type: RecipientInfoCache},
}

type Item struct {
	ID       string // Unique Identifier, formatted as "folderID:sequence".
	FolderID string
	Class    string
	// Data is the ApplicationData payload of the item. Its content is opaque
	// to the synchronizer.
	Data   []byte
	ModSeq uint64
}
