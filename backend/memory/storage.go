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

// Package memory implements backend.Storage in process memory. Mailboxes are
// created on first access with the default folders.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/database"
)

type Storage struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	// onChange is called, without any lock held, after every mutation.
	onChange func(userID string)
}

// New returns an empty storage. onChange may be nil.
func New(onChange func(userID string)) *Storage {
	return &Storage{
		mailboxes: make(map[string]*mailbox),
		onChange:  onChange,
	}
}

func (r *Storage) Mailbox(c backend.Credential) backend.Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mailboxes[c.UserID()]
	if !ok {
		m = newMailbox(c.UserID(), r.onChange)
		r.mailboxes[c.UserID()] = m
	}

	return m
}

type mailbox struct {
	userID   string
	onChange func(string)

	mu      sync.RWMutex
	folders map[string]backend.Folder
	// children is the parentID -> child folder IDs index.
	children     map[string]map[string]struct{}
	items        map[string]map[string]backend.Item
	folderModSeq map[string]uint64
	hierModSeq   uint64
	modSeq       uint64
	lastFolderID uint64
	lastItemSeq  uint64
}

func newMailbox(userID string, onChange func(string)) *mailbox {
	m := &mailbox{
		userID:       userID,
		onChange:     onChange,
		folders:      make(map[string]backend.Folder),
		children:     make(map[string]map[string]struct{}),
		items:        make(map[string]map[string]backend.Item),
		folderModSeq: make(map[string]uint64),
	}
	for _, v := range backend.DefaultFolders {
		m.insertFolder(v.ParentID, v.Name, v.Type)
	}

	return m
}

func (r *mailbox) UserID() string {
	return r.userID
}

func (r *mailbox) notify() {
	if r.onChange != nil {
		r.onChange(r.userID)
	}
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%v: %w", fmt.Sprintf(format, args...), database.ErrNotFound)
}

// The mutex should be locked by the caller.
func (r *mailbox) nextModSeq() uint64 {
	r.modSeq++
	return r.modSeq
}

// The mutex should be locked by the caller.
func (r *mailbox) insertFolder(parentID, name string, t backend.FolderType) backend.Folder {
	r.lastFolderID++
	f := backend.Folder{
		ID:       strconv.FormatUint(r.lastFolderID, 10),
		Name:     name,
		ParentID: parentID,
		Type:     t,
	}
	r.folders[f.ID] = f
	r.link(parentID, f.ID)
	r.items[f.ID] = make(map[string]backend.Item)
	r.folderModSeq[f.ID] = r.nextModSeq()
	r.hierModSeq = r.modSeq

	return f
}

func (r *mailbox) link(parentID, folderID string) {
	c, ok := r.children[parentID]
	if !ok {
		c = make(map[string]struct{})
		r.children[parentID] = c
	}
	c[folderID] = struct{}{}
}

func (r *mailbox) unlink(parentID, folderID string) {
	c, ok := r.children[parentID]
	if !ok {
		return
	}
	delete(c, folderID)
	if len(c) == 0 {
		delete(r.children, parentID)
	}
}

// hasSibling reports whether parentID already has a child named name other
// than the folder whose ID is except.
func (r *mailbox) hasSibling(parentID, name, except string) bool {
	for id := range r.children[parentID] {
		if id == except {
			continue
		}
		if strings.EqualFold(r.folders[id].Name, name) {
			return true
		}
	}

	return false
}

// subtree returns folderID followed by all of its descendants.
func (r *mailbox) subtree(folderID string) []string {
	result := []string{folderID}
	for i := 0; i < len(result); i++ {
		for id := range r.children[result[i]] {
			result = append(result, id)
		}
	}

	return result
}

func (r *mailbox) GetFolders(ctx context.Context) ([]backend.Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var folders []backend.Folder
	for _, v := range r.folders {
		folders = append(folders, v)
	}
	sort.Slice(folders, func(i, j int) bool {
		a, _ := strconv.ParseUint(folders[i].ID, 10, 64)
		b, _ := strconv.ParseUint(folders[j].ID, 10, 64)
		return a < b
	})

	return folders, nil
}

func (r *mailbox) GetFolder(ctx context.Context, folderID string) (backend.Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.folders[folderID]
	if !ok {
		return backend.Folder{}, notFound("folder %v", folderID)
	}

	return f, nil
}

func (r *mailbox) AddFolder(ctx context.Context, parentID, name string, t backend.FolderType) (backend.Folder, error) {
	r.mu.Lock()
	if parentID != backend.RootFolderID {
		if _, ok := r.folders[parentID]; !ok {
			r.mu.Unlock()
			return backend.Folder{}, notFound("parent folder %v", parentID)
		}
	}
	if r.hasSibling(parentID, name, "") {
		r.mu.Unlock()
		return backend.Folder{}, fmt.Errorf("folder %q under %v: %w", name, parentID, database.ErrDuplicated)
	}
	f := r.insertFolder(parentID, name, t)
	r.mu.Unlock()

	r.notify()
	return f, nil
}

func (r *mailbox) DeleteFolder(ctx context.Context, folderID string) error {
	r.mu.Lock()
	f, ok := r.folders[folderID]
	if !ok {
		r.mu.Unlock()
		return notFound("folder %v", folderID)
	}
	for _, id := range r.subtree(folderID) {
		delete(r.folders, id)
		delete(r.items, id)
		delete(r.folderModSeq, id)
		delete(r.children, id)
	}
	r.unlink(f.ParentID, folderID)
	r.hierModSeq = r.nextModSeq()
	r.mu.Unlock()

	r.notify()
	return nil
}

func (r *mailbox) UpdateFolder(ctx context.Context, folderID, newParentID, newName string) error {
	r.mu.Lock()
	f, ok := r.folders[folderID]
	if !ok {
		r.mu.Unlock()
		return notFound("folder %v", folderID)
	}
	if newParentID != backend.RootFolderID {
		if _, ok := r.folders[newParentID]; !ok {
			r.mu.Unlock()
			return notFound("parent folder %v", newParentID)
		}
		for _, id := range r.subtree(folderID) {
			if id == newParentID {
				r.mu.Unlock()
				return backend.ErrInvalidParent
			}
		}
	}
	if r.hasSibling(newParentID, newName, folderID) {
		r.mu.Unlock()
		return fmt.Errorf("folder %q under %v: %w", newName, newParentID, database.ErrDuplicated)
	}

	r.unlink(f.ParentID, folderID)
	f.ParentID = newParentID
	f.Name = newName
	r.folders[folderID] = f
	r.link(newParentID, folderID)
	r.hierModSeq = r.nextModSeq()
	r.mu.Unlock()

	r.notify()
	return nil
}

func (r *mailbox) HierarchyModSeq(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.hierModSeq, nil
}

func (r *mailbox) GetItems(ctx context.Context, folderID string) ([]backend.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.items[folderID]
	if !ok {
		return nil, notFound("folder %v", folderID)
	}
	var items []backend.Item
	for _, v := range m {
		items = append(items, v)
	}
	// Oldest first.
	sort.Slice(items, func(i, j int) bool { return items[i].ModSeq < items[j].ModSeq })

	return items, nil
}

func (r *mailbox) GetItem(ctx context.Context, folderID, itemID string) (backend.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.items[folderID]
	if !ok {
		return backend.Item{}, notFound("folder %v", folderID)
	}
	v, ok := m[itemID]
	if !ok {
		return backend.Item{}, notFound("item %v", itemID)
	}

	return v, nil
}

// The mutex should be locked by the caller.
func (r *mailbox) insertItem(folderID, class string, data []byte) backend.Item {
	r.lastItemSeq++
	v := backend.Item{
		ID:       fmt.Sprintf("%v:%v", folderID, r.lastItemSeq),
		FolderID: folderID,
		Class:    class,
		Data:     append([]byte(nil), data...),
		ModSeq:   r.nextModSeq(),
	}
	r.items[folderID][v.ID] = v
	r.folderModSeq[folderID] = v.ModSeq

	return v
}

func (r *mailbox) AddItem(ctx context.Context, folderID, class string, data []byte) (backend.Item, error) {
	r.mu.Lock()
	if _, ok := r.items[folderID]; !ok {
		r.mu.Unlock()
		return backend.Item{}, notFound("folder %v", folderID)
	}
	v := r.insertItem(folderID, class, data)
	r.mu.Unlock()

	r.notify()
	return v, nil
}

func (r *mailbox) UpdateItem(ctx context.Context, folderID, itemID string, data []byte) (backend.Item, error) {
	r.mu.Lock()
	m, ok := r.items[folderID]
	if !ok {
		r.mu.Unlock()
		return backend.Item{}, notFound("folder %v", folderID)
	}
	v, ok := m[itemID]
	if !ok {
		r.mu.Unlock()
		return backend.Item{}, notFound("item %v", itemID)
	}
	v.Data = append([]byte(nil), data...)
	v.ModSeq = r.nextModSeq()
	m[itemID] = v
	r.folderModSeq[folderID] = v.ModSeq
	r.mu.Unlock()

	r.notify()
	return v, nil
}

func (r *mailbox) DeleteItem(ctx context.Context, folderID, itemID string) error {
	r.mu.Lock()
	m, ok := r.items[folderID]
	if !ok {
		r.mu.Unlock()
		return notFound("folder %v", folderID)
	}
	if _, ok := m[itemID]; !ok {
		r.mu.Unlock()
		return notFound("item %v", itemID)
	}
	delete(m, itemID)
	r.folderModSeq[folderID] = r.nextModSeq()
	r.mu.Unlock()

	r.notify()
	return nil
}

func (r *mailbox) MoveItem(ctx context.Context, srcFolderID, itemID, dstFolderID string) (string, error) {
	r.mu.Lock()
	src, ok := r.items[srcFolderID]
	if !ok {
		r.mu.Unlock()
		return "", notFound("folder %v", srcFolderID)
	}
	if _, ok := r.items[dstFolderID]; !ok {
		r.mu.Unlock()
		return "", notFound("folder %v", dstFolderID)
	}
	v, ok := src[itemID]
	if !ok {
		r.mu.Unlock()
		return "", notFound("item %v", itemID)
	}
	delete(src, itemID)
	r.folderModSeq[srcFolderID] = r.nextModSeq()
	moved := r.insertItem(dstFolderID, v.Class, v.Data)
	r.mu.Unlock()

	r.notify()
	return moved.ID, nil
}

func (r *mailbox) FolderModSeq(ctx context.Context, folderID string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.folderModSeq[folderID]
	if !ok {
		return 0, notFound("folder %v", folderID)
	}

	return v, nil
}
