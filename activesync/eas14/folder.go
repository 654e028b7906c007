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

package eas14

import (
	"fmt"
	"sort"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/database"
	"github.com/superkkt/omega-eas/logger"
)

const (
	nsFolderHierarchy = "FolderHierarchy"
	maxFolderName     = 256
)

type Folder struct {
	ServerId    string
	ParentId    string
	DisplayName string
	Type        int
}

func newFolder(v backend.Folder) Folder {
	return Folder{ServerId: v.ID, ParentId: v.ParentID, DisplayName: v.Name, Type: int(v.Type)}
}

func virtualFolder(v backend.Folder) activesync.VirtualFolder {
	return activesync.VirtualFolder{ID: v.ID, ParentID: v.ParentID, Name: v.Name, Type: int(v.Type)}
}

// sortByDepth orders folders so that every parent precedes its children.
func sortByDepth(folders []backend.Folder) {
	parents := make(map[string]string, len(folders))
	for _, v := range folders {
		parents[v.ID] = v.ParentID
	}
	depth := func(id string) int {
		d := 0
		// Stops after len(parents) steps on a parent cycle.
		for p, ok := parents[id]; ok && p != backend.RootFolderID && d <= len(parents); p, ok = parents[p] {
			d++
		}
		return d
	}
	sort.SliceStable(folders, func(i, j int) bool {
		return depth(folders[i].ID) < depth(folders[j].ID)
	})
}

// subtree returns id and the IDs of all descendants of id in folders.
func subtree(folders []backend.Folder, id string) []string {
	children := make(map[string][]string)
	for _, v := range folders {
		children[v.ParentID] = append(children[v.ParentID], v.ID)
	}
	result := []string{id}
	for i := 0; i < len(result); i++ {
		result = append(result, children[result[i]]...)
	}

	return result
}

// isUnderRecipientCache reports whether folderID is the recipient
// information cache or one of its descendants.
func isUnderRecipientCache(folders []backend.Folder, folderID string) bool {
	m := make(map[string]backend.Folder, len(folders))
	for _, v := range folders {
		m[v.ID] = v
	}
	// A walk longer than the number of folders means a parent cycle.
	for i := 0; i <= len(folders); i++ {
		f, ok := m[folderID]
		if !ok {
			return false
		}
		if f.Type == backend.RecipientInfoCache {
			return true
		}
		folderID = f.ParentID
	}

	return false
}

func findFolder(folders []backend.Folder, id string) (backend.Folder, bool) {
	for _, v := range folders {
		if v.ID == id {
			return v, true
		}
	}

	return backend.Folder{}, false
}

// hierarchyCheck is the result of checking the sync key of a folder
// mutation request.
type hierarchyCheck struct {
	state  activesync.HierarchyState
	status int
}

// checkHierarchyKey validates the sync key sent with a folder mutation. The
// caller should hold the hierarchy lock of the session. status is
// non-zero if the key is not acceptable.
func (r *handler) checkHierarchyKey(key *string) (hierarchyCheck, error) {
	if key == nil {
		return hierarchyCheck{status: folderStatusMalformed}, nil
	}
	k, err := activesync.ParseSyncKey(*key)
	if err != nil {
		logger.Info(fmt.Sprintf("Malformed folder sync key: UserID=%v, DeviceID=%v, key=%q", r.req.UserID(), r.req.DeviceID, *key))
		return hierarchyCheck{status: folderStatusInvalidSyncKey}, nil
	}

	state, err := r.param.Storage.GetHierarchy(r.req.Context(), r.req.UserID(), r.req.DeviceID)
	if err != nil {
		return hierarchyCheck{}, err
	}
	if !state.IsInitialized() || k != state.SyncKey {
		logger.Info(fmt.Sprintf("Client sent corrupted folder sync key: IP=%v, UserID=%v, DeviceID=%v, lastSyncKey=%v, sentSyncKey=%v", r.req.HTTP.RemoteAddr, r.req.UserID(), r.req.DeviceID, state.SyncKey, *key))
		// Client sync status has been corrupted. Send status 9 that asks the client to do full sync again.
		return hierarchyCheck{status: folderStatusInvalidSyncKey}, nil
	}

	return hierarchyCheck{state: state}, nil
}

// advanceHierarchyKey issues a new key after a successful folder mutation.
// The device view is left as is so that the next FolderSync reports the
// mutation.
func (r *handler) advanceHierarchyKey(state activesync.HierarchyState) (activesync.SyncKey, error) {
	ctx := r.req.Context()
	modSeq, err := r.mailbox.HierarchyModSeq(ctx)
	if err != nil {
		return activesync.SyncKey{}, err
	}
	state.SyncKey = state.SyncKey.Next()
	state.ModSeq = modSeq
	if err := r.param.Storage.PutHierarchy(ctx, r.req.UserID(), r.req.DeviceID, state); err != nil {
		return activesync.SyncKey{}, err
	}

	return state.SyncKey, nil
}

// Status values shared by the folder commands.
const (
	folderStatusSuccess        = 1
	folderStatusServerError    = 6
	folderStatusInvalidSyncKey = 9
	folderStatusMalformed      = 10
)

func isNotFound(err error) bool {
	return database.IsNotFound(err)
}

func isDuplicated(err error) bool {
	return database.IsDuplicated(err)
}
