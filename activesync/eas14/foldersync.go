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
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

type FolderSyncReq struct {
	XMLName xml.Name `xml:"FolderSync"`
	SyncKey *string
}

type FolderSyncResp struct {
	XMLName xml.Name `xml:"FolderSync"`
	NS      string   `xml:"xmlns,attr"`
	Status  int
	SyncKey string            `xml:",omitempty"`
	Changes *FolderSyncChange `xml:",omitempty"`
}

type FolderSyncChange struct {
	Count  int
	Update []Folder         `xml:",omitempty"`
	Delete []FolderSyncItem `xml:",omitempty"`
	Add    []Folder         `xml:",omitempty"`
}

type FolderSyncItem struct {
	ServerId string
}

func (r *handler) handleFolderSync() error {
	reqBody := new(FolderSyncReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("FolderSync request: SyncKey=%v", deref(reqBody.SyncKey)))

	response, err := r.folderSync(reqBody)
	if err != nil {
		return fmt.Errorf("failed to sync folders: %w", err)
	}
	response.NS = nsFolderHierarchy

	return r.writeResponse(response, response.Status)
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func (r *handler) folderSync(req *FolderSyncReq) (FolderSyncResp, error) {
	if req.SyncKey == nil {
		return FolderSyncResp{Status: folderStatusMalformed}, nil
	}
	key, err := activesync.ParseSyncKey(*req.SyncKey)
	if err != nil {
		logger.Info(fmt.Sprintf("Malformed folder sync key: UserID=%v, DeviceID=%v, key=%q", r.req.UserID(), r.req.DeviceID, *req.SyncKey))
		return FolderSyncResp{Status: folderStatusInvalidSyncKey}, nil
	}

	unlock := r.session.Lock(activesync.ScopeHierarchy)
	defer unlock()

	ctx := r.req.Context()
	userID, deviceID := r.req.UserID(), r.req.DeviceID
	state, err := r.param.Storage.GetHierarchy(ctx, userID, deviceID)
	if err != nil {
		return FolderSyncResp{}, err
	}

	full := key.IsZero() || !state.IsInitialized()
	if full {
		logger.Debug(fmt.Sprintf("Initial folder synchronizing: IP=%v, UserID=%v, DeviceID=%v", r.req.HTTP.RemoteAddr, userID, deviceID))
		// Every collection state depends on the hierarchy view.
		if err := r.param.Storage.ResetHierarchy(ctx, userID, deviceID); err != nil {
			return FolderSyncResp{}, err
		}
		state = activesync.HierarchyState{Folders: make(map[string]activesync.VirtualFolder)}
	} else if key != state.SyncKey {
		logger.Info(fmt.Sprintf("Client sent corrupted folder sync key: IP=%v, UserID=%v, DeviceID=%v, lastSyncKey=%v, sentSyncKey=%v", r.req.HTTP.RemoteAddr, userID, deviceID, state.SyncKey, key))
		return FolderSyncResp{Status: folderStatusInvalidSyncKey}, nil
	}

	// Read the modseq first so that a concurrent change is reported again
	// by the next FolderSync rather than lost.
	modSeq, err := r.mailbox.HierarchyModSeq(ctx)
	if err != nil {
		return FolderSyncResp{}, err
	}
	folders, err := r.mailbox.GetFolders(ctx)
	if err != nil {
		return FolderSyncResp{}, err
	}

	changes, view := diffHierarchy(state.Folders, folders)
	switch {
	case full:
		state.SyncKey = activesync.NewSyncKey()
	case modSeq != state.ModSeq:
		state.SyncKey = state.SyncKey.Next()
	}
	state.ModSeq = modSeq
	state.Folders = view
	if err := r.param.Storage.PutHierarchy(ctx, userID, deviceID, state); err != nil {
		return FolderSyncResp{}, err
	}
	logger.Debug(fmt.Sprintf("Synced folders: UserID=%v, DeviceID=%v, changes=%v, SyncKey=%v", userID, deviceID, changes.Count, state.SyncKey))

	return FolderSyncResp{
		Status:  folderStatusSuccess,
		SyncKey: state.SyncKey.String(),
		Changes: changes,
	}, nil
}

// diffHierarchy compares the device view with the current folders and
// returns the changes to send with the new view.
func diffHierarchy(view map[string]activesync.VirtualFolder, folders []backend.Folder) (*FolderSyncChange, map[string]activesync.VirtualFolder) {
	sortByDepth(folders)

	c := new(FolderSyncChange)
	current := make(map[string]activesync.VirtualFolder, len(folders))
	for _, v := range folders {
		vf := virtualFolder(v)
		current[v.ID] = vf
		old, ok := view[v.ID]
		switch {
		case !ok:
			c.Add = append(c.Add, newFolder(v))
		case old != vf:
			c.Update = append(c.Update, newFolder(v))
		}
	}
	var deleted []string
	for id := range view {
		if _, ok := current[id]; !ok {
			deleted = append(deleted, id)
		}
	}
	sortIDs(deleted)
	for _, id := range deleted {
		c.Delete = append(c.Delete, FolderSyncItem{ServerId: id})
	}
	c.Count = len(c.Add) + len(c.Update) + len(c.Delete)

	return c, current
}

// sortIDs sorts numeric IDs numerically and the others lexically.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if len(a) != len(b) && isDigits(a) && isDigits(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}
