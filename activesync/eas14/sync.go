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

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

const (
	nsAirSync = "AirSync"
	// The maximum and default number of changes sent at a time.
	maxSyncWindowSize = 100
)

const (
	syncStatusSuccess          = 1
	syncStatusConversionError  = 6
	syncStatusObjectNotFound   = 8
	syncStatusInvalidSyncKey   = 9
	syncStatusMalformed        = 10
	syncStatusHierarchyChanged = 12
)

type SyncReq struct {
	XMLName     xml.Name `xml:"Sync"`
	Collections struct {
		Collection []SyncCollectionReq
	}
	WindowSize int
}

type SyncCollectionReq struct {
	SyncKey        *string
	CollectionId   string
	DeletesAsMoves *string
	GetChanges     *string
	WindowSize     int
	Options        *SyncOptions
	Commands       *SyncCommandsReq
}

// SyncOptions carries the content filters of a collection. They are
// accepted and ignored because items are opaque.
type SyncOptions struct {
	Data []byte `xml:",innerxml"`
}

func (r SyncCollectionReq) deletesAsMoves() bool {
	// Absent means enabled.
	return r.DeletesAsMoves == nil || *r.DeletesAsMoves != "0"
}

// getChanges reports whether the client asked for server changes. It is
// implied unless the client explicitly disabled it.
func (r SyncCollectionReq) getChanges() bool {
	return r.GetChanges == nil || *r.GetChanges != "0"
}

type SyncCommandsReq struct {
	Add    []SyncAddReq
	Change []SyncChangeReq
	Delete []SyncDeleteReq
	Fetch  []SyncFetchReq
}

func (r *SyncCommandsReq) count() int {
	if r == nil {
		return 0
	}
	return len(r.Add) + len(r.Change) + len(r.Delete) + len(r.Fetch)
}

type SyncAddReq struct {
	ClientId        string
	ApplicationData *ApplicationData
}

type SyncChangeReq struct {
	ServerId        string
	ApplicationData *ApplicationData
}

type SyncDeleteReq struct {
	ServerId string
}

type SyncFetchReq struct {
	ServerId string
}

// ApplicationData is the opaque content of an item.
type ApplicationData struct {
	Data []byte `xml:",innerxml"`
}

type SyncResp struct {
	XMLName     xml.Name         `xml:"Sync"`
	NS          string           `xml:"xmlns,attr"`
	Status      int              `xml:",omitempty"`
	Collections *SyncCollections `xml:",omitempty"`
}

type SyncCollections struct {
	Collection []SyncCollectionResp
}

type SyncCollectionResp struct {
	SyncKey       string `xml:",omitempty"`
	CollectionId  string
	Status        int
	MoreAvailable *struct{}          `xml:",omitempty"`
	Commands      *SyncCommandsResp  `xml:",omitempty"`
	Responses     *SyncResponsesResp `xml:",omitempty"`
}

type SyncCommandsResp struct {
	Delete []SyncItemRef  `xml:",omitempty"`
	Change []SyncItemResp `xml:",omitempty"`
	Add    []SyncItemResp `xml:",omitempty"`
}

type SyncItemRef struct {
	ServerId string
}

type SyncItemResp struct {
	ServerId        string
	ApplicationData ApplicationData
}

type SyncResponsesResp struct {
	Add    []SyncAddResp    `xml:",omitempty"`
	Change []SyncStatusResp `xml:",omitempty"`
	Delete []SyncStatusResp `xml:",omitempty"`
	Fetch  []SyncFetchResp  `xml:",omitempty"`
}

func (r *SyncResponsesResp) empty() bool {
	return len(r.Add)+len(r.Change)+len(r.Delete)+len(r.Fetch) == 0
}

type SyncAddResp struct {
	ClientId string
	ServerId string `xml:",omitempty"`
	Status   int
}

type SyncStatusResp struct {
	ServerId string
	Status   int
}

type SyncFetchResp struct {
	ServerId        string
	Status          int
	ApplicationData *ApplicationData `xml:",omitempty"`
}

func (r *handler) handleSync() error {
	reqBody := new(SyncReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("Sync request: # of collections=%v, WindowSize=%v", len(reqBody.Collections.Collection), reqBody.WindowSize))

	resp := &SyncResp{NS: nsAirSync}
	if len(reqBody.Collections.Collection) == 0 {
		resp.Status = syncStatusMalformed
		return r.writeResponse(resp, resp.Status)
	}

	result := syncStatusSuccess
	resp.Collections = new(SyncCollections)
	for _, v := range reqBody.Collections.Collection {
		window := v.WindowSize
		if window == 0 {
			window = reqBody.WindowSize
		}
		c, err := r.syncCollection(v, clampWindow(window))
		if err != nil {
			return fmt.Errorf("failed to sync collection %v: %w", v.CollectionId, err)
		}
		if c.Status != syncStatusSuccess {
			result = c.Status
		}
		resp.Collections.Collection = append(resp.Collections.Collection, c)
	}

	return r.writeResponse(resp, result)
}

func clampWindow(n int) int {
	if n <= 0 || n > maxSyncWindowSize {
		return maxSyncWindowSize
	}
	return n
}

func (r *handler) syncCollection(req SyncCollectionReq, window int) (SyncCollectionResp, error) {
	resp := SyncCollectionResp{CollectionId: req.CollectionId}
	if req.SyncKey == nil || req.CollectionId == "" {
		resp.Status = syncStatusMalformed
		return resp, nil
	}
	key, err := activesync.ParseSyncKey(*req.SyncKey)
	if err != nil {
		logger.Info(fmt.Sprintf("Malformed sync key: UserID=%v, DeviceID=%v, CollectionID=%v, key=%q", r.req.UserID(), r.req.DeviceID, req.CollectionId, *req.SyncKey))
		resp.Status = syncStatusInvalidSyncKey
		return resp, nil
	}

	ctx := r.req.Context()
	folder, err := r.mailbox.GetFolder(ctx, req.CollectionId)
	if err != nil {
		if !isNotFound(err) {
			return SyncCollectionResp{}, err
		}
		// The client should resync the folder hierarchy.
		resp.Status = syncStatusHierarchyChanged
		return resp, nil
	}

	unlock := r.session.Lock(activesync.CollectionScope(folder.ID))
	defer unlock()

	userID, deviceID := r.req.UserID(), r.req.DeviceID
	if key.IsZero() {
		// The initial sync only primes the state.
		if (req.GetChanges != nil && req.getChanges()) || req.Commands.count() > 0 {
			resp.Status = syncStatusMalformed
			return resp, nil
		}
		state := activesync.CollectionState{
			CollectionID: folder.ID,
			SyncKey:      activesync.NewSyncKey(),
			Items:        make(map[string]activesync.VirtualItem),
		}
		if err := r.param.Storage.PutCollection(ctx, userID, deviceID, state); err != nil {
			return SyncCollectionResp{}, err
		}
		logger.Debug(fmt.Sprintf("Initial sync: UserID=%v, DeviceID=%v, CollectionID=%v, SyncKey=%v", userID, deviceID, folder.ID, state.SyncKey))
		resp.SyncKey = state.SyncKey.String()
		resp.Status = syncStatusSuccess
		return resp, nil
	}

	state, err := r.param.Storage.GetCollection(ctx, userID, deviceID, folder.ID)
	if err != nil {
		return SyncCollectionResp{}, err
	}
	if !state.IsInitialized() || key != state.SyncKey {
		logger.Info(fmt.Sprintf("Client sent corrupted sync key: IP=%v, UserID=%v, DeviceID=%v, CollectionID=%v, lastSyncKey=%v, sentSyncKey=%v", r.req.HTTP.RemoteAddr, userID, deviceID, folder.ID, state.SyncKey, key))
		resp.Status = syncStatusInvalidSyncKey
		return resp, nil
	}

	responses, err := r.applyClientCommands(folder, req, &state)
	if err != nil {
		return SyncCollectionResp{}, err
	}
	var commands *SyncCommandsResp
	more := false
	if req.getChanges() {
		commands, more, err = r.serverChanges(folder, &state, window)
		if err != nil {
			return SyncCollectionResp{}, err
		}
	}

	if !responses.empty() || commands != nil {
		state.SyncKey = state.SyncKey.Next()
	}
	if err := r.param.Storage.PutCollection(ctx, userID, deviceID, state); err != nil {
		return SyncCollectionResp{}, err
	}

	resp.SyncKey = state.SyncKey.String()
	resp.Status = syncStatusSuccess
	resp.Commands = commands
	if !responses.empty() {
		resp.Responses = responses
	}
	if more {
		resp.MoreAvailable = &struct{}{}
	}

	return resp, nil
}

// applyClientCommands applies the changes sent by the client and records
// them in the device view so that they are not echoed back.
func (r *handler) applyClientCommands(folder backend.Folder, req SyncCollectionReq, state *activesync.CollectionState) (*SyncResponsesResp, error) {
	resp := new(SyncResponsesResp)
	if req.Commands == nil {
		return resp, nil
	}

	ctx := r.req.Context()
	for _, v := range req.Commands.Add {
		if v.ClientId == "" || v.ApplicationData == nil {
			resp.Add = append(resp.Add, SyncAddResp{ClientId: v.ClientId, Status: syncStatusConversionError})
			continue
		}
		item, err := r.mailbox.AddItem(ctx, folder.ID, folder.Type.Class(), v.ApplicationData.Data)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			resp.Add = append(resp.Add, SyncAddResp{ClientId: v.ClientId, Status: syncStatusObjectNotFound})
			continue
		}
		state.Items[item.ID] = activesync.VirtualItem{ID: item.ID, ModSeq: item.ModSeq}
		resp.Add = append(resp.Add, SyncAddResp{ClientId: v.ClientId, ServerId: item.ID, Status: syncStatusSuccess})
	}

	for _, v := range req.Commands.Change {
		if v.ApplicationData == nil {
			resp.Change = append(resp.Change, SyncStatusResp{ServerId: v.ServerId, Status: syncStatusConversionError})
			continue
		}
		item, err := r.mailbox.UpdateItem(ctx, folder.ID, v.ServerId, v.ApplicationData.Data)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			resp.Change = append(resp.Change, SyncStatusResp{ServerId: v.ServerId, Status: syncStatusObjectNotFound})
			continue
		}
		// Successful changes are not reported back.
		state.Items[item.ID] = activesync.VirtualItem{ID: item.ID, ModSeq: item.ModSeq}
	}

	var trash *backend.Folder
	if req.deletesAsMoves() {
		f, err := r.findFolderByType(backend.DefaultDeleted)
		if err != nil {
			return nil, err
		}
		if f != nil && f.ID != folder.ID {
			trash = f
		}
	}
	for _, v := range req.Commands.Delete {
		var err error
		if trash != nil {
			_, err = r.mailbox.MoveItem(ctx, folder.ID, v.ServerId, trash.ID)
		} else {
			err = r.mailbox.DeleteItem(ctx, folder.ID, v.ServerId)
		}
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			resp.Delete = append(resp.Delete, SyncStatusResp{ServerId: v.ServerId, Status: syncStatusObjectNotFound})
			continue
		}
		delete(state.Items, v.ServerId)
	}

	for _, v := range req.Commands.Fetch {
		item, err := r.mailbox.GetItem(ctx, folder.ID, v.ServerId)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			resp.Fetch = append(resp.Fetch, SyncFetchResp{ServerId: v.ServerId, Status: syncStatusObjectNotFound})
			continue
		}
		resp.Fetch = append(resp.Fetch, SyncFetchResp{ServerId: item.ID, Status: syncStatusSuccess, ApplicationData: &ApplicationData{Data: item.Data}})
	}

	return resp, nil
}

func (r *handler) findFolderByType(t backend.FolderType) (*backend.Folder, error) {
	folders, err := r.mailbox.GetFolders(r.req.Context())
	if err != nil {
		return nil, err
	}
	for _, v := range folders {
		if v.Type == t {
			f := v
			return &f, nil
		}
	}

	return nil, nil
}

// pending is the set of changes between a device view and the items of a
// folder.
type pending struct {
	deleted []string
	changed []backend.Item
	added   []backend.Item
}

func (r pending) count() int {
	return len(r.deleted) + len(r.changed) + len(r.added)
}

func pendingChanges(view map[string]activesync.VirtualItem, items []backend.Item) pending {
	var p pending
	current := make(map[string]struct{}, len(items))
	for _, v := range items {
		current[v.ID] = struct{}{}
		old, ok := view[v.ID]
		switch {
		case !ok:
			p.added = append(p.added, v)
		case old.ModSeq != v.ModSeq:
			p.changed = append(p.changed, v)
		}
	}
	for id := range view {
		if _, ok := current[id]; !ok {
			p.deleted = append(p.deleted, id)
		}
	}
	sort.Strings(p.deleted)

	return p
}

// serverChanges returns at most window changes that the device has not
// seen yet and applies them to the view. more is true if some changes are
// left for the next Sync.
func (r *handler) serverChanges(folder backend.Folder, state *activesync.CollectionState, window int) (commands *SyncCommandsResp, more bool, err error) {
	items, err := r.mailbox.GetItems(r.req.Context(), folder.ID)
	if err != nil {
		return nil, false, err
	}
	p := pendingChanges(state.Items, items)
	if p.count() == 0 {
		return nil, false, nil
	}

	c := new(SyncCommandsResp)
	n := 0
	for _, id := range p.deleted {
		if n == window {
			break
		}
		c.Delete = append(c.Delete, SyncItemRef{ServerId: id})
		delete(state.Items, id)
		n++
	}
	for _, v := range p.changed {
		if n == window {
			break
		}
		c.Change = append(c.Change, SyncItemResp{ServerId: v.ID, ApplicationData: ApplicationData{Data: v.Data}})
		state.Items[v.ID] = activesync.VirtualItem{ID: v.ID, ModSeq: v.ModSeq}
		n++
	}
	for _, v := range p.added {
		if n == window {
			break
		}
		c.Add = append(c.Add, SyncItemResp{ServerId: v.ID, ApplicationData: ApplicationData{Data: v.Data}})
		state.Items[v.ID] = activesync.VirtualItem{ID: v.ID, ModSeq: v.ModSeq}
		n++
	}
	logger.Debug(fmt.Sprintf("Server changes: CollectionID=%v, sent=%v, pending=%v", folder.ID, n, p.count()))

	return c, n < p.count(), nil
}
