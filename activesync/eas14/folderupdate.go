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
	"errors"
	"fmt"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

const (
	folderUpdateStatusExists   = 2
	folderUpdateStatusCache    = 3
	folderUpdateStatusNotFound = 4
	folderUpdateStatusNoParent = 5
)

type FolderUpdateReq struct {
	XMLName     xml.Name `xml:"FolderUpdate"`
	SyncKey     *string
	ServerId    string
	ParentId    string
	DisplayName string
}

type FolderUpdateResp struct {
	XMLName xml.Name `xml:"FolderUpdate"`
	NS      string   `xml:"xmlns,attr"`
	Status  int
	SyncKey string `xml:",omitempty"`
}

func (r *handler) handleFolderUpdate() error {
	reqBody := new(FolderUpdateReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("FolderUpdate request: SyncKey=%v, ServerId=%v, ParentId=%v, DisplayName=%v", deref(reqBody.SyncKey), reqBody.ServerId, reqBody.ParentId, reqBody.DisplayName))

	response, err := r.folderUpdate(reqBody)
	if err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	response.NS = nsFolderHierarchy

	return r.writeResponse(response, response.Status)
}

func (r *handler) folderUpdate(req *FolderUpdateReq) (FolderUpdateResp, error) {
	if req.SyncKey == nil || req.ServerId == "" {
		return FolderUpdateResp{Status: folderStatusMalformed}, nil
	}
	if len(req.DisplayName) == 0 || len([]rune(req.DisplayName)) > maxFolderName {
		return FolderUpdateResp{Status: folderStatusMalformed}, nil
	}
	parentID := req.ParentId
	if parentID == "" {
		parentID = backend.RootFolderID
	}

	unlock := r.session.Lock(activesync.ScopeHierarchy)
	defer unlock()

	check, err := r.checkHierarchyKey(req.SyncKey)
	if err != nil {
		return FolderUpdateResp{}, err
	}
	if check.status != 0 {
		return FolderUpdateResp{Status: check.status}, nil
	}

	ctx := r.req.Context()
	folders, err := r.mailbox.GetFolders(ctx)
	if err != nil {
		return FolderUpdateResp{}, err
	}
	f, ok := findFolder(folders, req.ServerId)
	if !ok {
		return FolderUpdateResp{Status: folderUpdateStatusNotFound}, nil
	}
	if f.Type == backend.RecipientInfoCache {
		return FolderUpdateResp{Status: folderUpdateStatusCache}, nil
	}
	// Special folders cannot be renamed or moved.
	if f.Type.IsSpecial() {
		return FolderUpdateResp{Status: folderUpdateStatusExists}, nil
	}
	if parentID != backend.RootFolderID {
		if _, ok := findFolder(folders, parentID); !ok {
			return FolderUpdateResp{Status: folderUpdateStatusNoParent}, nil
		}
		if isUnderRecipientCache(folders, parentID) {
			return FolderUpdateResp{Status: folderUpdateStatusCache}, nil
		}
	}

	if err := r.mailbox.UpdateFolder(ctx, f.ID, parentID, req.DisplayName); err != nil {
		switch {
		case errors.Is(err, backend.ErrInvalidParent):
			// The new parent is the folder itself or one of its descendants.
			return FolderUpdateResp{Status: folderUpdateStatusNoParent}, nil
		case isDuplicated(err):
			return FolderUpdateResp{Status: folderUpdateStatusExists}, nil
		case isNotFound(err):
			// Either the folder or the new parent has been removed by someone else.
			if _, err := r.mailbox.GetFolder(ctx, f.ID); isNotFound(err) {
				return FolderUpdateResp{Status: folderUpdateStatusNotFound}, nil
			}
			return FolderUpdateResp{Status: folderUpdateStatusNoParent}, nil
		default:
			return FolderUpdateResp{}, err
		}
	}

	newSyncKey, err := r.advanceHierarchyKey(check.state)
	if err != nil {
		return FolderUpdateResp{}, err
	}
	logger.Debug(fmt.Sprintf("Folder is updated: FolderID=%v, ParentID=%v, FolderName=%v, UserID=%v, DeviceID=%v", f.ID, parentID, req.DisplayName, r.req.UserID(), r.req.DeviceID))

	return FolderUpdateResp{Status: folderStatusSuccess, SyncKey: newSyncKey.String()}, nil
}
