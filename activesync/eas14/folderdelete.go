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

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/logger"
)

const (
	folderDeleteStatusSpecial  = 3
	folderDeleteStatusNotFound = 4
)

type FolderDeleteReq struct {
	XMLName  xml.Name `xml:"FolderDelete"`
	SyncKey  *string
	ServerId string
}

type FolderDeleteResp struct {
	XMLName xml.Name `xml:"FolderDelete"`
	NS      string   `xml:"xmlns,attr"`
	Status  int
	SyncKey string `xml:",omitempty"`
}

func (r *handler) handleFolderDelete() error {
	reqBody := new(FolderDeleteReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("FolderDelete request: SyncKey=%v, ServerId=%v", deref(reqBody.SyncKey), reqBody.ServerId))

	response, err := r.folderDelete(reqBody)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	response.NS = nsFolderHierarchy

	return r.writeResponse(response, response.Status)
}

func (r *handler) folderDelete(req *FolderDeleteReq) (FolderDeleteResp, error) {
	if req.SyncKey == nil || req.ServerId == "" {
		return FolderDeleteResp{Status: folderStatusMalformed}, nil
	}

	unlock := r.session.Lock(activesync.ScopeHierarchy)
	defer unlock()

	check, err := r.checkHierarchyKey(req.SyncKey)
	if err != nil {
		return FolderDeleteResp{}, err
	}
	if check.status != 0 {
		return FolderDeleteResp{Status: check.status}, nil
	}

	ctx := r.req.Context()
	folders, err := r.mailbox.GetFolders(ctx)
	if err != nil {
		return FolderDeleteResp{}, err
	}
	f, ok := findFolder(folders, req.ServerId)
	if !ok {
		return FolderDeleteResp{Status: folderDeleteStatusNotFound}, nil
	}
	// Special folders like INBOX and the recipient information cache cannot be removed.
	if f.Type.IsSpecial() {
		return FolderDeleteResp{Status: folderDeleteStatusSpecial}, nil
	}

	removed := subtree(folders, f.ID)
	if err := r.mailbox.DeleteFolder(ctx, f.ID); err != nil {
		if isNotFound(err) {
			return FolderDeleteResp{Status: folderDeleteStatusNotFound}, nil
		}
		return FolderDeleteResp{}, err
	}
	for _, id := range removed {
		if err := r.param.Storage.DeleteCollection(ctx, r.req.UserID(), r.req.DeviceID, id); err != nil {
			return FolderDeleteResp{}, err
		}
	}

	newSyncKey, err := r.advanceHierarchyKey(check.state)
	if err != nil {
		return FolderDeleteResp{}, err
	}
	logger.Debug(fmt.Sprintf("Folder is deleted: FolderID=%v, subfolders=%v, UserID=%v, DeviceID=%v", f.ID, len(removed)-1, r.req.UserID(), r.req.DeviceID))

	return FolderDeleteResp{Status: folderStatusSuccess, SyncKey: newSyncKey.String()}, nil
}
