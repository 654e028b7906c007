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
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

const (
	folderCreateStatusExists        = 2
	folderCreateStatusSpecialParent = 3
	folderCreateStatusNoParent      = 5
)

type FolderCreateReq struct {
	XMLName     xml.Name `xml:"FolderCreate"`
	SyncKey     *string
	ParentId    string
	DisplayName string
	Type        int
}

type FolderCreateResp struct {
	XMLName  xml.Name `xml:"FolderCreate"`
	NS       string   `xml:"xmlns,attr"`
	Status   int
	SyncKey  string `xml:",omitempty"`
	ServerId string `xml:",omitempty"`
}

func (r *handler) handleFolderCreate() error {
	reqBody := new(FolderCreateReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("FolderCreate request: SyncKey=%v, ParentId=%v, DisplayName=%v, Type=%v", deref(reqBody.SyncKey), reqBody.ParentId, reqBody.DisplayName, reqBody.Type))

	response, err := r.folderCreate(reqBody)
	if err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	response.NS = nsFolderHierarchy

	return r.writeResponse(response, response.Status)
}

func (r *handler) folderCreate(req *FolderCreateReq) (FolderCreateResp, error) {
	if req.SyncKey == nil {
		return FolderCreateResp{Status: folderStatusMalformed}, nil
	}
	// Empty or too long folder name?
	if len(req.DisplayName) == 0 || len([]rune(req.DisplayName)) > maxFolderName {
		// Malformed request
		return FolderCreateResp{Status: folderStatusMalformed}, nil
	}
	// Creating a special folder like INBOX?
	ft := backend.FolderType(req.Type)
	if !ft.IsValid() || ft.IsSpecial() {
		// Malformed request
		return FolderCreateResp{Status: folderStatusMalformed}, nil
	}
	parentID := req.ParentId
	if parentID == "" {
		parentID = backend.RootFolderID
	}

	unlock := r.session.Lock(activesync.ScopeHierarchy)
	defer unlock()

	check, err := r.checkHierarchyKey(req.SyncKey)
	if err != nil {
		return FolderCreateResp{}, err
	}
	if check.status != 0 {
		return FolderCreateResp{Status: check.status}, nil
	}

	ctx := r.req.Context()
	if parentID != backend.RootFolderID {
		folders, err := r.mailbox.GetFolders(ctx)
		if err != nil {
			return FolderCreateResp{}, err
		}
		if _, ok := findFolder(folders, parentID); !ok {
			// The parent folder does not exist.
			return FolderCreateResp{Status: folderCreateStatusNoParent}, nil
		}
		if isUnderRecipientCache(folders, parentID) {
			return FolderCreateResp{Status: folderCreateStatusSpecialParent}, nil
		}
	}

	f, err := r.mailbox.AddFolder(ctx, parentID, req.DisplayName, ft)
	if err != nil {
		switch {
		case isNotFound(err):
			// The parent folder has been removed by someone else.
			return FolderCreateResp{Status: folderCreateStatusNoParent}, nil
		case isDuplicated(err):
			// The parent folder already contains a folder that has this name.
			return FolderCreateResp{Status: folderCreateStatusExists}, nil
		default:
			return FolderCreateResp{}, err
		}
	}

	newSyncKey, err := r.advanceHierarchyKey(check.state)
	if err != nil {
		return FolderCreateResp{}, err
	}
	logger.Debug(fmt.Sprintf("New folder is created: FolderID=%v, FolderName=%v, IP=%v, UserID=%v, DeviceID=%v", f.ID, f.Name, r.req.HTTP.RemoteAddr, r.req.UserID(), r.req.DeviceID))

	return FolderCreateResp{Status: folderStatusSuccess, SyncKey: newSyncKey.String(), ServerId: f.ID}, nil
}
