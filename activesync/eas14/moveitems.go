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
	"github.com/superkkt/omega-eas/logger"
)

const (
	nsMove       = "Move"
	maxMoveItems = 100
)

const (
	moveStatusInvalidSource      = 1
	moveStatusInvalidDestination = 2
	moveStatusSuccess            = 3
	moveStatusSameFolder         = 4
	moveStatusMultipleTargets    = 5
)

type MoveItemsReq struct {
	XMLName xml.Name `xml:"MoveItems"`
	Move    []MoveItem
}

func (r *MoveItemsReq) CheckSchema() error {
	if len(r.Move) == 0 {
		return errors.New("empty MoveItems request")
	}
	for _, v := range r.Move {
		if v.SrcMsgId == "" || v.SrcFldId == "" || v.DstFldId == "" {
			return fmt.Errorf("incomplete Move element: %+v", v)
		}
	}

	return activesync.RangeExceeded("Move", len(r.Move), maxMoveItems)
}

type MoveItem struct {
	SrcMsgId string
	SrcFldId string
	DstFldId string
}

type MoveItemsResp struct {
	XMLName  xml.Name `xml:"MoveItems"`
	NS       string   `xml:"xmlns,attr"`
	Response []MoveResponse
}

type MoveResponse struct {
	SrcMsgId string
	Status   int
	DstMsgId string `xml:",omitempty"`
}

func (r *handler) handleMoveItems() error {
	reqBody := new(MoveItemsReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("MoveItems request: %+v", reqBody.Move))

	resp, err := r.moveItems(reqBody.Move)
	if err != nil {
		return err
	}
	resp.NS = nsMove

	result := moveStatusSuccess
	for _, v := range resp.Response {
		if v.Status != moveStatusSuccess {
			result = v.Status
			break
		}
	}

	return r.writeResponse(resp, result)
}

type moveSource struct {
	folderID, itemID string
}

// moveItems processes the entries in order. Every entry gets its own status
// and a failed entry never affects the others.
func (r *handler) moveItems(items []MoveItem) (*MoveItemsResp, error) {
	ctx := r.req.Context()
	folders, err := r.mailbox.GetFolders(ctx)
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(folders))
	for _, v := range folders {
		exists[v.ID] = true
	}

	resp := new(MoveItemsResp)
	seen := make(map[moveSource]bool)
	for _, v := range items {
		// Only the first entry naming a source item is processed, whatever
		// its result.
		src := moveSource{folderID: v.SrcFldId, itemID: v.SrcMsgId}
		repeated := seen[src]
		seen[src] = true

		// Validate folder IDs
		if v.SrcFldId == v.DstFldId {
			// Source and destination collection IDs are the same.
			resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusSameFolder})
			continue
		}
		if repeated {
			resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusMultipleTargets})
			continue
		}
		if !exists[v.SrcFldId] {
			// We don't have the source folder.
			logger.Debug(fmt.Sprintf("MoveItems: unknown source folder: %v", v.SrcFldId))
			resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusInvalidSource})
			continue
		}
		if !exists[v.DstFldId] {
			// We don't have the destination folder.
			resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusInvalidDestination})
			continue
		}

		// NOTE:
		// DO NOT APPLY THIS CHANGE TO THE DEVICE VIEW SO THAT THE NEXT SYNC
		// REQUESTS REPORT THIS MOVE AS A DELETE AND AN ADD!!!
		newID, err := r.mailbox.MoveItem(ctx, v.SrcFldId, v.SrcMsgId, v.DstFldId)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			// The item has been already moved or does not exist.
			logger.Debug(fmt.Sprintf("MoveItems: item not in the source folder: %v/%v", v.SrcFldId, v.SrcMsgId))
			resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusInvalidSource})
			continue
		}
		logger.Debug(fmt.Sprintf("Moved an item: %v/%v -> %v/%v", v.SrcFldId, v.SrcMsgId, v.DstFldId, newID))
		resp.Response = append(resp.Response, MoveResponse{SrcMsgId: v.SrcMsgId, Status: moveStatusSuccess, DstMsgId: newID})
	}

	return resp, nil
}
