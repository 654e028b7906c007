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

const nsGetItemEstimate = "GetItemEstimate"

const (
	estimateStatusSuccess           = 1
	estimateStatusInvalidCollection = 2
	estimateStatusNotPrimed         = 3
	estimateStatusInvalidSyncKey    = 4
)

type GetItemEstimateReq struct {
	XMLName     xml.Name `xml:"GetItemEstimate"`
	Collections struct {
		Collection []struct {
			SyncKey      string
			CollectionId string
			Options      *SyncOptions
		}
	}
}

func (r *GetItemEstimateReq) CheckSchema() error {
	if len(r.Collections.Collection) == 0 {
		return fmt.Errorf("no collection in GetItemEstimate request")
	}
	return nil
}

type GetItemEstimateResp struct {
	XMLName  xml.Name `xml:"GetItemEstimate"`
	NS       string   `xml:"xmlns,attr"`
	Response []EstimateResponse
}

type EstimateResponse struct {
	Status     int
	Collection *EstimateCollection `xml:",omitempty"`
}

type EstimateCollection struct {
	CollectionId string
	Estimate     int
}

func (r *handler) handleGetItemEstimate() error {
	reqBody := new(GetItemEstimateReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}

	resp := &GetItemEstimateResp{NS: nsGetItemEstimate}
	result := estimateStatusSuccess
	for _, v := range reqBody.Collections.Collection {
		e, err := r.estimate(v.CollectionId, v.SyncKey)
		if err != nil {
			return fmt.Errorf("failed to estimate collection %v: %w", v.CollectionId, err)
		}
		if e.Status != estimateStatusSuccess {
			result = e.Status
		}
		resp.Response = append(resp.Response, e)
	}

	return r.writeResponse(resp, result)
}

func (r *handler) estimate(collectionID, syncKey string) (EstimateResponse, error) {
	ctx := r.req.Context()
	folder, err := r.mailbox.GetFolder(ctx, collectionID)
	if err != nil {
		if !isNotFound(err) {
			return EstimateResponse{}, err
		}
		return EstimateResponse{Status: estimateStatusInvalidCollection}, nil
	}

	key, err := activesync.ParseSyncKey(syncKey)
	if err != nil {
		return EstimateResponse{Status: estimateStatusInvalidSyncKey}, nil
	}
	if key.IsZero() {
		return EstimateResponse{Status: estimateStatusNotPrimed}, nil
	}
	state, err := r.param.Storage.GetCollection(ctx, r.req.UserID(), r.req.DeviceID, folder.ID)
	if err != nil {
		return EstimateResponse{}, err
	}
	if !state.IsInitialized() {
		return EstimateResponse{Status: estimateStatusNotPrimed}, nil
	}
	if key != state.SyncKey {
		return EstimateResponse{Status: estimateStatusInvalidSyncKey}, nil
	}

	items, err := r.mailbox.GetItems(ctx, folder.ID)
	if err != nil {
		return EstimateResponse{}, err
	}
	n := pendingChanges(state.Items, items).count()
	logger.Debug(fmt.Sprintf("Item estimate: CollectionID=%v, estimate=%v", folder.ID, n))

	return EstimateResponse{
		Status:     estimateStatusSuccess,
		Collection: &EstimateCollection{CollectionId: folder.ID, Estimate: n},
	}, nil
}
