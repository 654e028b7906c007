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
	"time"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/database"
	"github.com/superkkt/omega-eas/logger"
)

const nsPing = "Ping"

const (
	pingStatusExpired          = 1
	pingStatusChanged          = 2
	pingStatusMissingParams    = 3
	pingStatusSyntaxError      = 4
	pingStatusInvalidInterval  = 5
	pingStatusTooManyFolders   = 6
	pingStatusHierarchyChanged = 7
)

type PingReq struct {
	XMLName           xml.Name `xml:"Ping"`
	HeartbeatInterval int
	Folders           struct {
		Folder []PingFolderReq
	}
}

type PingFolderReq struct {
	Id    string
	Class string
}

type PingResp struct {
	XMLName           xml.Name `xml:"Ping"`
	NS                string   `xml:"xmlns,attr"`
	Status            int
	HeartbeatInterval int            `xml:",omitempty"`
	MaxFolders        int            `xml:",omitempty"`
	Folders           *ChangedFolder `xml:",omitempty"`
}

type ChangedFolder struct {
	Folder []string
}

// NOTE:
// Ping should immediately return if there are changes to be synced in the
// specified folders. DO NOT HOLD ANY SESSION LOCK WHILE WAITING, OR OTHER
// COMMANDS OF THE DEVICE WILL BLOCK UNTIL THE HEARTBEAT EXPIRES.
func (r *handler) handlePing() error {
	reqBody := new(PingReq)
	if !r.req.IsEmpty() {
		if err := r.req.Decode(reqBody); err != nil {
			var fault *activesync.Fault
			if !errors.As(err, &fault) {
				return err
			}
			logger.Info(fmt.Sprintf("Invalid Ping request: UserID=%v, DeviceID=%v: %v", r.req.UserID(), r.req.DeviceID, err))
			return r.writePing(PingResp{Status: pingStatusSyntaxError})
		}
	}
	logger.Debug(fmt.Sprintf("Ping request: HeartbeatInterval=%v, Folders=%+v", reqBody.HeartbeatInterval, reqBody.Folders.Folder))

	resp, err := r.ping(reqBody)
	if err != nil {
		return err
	}

	return r.writePing(resp)
}

func (r *handler) writePing(resp PingResp) error {
	resp.NS = nsPing
	return r.writeResponse(resp, resp.Status)
}

func (r *handler) ping(req *PingReq) (PingResp, error) {
	ctx := r.req.Context()
	userID, deviceID := r.req.UserID(), r.req.DeviceID
	conf := r.param.Ping

	sub, err := r.param.Storage.GetPingSubscription(ctx, userID, deviceID)
	saved := err == nil
	if err != nil && !database.IsNotFound(err) {
		return PingResp{}, err
	}

	// Missing parameters are taken from the previous Ping request.
	if len(req.Folders.Folder) > 0 {
		sub.Folders = nil
		for _, v := range req.Folders.Folder {
			sub.Folders = append(sub.Folders, activesync.PingFolder{ID: v.Id, Class: v.Class})
		}
	}
	if req.HeartbeatInterval != 0 {
		sub.HeartbeatInterval = req.HeartbeatInterval
	}
	if !saved && (len(req.Folders.Folder) == 0 || req.HeartbeatInterval == 0) {
		logger.Debug(fmt.Sprintf("Invalid Ping request: # of folders = %v, HeartbeatInterval = %v", len(req.Folders.Folder), req.HeartbeatInterval))
		// Ask to reissue the Ping command request with the entire XML body.
		return PingResp{Status: pingStatusMissingParams}, nil
	}

	// Ask to resend the Ping command request with the new, shorter list if it is requested with too many folders.
	if len(sub.Folders) > conf.MaxFolders {
		logger.Debug(fmt.Sprintf("Too many monitoring folders in the Ping request: %v", len(sub.Folders)))
		return PingResp{Status: pingStatusTooManyFolders, MaxFolders: conf.MaxFolders}, nil
	}
	// Ask to resend the Ping command with adjusted heartbeat interval if it is outside the allowed range.
	interval := time.Duration(sub.HeartbeatInterval) * time.Second
	if interval < conf.MinHeartbeat {
		logger.Debug(fmt.Sprintf("HeartbeatInterval is too short: %v", sub.HeartbeatInterval))
		return PingResp{Status: pingStatusInvalidInterval, HeartbeatInterval: int(conf.MinHeartbeat / time.Second)}, nil
	}
	if interval > conf.MaxHeartbeat {
		logger.Debug(fmt.Sprintf("HeartbeatInterval is too long: %v", sub.HeartbeatInterval))
		return PingResp{Status: pingStatusInvalidInterval, HeartbeatInterval: int(conf.MaxHeartbeat / time.Second)}, nil
	}

	hierarchy, err := r.param.Storage.GetHierarchy(ctx, userID, deviceID)
	if err != nil {
		return PingResp{}, err
	}
	hierModSeq, err := r.mailbox.HierarchyModSeq(ctx)
	if err != nil {
		return PingResp{}, err
	}
	// The device should synchronize the folder hierarchy first.
	if !hierarchy.IsInitialized() || hierarchy.ModSeq != hierModSeq {
		logger.Debug(fmt.Sprintf("Folder hierarchy is out of date: UserID=%v, DeviceID=%v", userID, deviceID))
		return PingResp{Status: pingStatusHierarchyChanged}, nil
	}
	for i, v := range sub.Folders {
		if _, ok := hierarchy.Folders[v.ID]; !ok {
			logger.Debug(fmt.Sprintf("Unknown folder ID in the Ping request: folderID=%v", v.ID))
			return PingResp{Status: pingStatusHierarchyChanged}, nil
		}
		modSeq, err := r.mailbox.FolderModSeq(ctx, v.ID)
		if err != nil {
			if !isNotFound(err) {
				return PingResp{}, err
			}
			return PingResp{Status: pingStatusHierarchyChanged}, nil
		}
		sub.Folders[i].ModSeq = modSeq
	}
	sub.HierarchyModSeq = hierModSeq

	// Store this ping request as the subscription of the device.
	if err := r.param.Storage.PutPingSubscription(ctx, userID, deviceID, sub); err != nil {
		return PingResp{}, err
	}

	return r.waitPing(sub, interval)
}

func (r *handler) waitPing(sub activesync.PingSubscription, interval time.Duration) (PingResp, error) {
	// Another command of this device cancels ctx.
	ctx, done := r.session.BeginPing(r.req.Context())
	defer done()
	r.param.Metrics.PingStarted()
	defer r.param.Metrics.PingFinished()

	deadline := time.NewTimer(interval)
	defer deadline.Stop()
	poll := time.NewTicker(r.param.Ping.PollInterval)
	defer poll.Stop()

	for {
		// Subscribe before checking so that no change is missed.
		wake := r.param.Notifier.Wait(r.req.UserID())
		resp, ok, err := r.checkPing(sub)
		if err != nil {
			return PingResp{}, err
		}
		if ok {
			return resp, nil
		}

		select {
		case <-wake:
		case <-poll.C:
		case <-deadline.C:
			logger.Debug("No changes during the Ping period!")
			// No changed folders to be synchronized
			return PingResp{Status: pingStatusExpired}, nil
		case <-ctx.Done():
			logger.Debug(fmt.Sprintf("Ping is canceled: UserID=%v, DeviceID=%v", r.req.UserID(), r.req.DeviceID))
			return PingResp{Status: pingStatusExpired}, nil
		}
	}
}

// checkPing returns the response to send if the hierarchy or a monitored
// folder has changed since the subscription.
func (r *handler) checkPing(sub activesync.PingSubscription) (resp PingResp, ok bool, err error) {
	ctx := r.req.Context()
	hierModSeq, err := r.mailbox.HierarchyModSeq(ctx)
	if err != nil {
		return PingResp{}, false, err
	}
	if hierModSeq != sub.HierarchyModSeq {
		return PingResp{Status: pingStatusHierarchyChanged}, true, nil
	}

	var changes []string
	for _, v := range sub.Folders {
		changed, err := r.isFolderChanged(v)
		if err != nil {
			return PingResp{}, false, err
		}
		if changed {
			changes = append(changes, v.ID)
		}
	}
	if len(changes) == 0 {
		return PingResp{}, false, nil
	}
	// We have changes to be synced.
	logger.Debug(fmt.Sprintf("Ping founds %v changes: folder IDs=%+v", len(changes), changes))

	return PingResp{Status: pingStatusChanged, Folders: &ChangedFolder{Folder: changes}}, true, nil
}

// isFolderChanged compares the folder with the view of the last Sync, or
// with the state at subscription time if the folder has never been synced.
func (r *handler) isFolderChanged(f activesync.PingFolder) (bool, error) {
	ctx := r.req.Context()
	state, err := r.param.Storage.GetCollection(ctx, r.req.UserID(), r.req.DeviceID, f.ID)
	if err != nil {
		return false, err
	}
	if !state.IsInitialized() {
		modSeq, err := r.mailbox.FolderModSeq(ctx, f.ID)
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, err
		}
		return modSeq != f.ModSeq, nil
	}

	items, err := r.mailbox.GetItems(ctx, f.ID)
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}

	return pendingChanges(state.Items, items).count() > 0, nil
}
