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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

type handler struct {
	param   activesync.Parameter
	req     *activesync.Request
	resp    *activesync.ResponseWriter
	session *activesync.Session
	mailbox backend.Mailbox
}

func (r *handler) Handle(w *activesync.ResponseWriter, req *activesync.Request) {
	r.req = req
	r.resp = w
	r.session = r.param.Sessions.Get(req.UserID(), req.DeviceID)
	r.mailbox = r.param.Backend.Mailbox(req.Credential)
	logger.Debug(fmt.Sprintf("CMD: %v, UserID=%v, DeviceID=%v", req.Command, req.UserID(), req.DeviceID))

	err := r.handle()
	if err == nil {
		return
	}

	var fault *activesync.Fault
	if errors.As(err, &fault) {
		logger.Info(fmt.Sprintf("Bad %v request: IP=%v, UserID=%v, DeviceID=%v: %v", req.Command, req.HTTP.RemoteAddr, req.UserID(), req.DeviceID, err))
		if err := activesync.WriteStatus(w, req.Command, fault.Status); err == nil {
			return
		}
	}
	logger.Error(fmt.Sprintf("Failed to handle %v: UserID=%v, DeviceID=%v: %v", req.Command, req.UserID(), req.DeviceID, err))
	w.Clear()
	w.WriteHeader(http.StatusInternalServerError)
}

// handle processes the request. Protocol failures are written into the
// response by the command handlers; a returned *activesync.Fault is written
// as a bare status document and any other error becomes HTTP 500.
func (r *handler) handle() error {
	device, err := r.touchDevice()
	if err != nil {
		return err
	}
	if r.req.Command != activesync.CmdProvision {
		if s := r.checkPolicy(device); s != activesync.StatusSuccess {
			logger.Info(fmt.Sprintf("Policy check failed: UserID=%v, DeviceID=%v, PolicyKey=%q, status=%v", r.req.UserID(), r.req.DeviceID, r.req.PolicyKey, s))
			return activesync.WriteStatus(r.resp, r.req.Command, s)
		}
	}

	switch r.req.Command {
	case activesync.CmdProvision:
		return r.handleProvision()
	case activesync.CmdFolderSync:
		return r.handleFolderSync()
	case activesync.CmdFolderCreate:
		return r.handleFolderCreate()
	case activesync.CmdFolderDelete:
		return r.handleFolderDelete()
	case activesync.CmdFolderUpdate:
		return r.handleFolderUpdate()
	case activesync.CmdGetHierarchy:
		return r.handleGetHierarchy()
	case activesync.CmdSync:
		return r.handleSync()
	case activesync.CmdGetItemEstimate:
		return r.handleGetItemEstimate()
	case activesync.CmdMoveItems:
		return r.handleMoveItems()
	case activesync.CmdPing:
		return r.handlePing()
	case activesync.CmdSendMail:
		return r.handleSendMail()
	default:
		logger.Debug(fmt.Sprintf("Unsupported command (%v) request", r.req.Command))
		r.resp.WriteHeader(http.StatusNotImplemented)
		return nil
	}
}

// touchDevice records the identity headers of the device and returns its
// state.
func (r *handler) touchDevice() (activesync.Device, error) {
	unlock := r.session.Lock(activesync.ScopeDevice)
	defer unlock()

	ctx := r.req.Context()
	d, err := r.param.Storage.GetDevice(ctx, r.req.UserID(), r.req.DeviceID)
	if err != nil {
		return activesync.Device{}, err
	}
	d.DeviceType = r.req.DeviceType
	d.ProtocolVersion = r.req.ProtocolVersion
	d.LastSeen = time.Now()
	if err := r.param.Storage.PutDevice(ctx, d); err != nil {
		return activesync.Device{}, err
	}

	return d, nil
}

func (r *handler) checkPolicy(d activesync.Device) activesync.Status {
	if !d.Policy.IsProvisioned() {
		if r.param.Provisioning.Required {
			return activesync.StatusDeviceNotProvisioned
		}
		return activesync.StatusSuccess
	}
	if r.req.PolicyKey != strconv.FormatUint(uint64(d.Policy.Key), 10) {
		return activesync.StatusInvalidPolicyKey
	}

	return activesync.StatusSuccess
}

// writeResponse writes v as the response document and records s as the
// result of the command.
func (r *handler) writeResponse(v interface{}, s int) error {
	if err := r.resp.WriteDocument(v); err != nil {
		return err
	}
	r.resp.SetResult(activesync.Status(s))

	return nil
}
