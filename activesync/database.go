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

package activesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/superkkt/omega-eas/database"
)

// StateKey locates one engine state record of a device.
type StateKey struct {
	UserID   string
	DeviceID string
	Name     string
}

func (r StateKey) String() string {
	return fmt.Sprintf("%v/%v/%v", r.UserID, r.DeviceID, r.Name)
}

// StateStore is the persistence backend of the engine state. Records are
// opaque blobs. LoadState returns database.ErrNotFound if the key does not
// exist.
type StateStore interface {
	LoadState(ctx context.Context, key StateKey) ([]byte, error)
	SaveState(ctx context.Context, key StateKey, data []byte) error
	DeleteState(ctx context.Context, key StateKey) error
	// DeleteStates removes every record of the device whose name starts
	// with prefix.
	DeleteStates(ctx context.Context, userID, deviceID, prefix string) error
}

const (
	stateDevice     = "device"
	stateHierarchy  = "hierarchy"
	statePing       = "ping"
	stateCollection = "collection/"
)

// Device is the per-device record: identity, provisioning and the recently
// submitted message client IDs.
type Device struct {
	UserID          string       `json:"user_id"`
	DeviceID        string       `json:"device_id"`
	DeviceType      string       `json:"device_type"`
	ProtocolVersion string       `json:"protocol_version"`
	Policy          PolicyState  `json:"policy"`
	ClientIDs       []string     `json:"client_ids,omitempty"`
	LastSeen        time.Time    `json:"last_seen"`
	Info            DeviceDetail `json:"info"`
}

const maxRememberedClientIDs = 100

// HasClientID reports whether a message with id was already submitted.
func (r *Device) HasClientID(id string) bool {
	for _, v := range r.ClientIDs {
		if v == id {
			return true
		}
	}

	return false
}

func (r *Device) RememberClientID(id string) {
	r.ClientIDs = append(r.ClientIDs, id)
	if n := len(r.ClientIDs); n > maxRememberedClientIDs {
		r.ClientIDs = r.ClientIDs[n-maxRememberedClientIDs:]
	}
}

type DeviceDetail struct {
	Model        string `json:"model,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	OS           string `json:"os,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// PolicyState records the provisioning handshake. PendingKey is the
// temporary key handed out in the first phase and Key is the final key
// issued after the acknowledgement. Zero means none.
type PolicyState struct {
	PolicyType string `json:"policy_type,omitempty"`
	PendingKey uint32 `json:"pending_key,omitempty"`
	Key        uint32 `json:"key,omitempty"`
}

func (r PolicyState) IsProvisioned() bool {
	return r.Key != 0
}

// VirtualFolder is a folder as the device last saw it.
type VirtualFolder struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
}

// HierarchyState is the device view of the folder tree. ModSeq is the
// hierarchy modification sequence the view and the sync key are bound to.
type HierarchyState struct {
	SyncKey SyncKey                  `json:"sync_key"`
	ModSeq  uint64                   `json:"modseq"`
	Folders map[string]VirtualFolder `json:"folders"`
}

func (r HierarchyState) IsInitialized() bool {
	return !r.SyncKey.IsZero()
}

// VirtualItem is an item as the device last saw it.
type VirtualItem struct {
	ID     string `json:"id"`
	ModSeq uint64 `json:"modseq"`
}

// CollectionState is the device view of one folder's content.
type CollectionState struct {
	CollectionID string                 `json:"collection_id"`
	SyncKey      SyncKey                `json:"sync_key"`
	Items        map[string]VirtualItem `json:"items"`
}

func (r CollectionState) IsInitialized() bool {
	return !r.SyncKey.IsZero()
}

type PingFolder struct {
	ID     string `json:"id"`
	Class  string `json:"class"`
	ModSeq uint64 `json:"modseq"`
}

// PingSubscription is the last accepted Ping request of a device.
type PingSubscription struct {
	HeartbeatInterval int          `json:"heartbeat_interval"`
	HierarchyModSeq   uint64       `json:"hierarchy_modseq"`
	Folders           []PingFolder `json:"folders"`
}

// Storage persists the engine state on top of a StateStore. All methods
// return an error wrapping database.ErrNotFound for missing records.
type Storage struct {
	store StateStore
}

func NewStorage(s StateStore) *Storage {
	return &Storage{store: s}
}

func (r *Storage) load(ctx context.Context, key StateKey, v interface{}) error {
	data, err := r.store.LoadState(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding state %v: %w", key, err)
	}

	return nil
}

func (r *Storage) save(ctx context.Context, key StateKey, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding state %v: %w", key, err)
	}

	return r.store.SaveState(ctx, key, data)
}

// GetDevice returns the device record. A device that never talked to the
// server gets an empty record without error.
func (r *Storage) GetDevice(ctx context.Context, userID, deviceID string) (Device, error) {
	v := Device{UserID: userID, DeviceID: deviceID}
	err := r.load(ctx, StateKey{userID, deviceID, stateDevice}, &v)
	if err != nil && !database.IsNotFound(err) {
		return Device{}, err
	}

	return v, nil
}

func (r *Storage) PutDevice(ctx context.Context, d Device) error {
	return r.save(ctx, StateKey{d.UserID, d.DeviceID, stateDevice}, d)
}

// GetHierarchy returns the folder hierarchy view. An uninitialized view is
// returned for a device that has never synchronized the hierarchy.
func (r *Storage) GetHierarchy(ctx context.Context, userID, deviceID string) (HierarchyState, error) {
	var v HierarchyState
	err := r.load(ctx, StateKey{userID, deviceID, stateHierarchy}, &v)
	if err != nil && !database.IsNotFound(err) {
		return HierarchyState{}, err
	}
	if v.Folders == nil {
		v.Folders = make(map[string]VirtualFolder)
	}

	return v, nil
}

func (r *Storage) PutHierarchy(ctx context.Context, userID, deviceID string, s HierarchyState) error {
	return r.save(ctx, StateKey{userID, deviceID, stateHierarchy}, s)
}

// ResetHierarchy drops the hierarchy view and every collection view of the
// device.
func (r *Storage) ResetHierarchy(ctx context.Context, userID, deviceID string) error {
	if err := r.store.DeleteStates(ctx, userID, deviceID, stateCollection); err != nil {
		return err
	}

	return r.store.DeleteState(ctx, StateKey{userID, deviceID, stateHierarchy})
}

func (r *Storage) GetCollection(ctx context.Context, userID, deviceID, collectionID string) (CollectionState, error) {
	v := CollectionState{CollectionID: collectionID}
	err := r.load(ctx, StateKey{userID, deviceID, stateCollection + collectionID}, &v)
	if err != nil && !database.IsNotFound(err) {
		return CollectionState{}, err
	}
	if v.Items == nil {
		v.Items = make(map[string]VirtualItem)
	}

	return v, nil
}

func (r *Storage) PutCollection(ctx context.Context, userID, deviceID string, s CollectionState) error {
	return r.save(ctx, StateKey{userID, deviceID, stateCollection + s.CollectionID}, s)
}

func (r *Storage) DeleteCollection(ctx context.Context, userID, deviceID, collectionID string) error {
	return r.store.DeleteState(ctx, StateKey{userID, deviceID, stateCollection + collectionID})
}

// GetPingSubscription returns database.ErrNotFound if the device has never
// sent a complete Ping request.
func (r *Storage) GetPingSubscription(ctx context.Context, userID, deviceID string) (PingSubscription, error) {
	var v PingSubscription
	if err := r.load(ctx, StateKey{userID, deviceID, statePing}, &v); err != nil {
		return PingSubscription{}, err
	}

	return v, nil
}

func (r *Storage) PutPingSubscription(ctx context.Context, userID, deviceID string, s PingSubscription) error {
	return r.save(ctx, StateKey{userID, deviceID, statePing}, s)
}
