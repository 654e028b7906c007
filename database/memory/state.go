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

// Package memory keeps the ActiveSync engine state in process memory.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/database"
)

type deviceKey struct {
	userID, deviceID string
}

// StateStore is an activesync.StateStore whose records are lost on exit.
type StateStore struct {
	mutex   sync.Mutex
	devices map[deviceKey]map[string][]byte
}

func NewStateStore() *StateStore {
	return &StateStore{
		devices: make(map[deviceKey]map[string][]byte),
	}
}

func (r *StateStore) LoadState(ctx context.Context, key activesync.StateKey) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	v, ok := r.devices[deviceKey{key.UserID, key.DeviceID}][key.Name]
	if !ok {
		return nil, fmt.Errorf("state %v: %w", key, database.ErrNotFound)
	}

	return append([]byte(nil), v...), nil
}

func (r *StateStore) SaveState(ctx context.Context, key activesync.StateKey, data []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	k := deviceKey{key.UserID, key.DeviceID}
	m, ok := r.devices[k]
	if !ok {
		m = make(map[string][]byte)
		r.devices[k] = m
	}
	m[key.Name] = append([]byte(nil), data...)

	return nil
}

func (r *StateStore) DeleteState(ctx context.Context, key activesync.StateKey) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.devices[deviceKey{key.UserID, key.DeviceID}], key.Name)

	return nil
}

func (r *StateStore) DeleteStates(ctx context.Context, userID, deviceID, prefix string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	m := r.devices[deviceKey{userID, deviceID}]
	for name := range m {
		if strings.HasPrefix(name, prefix) {
			delete(m, name)
		}
	}

	return nil
}
