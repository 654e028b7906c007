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
	"sync"
)

// SessionKey identifies the protocol session of one device of one user.
type SessionKey struct {
	UserID   string
	DeviceID string
}

// Session serializes commands touching the same sync state of a device and
// tracks the pending Ping of the device.
type Session struct {
	key    SessionKey
	mutex  sync.Mutex
	scopes map[string]*sync.Mutex
	ping   *pendingPing
}

type pendingPing struct {
	cancel context.CancelFunc
}

const (
	ScopeDevice    = "device"
	ScopeHierarchy = "hierarchy"
)

// CollectionScope returns the lock scope of a collection.
func CollectionScope(id string) string {
	return "collection:" + id
}

func (r *Session) Key() SessionKey {
	return r.key
}

// Lock acquires the lock of scope and returns the function releasing it.
// Callers that need several scopes must acquire them in sorted order.
func (r *Session) Lock(scope string) (unlock func()) {
	r.mutex.Lock()
	m, ok := r.scopes[scope]
	if !ok {
		m = new(sync.Mutex)
		r.scopes[scope] = m
	}
	r.mutex.Unlock()

	m.Lock()
	return m.Unlock
}

// BeginPing registers a new pending Ping and cancels the previous one. The
// returned context is canceled when another command arrives on the session.
// done must be called when the Ping finishes.
func (r *Session) BeginPing(parent context.Context) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)
	p := &pendingPing{cancel: cancel}

	r.mutex.Lock()
	if r.ping != nil {
		r.ping.cancel()
	}
	r.ping = p
	r.mutex.Unlock()

	return ctx, func() {
		r.mutex.Lock()
		if r.ping == p {
			r.ping = nil
		}
		r.mutex.Unlock()
		cancel()
	}
}

// Interrupt cancels the pending Ping of the session, if any.
func (r *Session) Interrupt() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.ping != nil {
		r.ping.cancel()
		r.ping = nil
	}
}

// SessionStore keeps the sessions of all devices.
type SessionStore struct {
	mutex    sync.Mutex
	sessions map[SessionKey]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[SessionKey]*Session),
	}
}

// Get returns the session of the device, creating it if necessary.
func (r *SessionStore) Get(userID, deviceID string) *Session {
	k := SessionKey{UserID: userID, DeviceID: deviceID}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.sessions[k]
	if !ok {
		s = &Session{
			key:    k,
			scopes: make(map[string]*sync.Mutex),
		}
		r.sessions[k] = s
	}

	return s
}
