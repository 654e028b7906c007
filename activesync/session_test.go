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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStoreReturnsSameSession(t *testing.T) {
	s := NewSessionStore()

	a := s.Get("alice", "dev1")
	assert.Same(t, a, s.Get("alice", "dev1"))
	assert.NotSame(t, a, s.Get("alice", "dev2"))
	assert.Equal(t, SessionKey{UserID: "alice", DeviceID: "dev1"}, a.Key())
}

func TestSessionLockScopes(t *testing.T) {
	s := NewSessionStore().Get("alice", "dev1")

	unlock := s.Lock(ScopeHierarchy)
	// Another scope is independent.
	s.Lock(CollectionScope("1"))()

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		s.Lock(ScopeHierarchy)()
	}()
	select {
	case <-acquired:
		t.Fatal("scope lock acquired twice")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("scope lock not released")
	}
}

func TestSessionBeginPingCancelsPrevious(t *testing.T) {
	s := NewSessionStore().Get("alice", "dev1")

	first, done1 := s.BeginPing(context.Background())
	second, done2 := s.BeginPing(context.Background())
	defer done2()

	assert.Error(t, first.Err())
	assert.NoError(t, second.Err())

	// Finishing a superseded Ping leaves the new one alone.
	done1()
	assert.NoError(t, second.Err())

	s.Interrupt()
	assert.Error(t, second.Err())
}

func TestSessionInterruptWithoutPing(t *testing.T) {
	s := NewSessionStore().Get("alice", "dev1")
	s.Interrupt()

	ctx, done := s.BeginPing(context.Background())
	defer done()
	assert.NoError(t, ctx.Err())
}
