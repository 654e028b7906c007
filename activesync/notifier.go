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

import "sync"

// Notifier broadcasts mailbox change events to waiting Ping commands.
type Notifier struct {
	mutex   sync.Mutex
	waiters map[string]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		waiters: make(map[string]chan struct{}),
	}
}

// Wait returns a channel that is closed on the next change of the user's
// mailbox.
func (r *Notifier) Wait(userID string) <-chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, ok := r.waiters[userID]
	if !ok {
		c = make(chan struct{})
		r.waiters[userID] = c
	}

	return c
}

// Publish wakes up everyone waiting for changes of the user's mailbox.
func (r *Notifier) Publish(userID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if c, ok := r.waiters[userID]; ok {
		close(c)
		delete(r.waiters, userID)
	}
}
