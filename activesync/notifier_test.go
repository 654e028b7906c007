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
	"testing"

	"github.com/stretchr/testify/assert"
)

func closed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()

	a := n.Wait("alice")
	a2 := n.Wait("alice")
	b := n.Wait("bob")

	n.Publish("alice")
	assert.True(t, closed(a))
	assert.True(t, closed(a2))
	assert.False(t, closed(b))

	// A new waiter is not affected by the previous event.
	assert.False(t, closed(n.Wait("alice")))

	// Publishing without waiters is a no-op.
	n.Publish("carol")
}
