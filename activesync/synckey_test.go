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
	"github.com/stretchr/testify/require"
)

func TestSyncKeyRoundTrip(t *testing.T) {
	k := NewSyncKey()
	assert.False(t, k.IsZero())

	parsed, err := ParseSyncKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	next := k.Next()
	assert.Equal(t, k.Generation, next.Generation)
	assert.Equal(t, k.Counter+1, next.Counter)
	assert.NotEqual(t, k.String(), next.String())
}

func TestSyncKeyZero(t *testing.T) {
	k, err := ParseSyncKey("0")
	require.NoError(t, err)
	assert.True(t, k.IsZero())
	assert.Equal(t, ZeroSyncKey, k.String())

	// The zero key never advances within a generation.
	assert.False(t, k.Next().IsZero())
	assert.NotEqual(t, NewSyncKey().Generation, NewSyncKey().Generation)
}

func TestParseSyncKeyMalformed(t *testing.T) {
	for _, v := range []string{
		"",
		"1",
		"abc",
		"{not-a-uuid}1",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8}",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8}0",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8}x",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8",
	} {
		_, err := ParseSyncKey(v)
		assert.ErrorIs(t, err, ErrMalformedSyncKey, "key %q", v)
	}
}
