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
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ZeroSyncKey asks for a full resynchronization.
const ZeroSyncKey = "0"

var ErrMalformedSyncKey = errors.New("malformed sync key")

// SyncKey is an opaque token formatted as "{generation}counter". A new
// generation starts on every full resynchronization, and the counter
// advances each time a new key is issued within the generation.
type SyncKey struct {
	Generation string `json:"generation"`
	Counter    uint64 `json:"counter"`
}

// NewSyncKey starts a new generation.
func NewSyncKey() SyncKey {
	return SyncKey{Generation: uuid.NewString(), Counter: 1}
}

func (r SyncKey) IsZero() bool {
	return r.Generation == ""
}

func (r SyncKey) Next() SyncKey {
	if r.IsZero() {
		return NewSyncKey()
	}

	return SyncKey{Generation: r.Generation, Counter: r.Counter + 1}
}

func (r SyncKey) String() string {
	if r.IsZero() {
		return ZeroSyncKey
	}

	return fmt.Sprintf("{%v}%v", r.Generation, r.Counter)
}

// ParseSyncKey parses a key sent by a client. "0" yields the zero key.
func ParseSyncKey(s string) (SyncKey, error) {
	s = strings.TrimSpace(s)
	if s == ZeroSyncKey {
		return SyncKey{}, nil
	}
	if !strings.HasPrefix(s, "{") {
		return SyncKey{}, ErrMalformedSyncKey
	}
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return SyncKey{}, ErrMalformedSyncKey
	}
	gen, err := uuid.Parse(s[1:end])
	if err != nil {
		return SyncKey{}, ErrMalformedSyncKey
	}
	n, err := strconv.ParseUint(s[end+1:], 10, 64)
	if err != nil || n == 0 {
		return SyncKey{}, ErrMalformedSyncKey
	}

	return SyncKey{Generation: gen.String(), Counter: n}, nil
}
