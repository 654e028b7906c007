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

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestStaticAuth(t *testing.T) {
	a, err := NewStatic(map[string]string{"Alice@Example.com": hash(t, "secret")})
	require.NoError(t, err)

	c, err := a.Auth("alice@example.com", "secret")
	require.NoError(t, err)
	assert.True(t, c.IsAuthorized())
	assert.Equal(t, "alice@example.com", c.UserID())

	c, err = a.Auth("alice@example.com", "wrong")
	require.NoError(t, err)
	assert.False(t, c.IsAuthorized())

	c, err = a.Auth("nobody@example.com", "secret")
	require.NoError(t, err)
	assert.False(t, c.IsAuthorized())
}

func TestStaticRejectsInvalidHash(t *testing.T) {
	_, err := NewStatic(map[string]string{"alice": "plaintext"})
	assert.Error(t, err)

	_, err = NewStatic(map[string]string{" ": hash(t, "x")})
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("secret")
	require.NoError(t, err)

	a, err := NewStatic(map[string]string{"bob": h})
	require.NoError(t, err)
	c, err := a.Auth("bob", "secret")
	require.NoError(t, err)
	assert.True(t, c.IsAuthorized())
}
