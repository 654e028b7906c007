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

// Package auth authenticates ActiveSync users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/superkkt/omega-eas/backend"
	"golang.org/x/crypto/bcrypt"
)

// Static authenticates users against a fixed table of bcrypt password
// hashes.
type Static struct {
	mutex sync.RWMutex
	users map[string][]byte
}

// NewStatic returns an authenticator for users, a map from user ID to the
// bcrypt hash of the password.
func NewStatic(users map[string]string) (*Static, error) {
	r := &Static{users: make(map[string][]byte)}
	for id, hash := range users {
		if err := r.SetHash(id, hash); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// SetHash adds or replaces a user.
func (r *Static) SetHash(userID, hash string) error {
	userID = normalize(userID)
	if userID == "" {
		return errors.New("empty user id")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid password hash of %v: %w", userID, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.users[userID] = []byte(hash)

	return nil
}

// HashPassword returns the bcrypt hash to put in the users table.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func normalize(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func (r *Static) Auth(userID, password string) (backend.Credential, error) {
	userID = normalize(userID)

	r.mutex.RLock()
	hash, ok := r.users[userID]
	r.mutex.RUnlock()
	if !ok {
		return credential{userID: userID}, nil
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return credential{userID: userID}, nil
		}
		return nil, err
	}

	return credential{userID: userID, authorized: true}, nil
}

type credential struct {
	userID     string
	authorized bool
}

func (r credential) IsAuthorized() bool {
	return r.authorized
}

func (r credential) UserID() string {
	return r.userID
}
