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

package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/backend/backendtest"
	mbackend "github.com/superkkt/omega-eas/database/mysql/backend"
	"github.com/superkkt/omega-eas/database/mysql/mysqltest"
)

func TestConformance(t *testing.T) {
	backendtest.RunConformanceSuite(t, func(t *testing.T, onChange func(string)) backend.Storage {
		db, name := mysqltest.Open(t)
		s := mbackend.New(db, name, onChange)
		require.NoError(t, s.CreateTables(context.Background()))
		return s
	})
}

func TestMailboxSurvivesNewStorage(t *testing.T) {
	ctx := context.Background()
	db, name := mysqltest.Open(t)
	s := mbackend.New(db, name, nil)
	require.NoError(t, s.CreateTables(ctx))

	m := s.Mailbox(user("alice"))
	f, err := m.AddFolder(ctx, backend.RootFolderID, "Kept", backend.UserMail)
	require.NoError(t, err)
	before, err := m.HierarchyModSeq(ctx)
	require.NoError(t, err)

	// Another process sees the same mailbox and does not recreate the
	// default folders.
	other := mbackend.New(db, name, nil)
	require.NoError(t, other.CreateTables(ctx))
	m = other.Mailbox(user("alice"))
	folders, err := m.GetFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, len(backend.DefaultFolders)+1)
	require.Equal(t, f, folders[len(folders)-1])
	after, err := m.HierarchyModSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

type user string

func (r user) IsAuthorized() bool { return true }
func (r user) UserID() string     { return string(r) }
