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

package eas14

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/superkkt/omega-eas/activesync"
)

func TestOptions(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, activesync.Path, nil)
	req.SetBasicAuth(testUser, testPassword)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12.0,12.1,14.0,14.1", w.Header().Get("MS-ASProtocolVersions"))
	assert.Contains(t, w.Header().Get("MS-ASProtocolCommands"), "FolderSync")
	assert.Contains(t, w.Header().Get("MS-ASProtocolCommands"), "SendMail")
}

func TestUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	req := env.newRequest(activesync.CmdFolderSync, "")
	req.SetBasicAuth(testUser, "wrong")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestEnvelopeFaults(t *testing.T) {
	env := newTestEnv(t, func(c *activesync.Config) {
		c.BlockedUsers = []string{"blocked@example.com"}
	})
	folderSync := `<FolderSync xmlns="FolderHierarchy"><SyncKey>0</SyncKey></FolderSync>`

	env.deviceID = "bad-id"
	assert.Equal(t, int(activesync.StatusDeviceIDMissingOrInvalid), env.commonStatus(activesync.CmdFolderSync, folderSync))
	env.deviceID = "device1"

	req := env.newRequest(activesync.CmdFolderSync, folderSync)
	q := req.URL.Query()
	q.Del("DeviceType")
	req.URL.RawQuery = q.Encode()
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), "<Status>109</Status>")

	assert.Equal(t, int(activesync.StatusInvalidWBXML), env.commonStatus(activesync.CmdFolderSync, "<<garbage"))
	assert.Equal(t, int(activesync.StatusInvalidXML), env.commonStatus(activesync.CmdFolderSync, `<Sync xmlns="AirSync"></Sync>`))
	assert.Equal(t, int(activesync.StatusInvalidXML), env.commonStatus(activesync.CmdFolderSync, ""))

	req = env.newRequest(activesync.CmdFolderSync, folderSync)
	req.SetBasicAuth("blocked@example.com", testPassword)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), "<Status>126</Status>")

	req = env.newRequest(activesync.CmdFolderSync, folderSync)
	req.Header.Set("MS-ASProtocolVersion", "2.5")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = env.newRequest("Search", folderSync)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	req = httptest.NewRequest(http.MethodGet, activesync.Path, strings.NewReader(""))
	req.SetBasicAuth(testUser, testPassword)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResponseContentType(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(activesync.CmdFolderSync, `<FolderSync xmlns="FolderHierarchy"><SyncKey>0</SyncKey></FolderSync>`)
	assert.Equal(t, "application/vnd.ms-sync+xml", w.Header().Get("Content-Type"))
}
