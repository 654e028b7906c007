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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{}

func (stubFactory) Commands() []string    { return []string{CmdFolderSync, CmdPing} }
func (stubFactory) New(Parameter) Handler { return nil }
func (stubFactory) Versions() []string    { return []string{"90.0", "90.1"} }

type stubCredential string

func (r stubCredential) IsAuthorized() bool { return true }
func (r stubCredential) UserID() string     { return string(r) }

func newValidatorRequest(query, version, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, Path+"?"+query, strings.NewReader(body))
	if version != "" {
		req.Header.Set("MS-ASProtocolVersion", version)
	}
	req.Header.Set("X-MS-PolicyKey", "1234")
	return req
}

func TestValidator(t *testing.T) {
	RegisterFactory(stubFactory{})
	v := &Validator{Blocked: map[string]bool{"mallory": true}}

	req, fault := v.Validate(newValidatorRequest("Cmd=Ping&DeviceId=abc123&DeviceType=Phone", "90.1", "<Ping/>"), stubCredential("alice"))
	require.Nil(t, fault)
	assert.Equal(t, CmdPing, req.Command)
	assert.Equal(t, "abc123", req.DeviceID)
	assert.Equal(t, "Phone", req.DeviceType)
	assert.Equal(t, "90.1", req.ProtocolVersion)
	assert.Equal(t, "1234", req.PolicyKey)
	assert.Equal(t, "alice", req.UserID())
	assert.Equal(t, []byte("<Ping/>"), req.Body)
	assert.False(t, req.IsEmpty())

	tests := []struct {
		name    string
		query   string
		version string
		user    string
		status  Status
		code    int
	}{
		{"missing command", "DeviceId=abc&DeviceType=Phone", "90.1", "alice", 0, http.StatusBadRequest},
		{"unknown command", "Cmd=Search&DeviceId=abc&DeviceType=Phone", "90.1", "alice", 0, http.StatusNotImplemented},
		{"missing version", "Cmd=Ping&DeviceId=abc&DeviceType=Phone", "", "alice", 0, http.StatusBadRequest},
		{"unknown version", "Cmd=Ping&DeviceId=abc&DeviceType=Phone", "1.0", "alice", 0, http.StatusBadRequest},
		{"unsupported command", "Cmd=Sync&DeviceId=abc&DeviceType=Phone", "90.0", "alice", StatusCommandNotSupported, 0},
		{"missing device id", "Cmd=Ping&DeviceType=Phone", "90.1", "alice", StatusDeviceIDMissingOrInvalid, 0},
		{"invalid device id", "Cmd=Ping&DeviceId=a-b&DeviceType=Phone", "90.1", "alice", StatusDeviceIDMissingOrInvalid, 0},
		{"long device id", "Cmd=Ping&DeviceId=" + strings.Repeat("a", 65) + "&DeviceType=Phone", "90.1", "alice", StatusDeviceIDMissingOrInvalid, 0},
		{"missing device type", "Cmd=Ping&DeviceId=abc", "90.1", "alice", StatusDeviceTypeMissingOrInvalid, 0},
		{"blocked user", "Cmd=Ping&DeviceId=abc&DeviceType=Phone", "90.1", "mallory", StatusUserDisabledForSync, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fault := v.Validate(newValidatorRequest(tt.query, tt.version, ""), stubCredential(tt.user))
			require.NotNil(t, fault)
			assert.Equal(t, tt.status, fault.Status)
			assert.Equal(t, tt.code, fault.HTTPStatus)
		})
	}
}

func TestRequestDecodeEmpty(t *testing.T) {
	req := &Request{Body: []byte("  \n")}
	assert.True(t, req.IsEmpty())
	var v testDoc
	assert.Equal(t, StatusInvalidXML, faultStatus(t, req.Decode(&v)))
}

func TestFactoryVersions(t *testing.T) {
	m := factoryMap{"14.1": stubFactory{}, "2.5": stubFactory{}, "12.0": stubFactory{}}
	assert.Equal(t, "2.5,12.0,14.1", m.Versions())
	assert.Equal(t, "FolderSync,Ping", m.Commands())
}
