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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/activesync"
)

func provisionBody(policyType, key, status string) string {
	b := `<Provision xmlns="Provision"><Policies><Policy><PolicyType>` + policyType + `</PolicyType>`
	if key != "" {
		b += `<PolicyKey>` + key + `</PolicyKey>`
	}
	if status != "" {
		b += `<Status>` + status + `</Status>`
	}
	return b + `</Policy></Policies></Provision>`
}

func (r *testEnv) provision(body string) ProvisionResp {
	r.t.Helper()
	var v ProvisionResp
	r.call(activesync.CmdProvision, body, &v)
	return v
}

// provisionDevice completes the handshake and returns the final key.
func (r *testEnv) provisionDevice() string {
	r.t.Helper()
	v := r.provision(provisionBody(PolicyTypeWBXML, "", ""))
	require.Equal(r.t, 1, v.Status)
	require.NotNil(r.t, v.Policies)
	temp := v.Policies.Policy.PolicyKey
	require.NotEmpty(r.t, temp)

	v = r.provision(provisionBody(PolicyTypeWBXML, temp, "1"))
	require.Equal(r.t, 1, v.Status)
	require.NotNil(r.t, v.Policies)
	require.Equal(r.t, 1, v.Policies.Policy.Status)
	final := v.Policies.Policy.PolicyKey
	require.NotEmpty(r.t, final)
	require.NotEqual(r.t, temp, final)

	return final
}

func TestProvisionRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(c *activesync.Config) {
		c.Param.Provisioning.Required = true
		c.Param.Provisioning.RequirePassword = true
		c.Param.Provisioning.MinPasswordLength = 6
	})

	v := env.provision(provisionBody(PolicyTypeWBXML, "", ""))
	require.NotNil(t, v.Policies)
	require.NotNil(t, v.Policies.Policy.Data)
	require.NotNil(t, v.Policies.Policy.Data.EASProvisionDoc)
	assert.Equal(t, 1, v.Policies.Policy.Data.EASProvisionDoc.DevicePasswordEnabled)
	assert.Equal(t, 6, v.Policies.Policy.Data.EASProvisionDoc.MinDevicePasswordLength)

	assert.Equal(t, int(activesync.StatusDeviceNotProvisioned), env.commonStatus(activesync.CmdFolderSync, `<FolderSync xmlns="FolderHierarchy"><SyncKey>0</SyncKey></FolderSync>`))

	env.policyKey = env.provisionDevice()
	assert.Equal(t, 1, env.folderSync("0").Status)

	env.policyKey = "12345"
	assert.Equal(t, int(activesync.StatusInvalidPolicyKey), env.commonStatus(activesync.CmdFolderSync, `<FolderSync xmlns="FolderHierarchy"><SyncKey>0</SyncKey></FolderSync>`))
	env.policyKey = ""
	assert.Equal(t, int(activesync.StatusInvalidPolicyKey), env.commonStatus(activesync.CmdFolderSync, `<FolderSync xmlns="FolderHierarchy"><SyncKey>0</SyncKey></FolderSync>`))
}

func TestProvisionAcknowledgementRetry(t *testing.T) {
	env := newTestEnv(t)
	final := env.provisionDevice()

	// The device lost the previous response and acknowledges again.
	v := env.provision(provisionBody(PolicyTypeWBXML, final, "1"))
	require.Equal(t, 1, v.Status)
	assert.Equal(t, final, v.Policies.Policy.PolicyKey)
}

func TestProvisionErrors(t *testing.T) {
	env := newTestEnv(t)

	v := env.provision(`<Provision xmlns="Provision"></Provision>`)
	assert.Equal(t, 2, v.Status)
	assert.Nil(t, v.Policies)

	v = env.provision(provisionBody("Unknown-Type", "", ""))
	assert.Equal(t, 1, v.Status)
	require.NotNil(t, v.Policies)
	assert.Equal(t, 3, v.Policies.Policy.Status)
	assert.Empty(t, v.Policies.Policy.PolicyKey)

	first := env.provision(provisionBody(PolicyTypeWBXML, "", ""))
	temp := first.Policies.Policy.PolicyKey

	assert.Equal(t, int(activesync.StatusInvalidPolicyKey), env.commonStatus(activesync.CmdProvision, provisionBody(PolicyTypeWBXML, "1", "1")))
	assert.Equal(t, int(activesync.StatusInvalidPolicyKey), env.commonStatus(activesync.CmdProvision, provisionBody(PolicyTypeWBXML, "abc", "1")))
	assert.Equal(t, int(activesync.StatusExternallyManagedNotAllowed), env.commonStatus(activesync.CmdProvision, provisionBody(PolicyTypeWBXML, temp, "2")))
}

func TestProvisionWAPDocument(t *testing.T) {
	env := newTestEnv(t)

	v := env.provision(provisionBody(PolicyTypeWAP, "", ""))
	require.NotNil(t, v.Policies)
	require.NotNil(t, v.Policies.Policy.Data)
	assert.Contains(t, v.Policies.Policy.Data.Text, "wap-provisioningdoc")
}
