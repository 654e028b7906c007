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
	"crypto/rand"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/logger"
)

const nsProvision = "Provision"

const (
	provisionStatusSuccess       = 1
	provisionStatusProtocolError = 2

	policyStatusSuccess     = 1
	policyStatusUnknownType = 3
)

const (
	PolicyTypeWBXML = "MS-EAS-Provisioning-WBXML"
	PolicyTypeWAP   = "MS-WAP-Provisioning-XML"
)

type ProvisionReq struct {
	XMLName           xml.Name `xml:"Provision"`
	DeviceInformation *struct {
		Set struct {
			Model             string
			FriendlyName      string
			OS                string
			OSLanguage        string
			PhoneNumber       string
			IMEI              string
			MobileOperator    string
			Language          string
			EnableOutboundSMS string
			UserAgent         string
		}
	}
	Policies *struct {
		Policy struct {
			PolicyType string
			PolicyKey  string
			Status     string
		}
	}
}

type ProvisionResp struct {
	XMLName  xml.Name `xml:"Provision"`
	NS       string   `xml:"xmlns,attr"`
	Status   int
	Policies *ProvisionPolicies `xml:",omitempty"`
}

type ProvisionPolicies struct {
	Policy ProvisionPolicy
}

type ProvisionPolicy struct {
	PolicyType string
	Status     int
	PolicyKey  string         `xml:",omitempty"`
	Data       *ProvisionData `xml:",omitempty"`
}

type ProvisionData struct {
	EASProvisionDoc *EASProvisionDoc `xml:",omitempty"`
	// Text is the escaped wap-provisioningdoc of the MS-WAP-Provisioning-XML type.
	Text string `xml:",chardata"`
}

type EASProvisionDoc struct {
	DevicePasswordEnabled              int
	AlphanumericDevicePasswordRequired int
	MinDevicePasswordLength            int `xml:",omitempty"`
	AllowSimpleDevicePassword          int
	AttachmentsEnabled                 int
	AllowStorageCard                   int
	AllowCamera                        int
	AllowBrowser                       int
	AllowInternetSharing               int
}

func (r *handler) handleProvision() error {
	reqBody := new(ProvisionReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("Provision request: %+v", reqBody.Policies))

	unlock := r.session.Lock(activesync.ScopeDevice)
	defer unlock()

	ctx := r.req.Context()
	device, err := r.param.Storage.GetDevice(ctx, r.req.UserID(), r.req.DeviceID)
	if err != nil {
		return err
	}
	if v := reqBody.DeviceInformation; v != nil {
		device.Info = activesync.DeviceDetail{
			Model:        v.Set.Model,
			FriendlyName: v.Set.FriendlyName,
			OS:           v.Set.OS,
			UserAgent:    v.Set.UserAgent,
		}
	}

	resp := ProvisionResp{NS: nsProvision}
	if reqBody.Policies == nil || reqBody.Policies.Policy.PolicyType == "" {
		resp.Status = provisionStatusProtocolError
		if err := r.param.Storage.PutDevice(ctx, device); err != nil {
			return err
		}
		return r.writeResponse(resp, resp.Status)
	}

	policy := reqBody.Policies.Policy
	if policy.PolicyType != PolicyTypeWBXML && policy.PolicyType != PolicyTypeWAP {
		logger.Info(fmt.Sprintf("Unknown policy type: UserID=%v, DeviceID=%v, PolicyType=%v", r.req.UserID(), r.req.DeviceID, policy.PolicyType))
		resp.Status = provisionStatusSuccess
		resp.Policies = &ProvisionPolicies{Policy: ProvisionPolicy{PolicyType: policy.PolicyType, Status: policyStatusUnknownType}}
		return r.writeResponse(resp, policyStatusUnknownType)
	}

	// Initial request?
	if policy.PolicyKey == "" {
		key, err := newPolicyKey(device.Policy.Key)
		if err != nil {
			return err
		}
		device.Policy.PolicyType = policy.PolicyType
		device.Policy.PendingKey = key
		if err := r.param.Storage.PutDevice(ctx, device); err != nil {
			return err
		}
		logger.Debug(fmt.Sprintf("Temporary policy key is issued: UserID=%v, DeviceID=%v, PolicyKey=%v", r.req.UserID(), r.req.DeviceID, key))

		resp.Status = provisionStatusSuccess
		resp.Policies = &ProvisionPolicies{Policy: ProvisionPolicy{
			PolicyType: policy.PolicyType,
			Status:     policyStatusSuccess,
			PolicyKey:  strconv.FormatUint(uint64(key), 10),
			Data:       r.policyData(policy.PolicyType),
		}}
		return r.writeResponse(resp, resp.Status)
	}

	// Acknowledgement
	key, err := strconv.ParseUint(policy.PolicyKey, 10, 32)
	valid := err == nil && key != 0
	pending := valid && uint32(key) == device.Policy.PendingKey
	// The device did not receive the previous acknowledgement response.
	retry := valid && device.Policy.PendingKey == 0 && uint32(key) == device.Policy.Key
	if !pending && !retry {
		logger.Info(fmt.Sprintf("Invalid policy key in the acknowledgement: UserID=%v, DeviceID=%v, PolicyKey=%v", r.req.UserID(), r.req.DeviceID, policy.PolicyKey))
		return activesync.WriteStatus(r.resp, activesync.CmdProvision, activesync.StatusInvalidPolicyKey)
	}
	if policy.Status != "1" {
		logger.Info(fmt.Sprintf("Device rejected the policy: UserID=%v, DeviceID=%v, Status=%v", r.req.UserID(), r.req.DeviceID, policy.Status))
		return activesync.WriteStatus(r.resp, activesync.CmdProvision, activesync.StatusExternallyManagedNotAllowed)
	}

	if pending {
		final, err := newPolicyKey(device.Policy.PendingKey)
		if err != nil {
			return err
		}
		device.Policy.Key = final
		device.Policy.PendingKey = 0
		if err := r.param.Storage.PutDevice(ctx, device); err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("Device is provisioned: UserID=%v, DeviceID=%v, PolicyKey=%v", r.req.UserID(), r.req.DeviceID, final))
	}

	resp.Status = provisionStatusSuccess
	resp.Policies = &ProvisionPolicies{Policy: ProvisionPolicy{
		PolicyType: policy.PolicyType,
		Status:     policyStatusSuccess,
		PolicyKey:  strconv.FormatUint(uint64(device.Policy.Key), 10),
	}}

	return r.writeResponse(resp, resp.Status)
}

// newPolicyKey returns a random non-zero key that differs from prev.
func newPolicyKey(prev uint32) (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(b[:])
		if v != 0 && v != prev {
			return v, nil
		}
	}
}

func (r *handler) policyData(policyType string) *ProvisionData {
	conf := r.param.Provisioning
	if policyType == PolicyTypeWAP {
		return &ProvisionData{Text: wapProvisioningDoc(conf)}
	}

	doc := &EASProvisionDoc{
		AllowSimpleDevicePassword: 1,
		AttachmentsEnabled:        1,
		AllowStorageCard:          1,
		AllowCamera:               1,
		AllowBrowser:              1,
		AllowInternetSharing:      1,
	}
	if conf.RequirePassword {
		doc.DevicePasswordEnabled = 1
		doc.MinDevicePasswordLength = conf.MinPasswordLength
	}

	return &ProvisionData{EASProvisionDoc: doc}
}

func wapProvisioningDoc(conf activesync.ProvisioningConfig) string {
	// 4131 is the password-required parameter: 0 means required, 1 not required.
	required := 1
	if conf.RequirePassword {
		required = 0
	}
	length := conf.MinPasswordLength
	if length < 1 {
		length = 1
	}

	return fmt.Sprintf(`<wap-provisioningdoc><characteristic type="SecurityPolicy"><parm name="4131" value="%v"/></characteristic>`+
		`<characteristic type="Registry"><characteristic type="HKLM\Comm\Security\Policy\LASSD\AE\{50C13377-C66D-400C-889E-C316FC4AB374}">`+
		`<parm name="AEFrequencyType" value="0"/><parm name="AEFrequencyValue" value="0"/></characteristic>`+
		`<characteristic type="HKLM\Comm\Security\Policy\LASSD"><parm name="DeviceWipeThreshold" value="16"/><parm name="CodewordFrequency" value="-1"/></characteristic>`+
		`<characteristic type="HKLM\Comm\Security\Policy\LASSD\LAP\lap_pw"><parm name="MinimumPasswordLength" value="%v"/><parm name="PasswordComplexity" value="2"/></characteristic>`+
		`</characteristic></wap-provisioningdoc>`, required, length)
}
