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

import "fmt"

// Status is a protocol status code written into the Status element of a
// response. Values from 1 to 99 belong to the vocabulary of each command and
// are defined next to the command handlers; this file holds the common
// values shared by every command.
type Status int

const (
	StatusSuccess Status = 1
	// StatusInvalidSyncKey is returned when a sync key is malformed or is not
	// the last key issued to the device.
	StatusInvalidSyncKey Status = 9
	// StatusRequestError means a semantic or syntactic error in the request.
	StatusRequestError Status = 10

	StatusInvalidContent               Status = 101
	StatusInvalidWBXML                 Status = 102
	StatusInvalidXML                   Status = 103
	StatusInvalidCombinationOfIDs      Status = 105
	StatusDeviceIDMissingOrInvalid     Status = 108
	StatusDeviceTypeMissingOrInvalid   Status = 109
	StatusServerError                  Status = 110
	StatusMessagePreviouslySent        Status = 118
	StatusMessageHasNoRecipient        Status = 119
	StatusUserDisabledForSync          Status = 126
	StatusCommandNotSupported          Status = 137
	StatusVersionNotSupported          Status = 138
	StatusDeviceNotProvisioned         Status = 142
	StatusPolicyRefresh                Status = 143
	StatusInvalidPolicyKey             Status = 144
	StatusExternallyManagedNotAllowed  Status = 145
	StatusItemNotFound                 Status = 150
	StatusBodyPartPreferenceNotSupport Status = 164
	StatusDeviceInformationRequired    Status = 165
	StatusInvalidAccountID             Status = 166
	StatusNoPicture                    Status = 173
	StatusPictureTooLarge              Status = 174
	StatusPictureLimitReached          Status = 175
)

// StatusRangeExceeded is used for every request that carries more elements
// of one kind than the protocol allows (recipients, certificates, monitored
// folders, move operations). Exceeding a maxOccurs bound is a schema
// violation, so it shares the invalid-XML code.
const StatusRangeExceeded = StatusInvalidXML

var statusNames = map[Status]string{
	StatusSuccess:                      "Success",
	StatusInvalidSyncKey:               "InvalidSyncKey",
	StatusRequestError:                 "RequestError",
	StatusInvalidContent:               "InvalidContent",
	StatusInvalidWBXML:                 "InvalidWBXML",
	StatusInvalidXML:                   "InvalidXML",
	StatusInvalidCombinationOfIDs:      "InvalidCombinationOfIDs",
	StatusDeviceIDMissingOrInvalid:     "DeviceIdMissingOrInvalid",
	StatusDeviceTypeMissingOrInvalid:   "DeviceTypeMissingOrInvalid",
	StatusServerError:                  "ServerError",
	StatusMessagePreviouslySent:        "MessagePreviouslySent",
	StatusMessageHasNoRecipient:        "MessageHasNoRecipient",
	StatusUserDisabledForSync:          "UserDisabledForSync",
	StatusCommandNotSupported:          "CommandNotSupported",
	StatusVersionNotSupported:          "VersionNotSupported",
	StatusDeviceNotProvisioned:         "DeviceNotProvisioned",
	StatusPolicyRefresh:                "PolicyRefresh",
	StatusInvalidPolicyKey:             "InvalidPolicyKey",
	StatusExternallyManagedNotAllowed:  "ExternallyManagedDevicesNotAllowed",
	StatusItemNotFound:                 "ItemNotFound",
	StatusBodyPartPreferenceNotSupport: "BodyPartPreferenceTypeNotSupported",
	StatusDeviceInformationRequired:    "DeviceInformationRequired",
	StatusInvalidAccountID:             "InvalidAccountId",
	StatusNoPicture:                    "NoPicture",
	StatusPictureTooLarge:              "PictureTooLarge",
	StatusPictureLimitReached:          "PictureLimitReached",
}

// IsCommon reports whether r belongs to the common table rather than to a
// command vocabulary.
func (r Status) IsCommon() bool {
	return r >= 100
}

func (r Status) String() string {
	if v, ok := statusNames[r]; ok {
		return fmt.Sprintf("%v(%d)", v, int(r))
	}

	return fmt.Sprintf("Status(%d)", int(r))
}
