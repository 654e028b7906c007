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

package backend

import (
	"fmt"

	"github.com/superkkt/omega-eas/backend"
)

var folderTypeNames = map[backend.FolderType]string{
	backend.UserGeneric:        "GENERIC",
	backend.DefaultInbox:       "INBOX",
	backend.DefaultDrafts:      "DRAFT",
	backend.DefaultDeleted:     "TRASH",
	backend.DefaultSent:        "SENT",
	backend.DefaultOutbox:      "OUTBOX",
	backend.DefaultTasks:       "TASKS",
	backend.DefaultCalendar:    "CALENDAR",
	backend.DefaultContacts:    "CONTACTS",
	backend.DefaultNotes:       "NOTES",
	backend.DefaultJournal:     "JOURNAL",
	backend.UserMail:           "FOLDER",
	backend.UserCalendar:       "USER_CALENDAR",
	backend.UserContacts:       "USER_CONTACTS",
	backend.UserTasks:          "USER_TASKS",
	backend.UserJournal:        "USER_JOURNAL",
	backend.UserNotes:          "USER_NOTES",
	backend.Unknown:            "UNKNOWN",
	backend.RecipientInfoCache: "RECIPIENT_CACHE",
}

func ConvToFolderTypeString(t backend.FolderType) string {
	v, ok := folderTypeNames[t]
	if !ok {
		panic(fmt.Sprintf("invalid folder type: %v", int(t)))
	}
	return v
}

func ConvToBackendFolderType(t string) (backend.FolderType, error) {
	for k, v := range folderTypeNames {
		if v == t {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid folder type: %v", t)
}
