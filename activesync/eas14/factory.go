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

import "github.com/superkkt/omega-eas/activesync"

func NewFactory() activesync.Factory {
	return new(factory)
}

type factory struct{}

func (r *factory) New(param activesync.Parameter) activesync.Handler {
	return &handler{
		param: param,
	}
}

func (r *factory) Versions() []string {
	return []string{"12.0", "12.1", "14.0", "14.1"}
}

func (r *factory) Commands() []string {
	return []string{
		activesync.CmdFolderSync, activesync.CmdFolderCreate, activesync.CmdFolderDelete,
		activesync.CmdFolderUpdate, activesync.CmdGetHierarchy, activesync.CmdSync,
		activesync.CmdGetItemEstimate, activesync.CmdMoveItems, activesync.CmdPing,
		activesync.CmdProvision, activesync.CmdSendMail,
	}
}
