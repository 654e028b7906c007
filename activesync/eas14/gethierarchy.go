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

import "encoding/xml"

type GetHierarchyResp struct {
	// Folders is the top level element, not GetHierarchy.
	XMLName xml.Name `xml:"Folders"`
	NS      string   `xml:"xmlns,attr"`
	Folder  []Folder `xml:",omitempty"`
}

func (r *handler) handleGetHierarchy() error {
	// NOTE: GetHierarchy does not have a XML body in the request.
	folders, err := r.mailbox.GetFolders(r.req.Context())
	if err != nil {
		return err
	}
	sortByDepth(folders)

	resp := &GetHierarchyResp{
		NS: nsFolderHierarchy,
	}
	for _, v := range folders {
		resp.Folder = append(resp.Folder, newFolder(v))
	}

	return r.writeResponse(resp, folderStatusSuccess)
}
