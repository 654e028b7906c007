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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/superkkt/omega-eas/backend"
)

var (
	factories factoryMap = factoryMap{}
)

type Factory interface {
	// Commands returns supported commands on this handler.
	Commands() []string
	New(Parameter) Handler
	// Versions returns the protocol versions served by this handler.
	Versions() []string
}

type Parameter struct {
	Storage      *Storage
	Backend      backend.Storage
	Sessions     *SessionStore
	Notifier     *Notifier
	Mailer       Mailer
	Metrics      *Metrics
	Ping         PingConfig
	Provisioning ProvisioningConfig
}

type PingConfig struct {
	MinHeartbeat time.Duration
	MaxHeartbeat time.Duration
	MaxFolders   int
	// PollInterval is the interval to re-check the mailbox for changes made
	// outside of this process.
	PollInterval time.Duration
}

// DefaultPingConfig returns the bounds used when the configuration omits
// them.
func DefaultPingConfig() PingConfig {
	return PingConfig{
		MinHeartbeat: 60 * time.Second,
		MaxHeartbeat: 3540 * time.Second,
		MaxFolders:   300,
		PollInterval: 15 * time.Second,
	}
}

type ProvisioningConfig struct {
	// Required makes every gated command fail with StatusDeviceNotProvisioned
	// until the device completes the provisioning handshake.
	Required bool
	// RequirePassword is announced to devices in the policy document.
	RequirePassword   bool
	MinPasswordLength int
}

type Mailer interface {
	Send(from string, to []string, msg []byte) error
}

type Handler interface {
	Handle(w *ResponseWriter, req *Request)
}

type factoryMap map[string]Factory

func (r factoryMap) Versions() string {
	// Convert map into slice
	s := make([]string, 0)
	for k := range r {
		s = append(s, k)
	}
	sort.Sort(sortByVersion(s))

	return strings.Join(s, ",")
}

type sortByVersion []string

func (r sortByVersion) Len() int {
	return len(r)
}

func (r sortByVersion) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
}

func (r sortByVersion) Less(i, j int) bool {
	v1, err := strconv.ParseFloat(r[i], 64)
	if err != nil {
		// Version should be numeric string that can be converted into float.
		panic(err)
	}
	v2, err := strconv.ParseFloat(r[j], 64)
	if err != nil {
		// Version should be numeric string that can be converted into float.
		panic(err)
	}

	return v1 < v2
}

func (r factoryMap) Commands() string {
	// Use map to eliminate duplicated commands
	m := make(map[string]struct{})
	for _, v := range r {
		for _, c := range v.Commands() {
			m[c] = struct{}{}
		}
	}

	// Convert map into slice
	s := make([]string, 0)
	for k := range m {
		s = append(s, k)
	}
	sort.Strings(s)

	return strings.Join(s, ",")
}

func RegisterFactory(f Factory) {
	for _, v := range f.Versions() {
		factories[v] = f
	}
}
