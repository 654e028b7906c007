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

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/logger"
)

const testHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const minimalConfig = `
default:
  address: ""
  http_address: ":8080"
users:
  - id: alice@example.com
    password_hash: "` + testHash + `"
`

func readConfig(t *testing.T, content string) (*Config, error) {
	t.Helper()
	v := newViper()
	require.NoError(t, v.ReadConfig(strings.NewReader(content)))
	c := new(Config)
	return c, c.read(v)
}

func TestConfigDefaults(t *testing.T) {
	c, err := readConfig(t, minimalConfig)
	require.NoError(t, err)

	assert.Equal(t, logger.LevelInfo, c.LogLevel)
	assert.Equal(t, "text", c.LogFormat)
	assert.Equal(t, ":8080", c.HTTPAddress)
	assert.Equal(t, driverMemory, c.DB.StateDriver)
	assert.Equal(t, driverMemory, c.DB.BackendDriver)
	assert.Equal(t, "localhost", c.SMTP.Host)
	assert.Equal(t, uint16(25), c.SMTP.Port)
	assert.Equal(t, 60*time.Second, c.Ping.MinHeartbeat)
	assert.Equal(t, 3540*time.Second, c.Ping.MaxHeartbeat)
	assert.Equal(t, 300, c.Ping.MaxFolders)
	assert.False(t, c.Provisioning.Required)
	assert.Equal(t, map[string]string{"alice@example.com": testHash}, c.Users)
}

func TestConfigFull(t *testing.T) {
	content := `
default:
  log_level: debug
  log_format: json
  address: ":443"
  cert_file: /etc/ssl/server.crt
  key_file: /etc/ssl/server.key
  metrics_address: ":9100"
  rate_limit: 2.5
  rate_burst: 5
  blocked_users: [bob@example.com]
database:
  state_driver: mysql
  backend_driver: mysql
  host: db.example.com
  username: omega
  password: secret
  activesync_db: omega_eas
  backend_db: omega_mail
smtp:
  host: mx.example.com
  port: 587
  starttls: true
ping:
  min_heartbeat: 30s
  max_heartbeat: 30m
  max_folders: 50
  poll_interval: 5s
provisioning:
  required: true
  require_password: true
  min_password_length: 6
users:
  - id: alice@example.com
    password_hash: "` + testHash + `"
`
	c, err := readConfig(t, content)
	require.NoError(t, err)

	assert.Equal(t, logger.LevelDebug, c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "/etc/ssl/server.crt", c.TLS.CertFile)
	assert.Equal(t, 2.5, c.RateLimit)
	assert.Equal(t, 5, c.RateBurst)
	assert.Equal(t, []string{"bob@example.com"}, c.BlockedUsers)
	assert.True(t, c.DB.useMySQL())
	assert.Equal(t, uint16(3306), c.DB.Port)
	assert.Equal(t, "omega_eas", c.DB.ActiveSyncDB)
	assert.Equal(t, "omega_mail", c.DB.BackendDB)
	assert.Equal(t, uint16(587), c.SMTP.Port)
	assert.True(t, c.SMTP.StartTLS)
	assert.Equal(t, 30*time.Second, c.Ping.MinHeartbeat)
	assert.Equal(t, 30*time.Minute, c.Ping.MaxHeartbeat)
	assert.Equal(t, 50, c.Ping.MaxFolders)
	assert.True(t, c.Provisioning.Required)
	assert.Equal(t, 6, c.Provisioning.MinPasswordLength)
}

func TestConfigErrors(t *testing.T) {
	users := `
users:
  - id: alice@example.com
    password_hash: x
`
	tests := []struct {
		name    string
		content string
	}{
		{"no listener", "default:\n  address: \"\"\n" + users},
		{"missing cert", "default:\n  address: \":443\"\n" + users},
		{"relative cert", "default:\n  cert_file: server.crt\n  key_file: /k\n" + users},
		{"bad log level", "default:\n  log_level: loud\n  address: \"\"\n  http_address: \":80\"\n" + users},
		{"bad state driver", "default:\n  address: \"\"\n  http_address: \":80\"\ndatabase:\n  state_driver: redis\n" + users},
		{"sqlite without file", "default:\n  address: \"\"\n  http_address: \":80\"\ndatabase:\n  state_driver: sqlite\n" + users},
		{"mysql without host", "default:\n  address: \"\"\n  http_address: \":80\"\ndatabase:\n  backend_driver: mysql\n" + users},
		{"inverted heartbeat", "default:\n  address: \"\"\n  http_address: \":80\"\nping:\n  min_heartbeat: 10m\n  max_heartbeat: 1m\n" + users},
		{"no users", "default:\n  address: \"\"\n  http_address: \":80\"\n"},
		{"duplicated user", minimalConfig + "  - id: alice@example.com\n    password_hash: y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readConfig(t, tt.content)
			assert.Error(t, err)
		})
	}
}

func TestConfigRead(t *testing.T) {
	file := filepath.Join(t.TempDir(), "activesyncd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(minimalConfig), 0600))

	c := new(Config)
	require.NoError(t, c.Read(file))
	assert.Equal(t, ":8080", c.HTTPAddress)

	assert.Error(t, new(Config).Read(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestStartProfiler(t *testing.T) {
	p, err := startProfiler("")
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = startProfiler("disk")
	assert.Error(t, err)
}
