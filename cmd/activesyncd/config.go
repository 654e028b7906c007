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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/logger"
)

var (
	defaultConfigFile = fmt.Sprintf("/usr/local/etc/%v.yaml", programName)
)

type Config struct {
	LogLevel       logger.Level
	LogFormat      string
	Address        string
	HTTPAddress    string
	MetricsAddress string
	TLS            struct {
		CertFile string
		KeyFile  string
	}
	RateLimit    float64
	RateBurst    int
	BlockedUsers []string
	DB           DSN
	SMTP         SMTP
	Ping         activesync.PingConfig
	Provisioning activesync.ProvisioningConfig
	// Users maps a user ID to its bcrypt password hash.
	Users map[string]string
}

type SMTP struct {
	Host     string
	Port     uint16
	Username string
	Password string
	StartTLS bool
}

const (
	driverMemory = "memory"
	driverSQLite = "sqlite"
	driverMySQL  = "mysql"
)

type DSN struct {
	// StateDriver is one of memory, sqlite and mysql.
	StateDriver string
	// BackendDriver is one of memory and mysql.
	BackendDriver string
	SQLiteFile    string
	Host          string
	Port          uint16
	Username      string
	Password      string
	ActiveSyncDB  string
	BackendDB     string
}

func (r DSN) useMySQL() bool {
	return r.StateDriver == driverMySQL || r.BackendDriver == driverMySQL
}

type user struct {
	ID           string `mapstructure:"id"`
	PasswordHash string `mapstructure:"password_hash"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ACTIVESYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default.log_level", "info")
	v.SetDefault("default.log_format", "text")
	v.SetDefault("default.address", ":443")
	v.SetDefault("default.rate_burst", 10)
	v.SetDefault("database.state_driver", driverMemory)
	v.SetDefault("database.backend_driver", driverMemory)
	v.SetDefault("database.port", 3306)
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 25)

	def := activesync.DefaultPingConfig()
	v.SetDefault("ping.min_heartbeat", def.MinHeartbeat)
	v.SetDefault("ping.max_heartbeat", def.MaxHeartbeat)
	v.SetDefault("ping.max_folders", def.MaxFolders)
	v.SetDefault("ping.poll_interval", def.PollInterval)
	v.SetDefault("provisioning.min_password_length", 4)

	return v
}

func (r *Config) Read(configFile string) error {
	if len(configFile) == 0 {
		configFile = defaultConfigFile
	}

	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	return r.read(v)
}

func (r *Config) read(v *viper.Viper) error {
	if err := r.readDefaultSection(v); err != nil {
		return err
	}
	if err := r.readDatabaseSection(v); err != nil {
		return err
	}
	if err := r.readSMTPSection(v); err != nil {
		return err
	}
	if err := r.readPingSection(v); err != nil {
		return err
	}
	r.Provisioning = activesync.ProvisioningConfig{
		Required:          v.GetBool("provisioning.required"),
		RequirePassword:   v.GetBool("provisioning.require_password"),
		MinPasswordLength: v.GetInt("provisioning.min_password_length"),
	}
	if r.Provisioning.MinPasswordLength < 0 {
		return errors.New("invalid provisioning.min_password_length value")
	}

	return r.readUsersSection(v)
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func (r *Config) readDefaultSection(v *viper.Viper) error {
	var err error

	r.LogLevel, err = logger.ParseLevel(v.GetString("default.log_level"))
	if err != nil {
		return err
	}
	r.LogFormat = v.GetString("default.log_format")
	if r.LogFormat != "text" && r.LogFormat != "json" {
		return fmt.Errorf("invalid default.log_format: %v", r.LogFormat)
	}

	r.Address = v.GetString("default.address")
	r.HTTPAddress = v.GetString("default.http_address")
	if len(r.Address) == 0 && len(r.HTTPAddress) == 0 {
		return errors.New("both default.address and default.http_address are empty")
	}
	r.MetricsAddress = v.GetString("default.metrics_address")

	if len(r.Address) > 0 {
		r.TLS.CertFile = v.GetString("default.cert_file")
		if len(r.TLS.CertFile) == 0 {
			return errors.New("empty default.cert_file value")
		}
		if !filepath.IsAbs(r.TLS.CertFile) {
			return errors.New("default.cert_file should be specified as an absolute path")
		}
		r.TLS.KeyFile = v.GetString("default.key_file")
		if len(r.TLS.KeyFile) == 0 {
			return errors.New("empty default.key_file value")
		}
		if !filepath.IsAbs(r.TLS.KeyFile) {
			return errors.New("default.key_file should be specified as an absolute path")
		}
	}

	r.RateLimit = v.GetFloat64("default.rate_limit")
	if r.RateLimit < 0 {
		return errors.New("invalid default.rate_limit value")
	}
	r.RateBurst = v.GetInt("default.rate_burst")
	if r.RateLimit > 0 && r.RateBurst <= 0 {
		return errors.New("invalid default.rate_burst value")
	}
	r.BlockedUsers = v.GetStringSlice("default.blocked_users")

	return nil
}

func (r *Config) readDatabaseSection(v *viper.Viper) error {
	r.DB.StateDriver = v.GetString("database.state_driver")
	switch r.DB.StateDriver {
	case driverMemory, driverMySQL:
	case driverSQLite:
		r.DB.SQLiteFile = v.GetString("database.sqlite_file")
		if len(r.DB.SQLiteFile) == 0 {
			return errors.New("empty database.sqlite_file value")
		}
	default:
		return fmt.Errorf("invalid database.state_driver: %v", r.DB.StateDriver)
	}

	r.DB.BackendDriver = v.GetString("database.backend_driver")
	if r.DB.BackendDriver != driverMemory && r.DB.BackendDriver != driverMySQL {
		return fmt.Errorf("invalid database.backend_driver: %v", r.DB.BackendDriver)
	}
	if !r.DB.useMySQL() {
		return nil
	}

	r.DB.Host = v.GetString("database.host")
	if len(r.DB.Host) == 0 {
		return errors.New("empty database.host value")
	}
	port := v.GetInt("database.port")
	if !validPort(port) {
		return errors.New("empty or invalid database.port value")
	}
	r.DB.Port = uint16(port)
	r.DB.Username = v.GetString("database.username")
	if len(r.DB.Username) == 0 {
		return errors.New("empty database.username value")
	}
	r.DB.Password = v.GetString("database.password")
	if len(r.DB.Password) == 0 {
		return errors.New("empty database.password value")
	}
	if r.DB.StateDriver == driverMySQL {
		r.DB.ActiveSyncDB = v.GetString("database.activesync_db")
		if len(r.DB.ActiveSyncDB) == 0 {
			return errors.New("empty database.activesync_db value")
		}
	}
	if r.DB.BackendDriver == driverMySQL {
		r.DB.BackendDB = v.GetString("database.backend_db")
		if len(r.DB.BackendDB) == 0 {
			return errors.New("empty database.backend_db value")
		}
	}

	return nil
}

func (r *Config) readSMTPSection(v *viper.Viper) error {
	r.SMTP.Host = v.GetString("smtp.host")
	if len(r.SMTP.Host) == 0 {
		return errors.New("empty smtp.host value")
	}
	port := v.GetInt("smtp.port")
	if !validPort(port) {
		return errors.New("empty or invalid smtp.port value")
	}
	r.SMTP.Port = uint16(port)
	r.SMTP.Username = v.GetString("smtp.username")
	r.SMTP.Password = v.GetString("smtp.password")
	r.SMTP.StartTLS = v.GetBool("smtp.starttls")

	return nil
}

func (r *Config) readPingSection(v *viper.Viper) error {
	r.Ping = activesync.PingConfig{
		MinHeartbeat: v.GetDuration("ping.min_heartbeat"),
		MaxHeartbeat: v.GetDuration("ping.max_heartbeat"),
		MaxFolders:   v.GetInt("ping.max_folders"),
		PollInterval: v.GetDuration("ping.poll_interval"),
	}
	if r.Ping.MinHeartbeat < time.Second || r.Ping.MaxHeartbeat < r.Ping.MinHeartbeat {
		return fmt.Errorf("invalid ping heartbeat bounds: min=%v, max=%v", r.Ping.MinHeartbeat, r.Ping.MaxHeartbeat)
	}
	if r.Ping.MaxFolders <= 0 {
		return errors.New("invalid ping.max_folders value")
	}
	if r.Ping.PollInterval <= 0 {
		return errors.New("invalid ping.poll_interval value")
	}

	return nil
}

func (r *Config) readUsersSection(v *viper.Viper) error {
	var users []user
	if err := v.UnmarshalKey("users", &users); err != nil {
		return fmt.Errorf("invalid users section: %w", err)
	}
	if len(users) == 0 {
		return errors.New("empty users section")
	}

	r.Users = make(map[string]string)
	for _, u := range users {
		if len(u.ID) == 0 || len(u.PasswordHash) == 0 {
			return errors.New("users entry needs both id and password_hash")
		}
		if _, ok := r.Users[u.ID]; ok {
			return fmt.Errorf("duplicated user: %v", u.ID)
		}
		r.Users[u.ID] = u.PasswordHash
	}

	return nil
}
