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

// Package mysqltest starts a MySQL server in a container for the tests of
// the MySQL stores. Set OMEGA_TEST_MYSQL_ADDR (host:port, root password in
// OMEGA_TEST_MYSQL_PASSWORD) to use an existing server instead.
package mysqltest

import (
	"context"
	"database/sql"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/superkkt/omega-eas/database"
	"github.com/superkkt/omega-eas/database/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image        = "mysql:8.0"
	rootPassword = "omega_test"
)

var (
	once   sync.Once
	server mysql.Config
	// startErr is the error of the first container start. Later tests fail
	// with it instead of starting another container.
	startErr error
)

func start(ctx context.Context) (mysql.Config, error) {
	if addr := os.Getenv("OMEGA_TEST_MYSQL_ADDR"); addr != "" {
		host, p, err := net.SplitHostPort(addr)
		if err != nil {
			return mysql.Config{}, err
		}
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return mysql.Config{}, err
		}
		return mysql.Config{
			Host:     host,
			Port:     uint16(port),
			Username: "root",
			Password: os.Getenv("OMEGA_TEST_MYSQL_PASSWORD"),
		}, nil
	}

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": rootPassword,
		},
		// The entrypoint runs a temporary server without networking first.
		WaitingFor: wait.ForAll(
			wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(120*time.Second),
			wait.ForListeningPort("3306/tcp"),
		),
	}
	// The container is removed by the reaper when the test binary exits.
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return mysql.Config{}, err
	}
	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return mysql.Config{}, err
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		_ = container.Terminate(ctx)
		return mysql.Config{}, err
	}

	return mysql.Config{
		Host:     host,
		Port:     uint16(port.Int()),
		Username: "root",
		Password: rootPassword,
	}, nil
}

// Open connects to the shared test server and creates an empty database
// for the caller. It returns the connection and the database name. The
// test is skipped when there is neither a server address nor a container
// runtime.
func Open(t *testing.T) (*mysql.MySQL, string) {
	t.Helper()

	if os.Getenv("OMEGA_TEST_MYSQL_ADDR") == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}
	ctx := context.Background()
	once.Do(func() { server, startErr = start(ctx) })
	if startErr != nil {
		t.Fatalf("starting the MySQL server: %v", startErr)
	}

	conf := server
	conf.ClientFoundRows = true
	db, err := mysql.NewMySQL(ctx, conf)
	if err != nil {
		t.Fatalf("connecting to the MySQL server: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	name := "omega_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	exec := func(qry string) error {
		return database.Run(ctx, db, func(q database.Queryer) error {
			return q.Query(func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, qry)
				return err
			})
		})
	}
	if err := exec("CREATE DATABASE `" + name + "` DEFAULT CHARACTER SET utf8mb4"); err != nil {
		t.Fatalf("creating database %v: %v", name, err)
	}
	t.Cleanup(func() {
		if err := exec("DROP DATABASE `" + name + "`"); err != nil {
			t.Logf("dropping database %v: %v", name, err)
		}
	})

	return db, name
}
