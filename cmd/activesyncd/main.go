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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/activesync/eas14"
	"github.com/superkkt/omega-eas/auth"
	"github.com/superkkt/omega-eas/backend"
	bmemory "github.com/superkkt/omega-eas/backend/memory"
	"github.com/superkkt/omega-eas/cert"
	smemory "github.com/superkkt/omega-eas/database/memory"
	"github.com/superkkt/omega-eas/database/mysql"
	mbackend "github.com/superkkt/omega-eas/database/mysql/backend"
	"github.com/superkkt/omega-eas/database/mysql/eas"
	"github.com/superkkt/omega-eas/database/sqlite"
	"github.com/superkkt/omega-eas/logger"
	"github.com/superkkt/omega-eas/smtp"
	"golang.org/x/sync/errgroup"
)

const (
	programVersion = "0.3.0"
	programName    = "activesyncd"
)

var (
	configFile  string
	showVersion bool
	profileMode string
)

var rootCmd = &cobra.Command{
	Use:           programName,
	Short:         "Exchange ActiveSync server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var hashCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash of a password for the users section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", defaultConfigFile, "absolute path of the configuration file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show program version and exit")
	rootCmd.Flags().StringVar(&profileMode, "profile.mode", "", "enable profiling mode, one of [cpu, mem, block]")
	rootCmd.AddCommand(hashCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", programName, err)
		os.Exit(1)
	}
}

func startProfiler(mode string) (interface{ Stop() }, error) {
	switch strings.ToUpper(mode) {
	case "":
		return nil, nil
	case "CPU":
		return profile.Start(profile.CPUProfile, profile.NoShutdownHook), nil
	case "MEM":
		return profile.Start(profile.MemProfile, profile.NoShutdownHook), nil
	case "BLOCK":
		return profile.Start(profile.BlockProfile, profile.NoShutdownHook), nil
	default:
		return nil, errors.New("profile.mode should be one of [cpu, mem, block]")
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Fprintf(cmd.OutOrStdout(), "%v (Version: %v)\n", programName, programVersion)
		return nil
	}

	profiler, err := startProfiler(profileMode)
	if err != nil {
		return err
	}
	if profiler != nil {
		defer profiler.Stop()
	}

	config := new(Config)
	if err := config.Read(configFile); err != nil {
		return fmt.Errorf("failed to read configurations: %w", err)
	}
	initLogger(config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	notifier := activesync.NewNotifier()
	state, mailbox, closeDB, err := initDatabase(ctx, config, notifier.Publish)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer closeDB()

	authenticator, err := auth.NewStatic(config.Users)
	if err != nil {
		return fmt.Errorf("failed to init authenticator: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	asConfig := activesync.Config{
		Address:       config.Address,
		HTTPAddress:   config.HTTPAddress,
		Authenticator: authenticator,
		BlockedUsers:  config.BlockedUsers,
		RateLimit:     config.RateLimit,
		RateBurst:     config.RateBurst,
		Param: activesync.Parameter{
			Storage:  activesync.NewStorage(state),
			Backend:  mailbox,
			Sessions: activesync.NewSessionStore(),
			Notifier: notifier,
			Mailer: smtp.New(smtp.Config{
				Host:     config.SMTP.Host,
				Port:     config.SMTP.Port,
				Username: config.SMTP.Username,
				Password: config.SMTP.Password,
				StartTLS: config.SMTP.StartTLS,
			}),
			Metrics:      activesync.NewMetrics(registry),
			Ping:         config.Ping,
			Provisioning: config.Provisioning,
		},
	}
	if len(config.Address) > 0 {
		loader, err := cert.NewLoader(config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load the certification: %w", err)
		}
		asConfig.Cert = loader
	}
	// ActiveSync Protocol Version 12.0 - 14.1
	activesync.RegisterFactory(eas14.NewFactory())
	as := activesync.NewListener(asConfig)

	logger.Info(fmt.Sprintf("%v is initialized..", programName))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return as.Run(ctx)
	})
	if len(config.MetricsAddress) > 0 {
		g.Go(func() error {
			return serveMetrics(ctx, config.MetricsAddress, registry)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to run the listener: %w", err)
	}
	logger.Info(fmt.Sprintf("%v is finished..", programName))

	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	router := chi.NewRouter()
	router.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(c)
	}
}

func initLogger(conf *Config) {
	logger.SetFormat(conf.LogFormat)
	logger.SetLogLevel(conf.LogLevel)
	logger.SetPrefix(func() string {
		return fmt.Sprintf("TID=%v, ", getGoRoutineID())
	})
}

func getGoRoutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
}

func initDatabase(ctx context.Context, conf *Config, onChange func(userID string)) (state activesync.StateStore, mailbox backend.Storage, closer func(), err error) {
	var closers []func() error
	closer = func() {
		for _, f := range closers {
			if err := f(); err != nil {
				logger.Error(fmt.Sprintf("failed to close the database: %v", err))
			}
		}
	}
	defer func() {
		if err != nil {
			closer()
		}
	}()

	var db *mysql.MySQL
	if conf.DB.useMySQL() {
		// NOTE: Enable clientFoundRows to cause an UPDATE to return the number of matching rows instead of the number of rows changed.
		db, err = mysql.NewMySQL(ctx, mysql.Config{
			Host:            conf.DB.Host,
			Port:            conf.DB.Port,
			Username:        conf.DB.Username,
			Password:        conf.DB.Password,
			ClientFoundRows: true,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, db.Close)
	}

	switch conf.DB.StateDriver {
	case driverMemory:
		state = smemory.NewStateStore()
	case driverSQLite:
		s, err := sqlite.Open(conf.DB.SQLiteFile)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, s.Close)
		state = s
	case driverMySQL:
		s := eas.New(db, conf.DB.ActiveSyncDB)
		if err := s.CreateTable(ctx); err != nil {
			return nil, nil, nil, err
		}
		state = s
	}

	switch conf.DB.BackendDriver {
	case driverMemory:
		mailbox = bmemory.New(onChange)
	case driverMySQL:
		s := mbackend.New(db, conf.DB.BackendDB, onChange)
		if err := s.CreateTables(ctx); err != nil {
			return nil, nil, nil, err
		}
		mailbox = s
	}

	return state, mailbox, closer, nil
}
