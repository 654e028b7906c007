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

// Package logger is a leveled process-wide logger. Messages are plain
// strings; records are emitted through log/slog so that the output can be
// switched between text and JSON.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	level  Level
	out    io.Writer = os.Stderr
	format           = "text"
	prefix func() string
	slg    *slog.Logger

	exit = os.Exit
)

func init() {
	rebuild()
}

type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (r Level) String() string {
	switch r {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration value such as "debug" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return 0, fmt.Errorf("invalid log level: %v", s)
	}
}

func (r Level) slogLevel() slog.Level {
	switch r {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		// Fatal has no slog counterpart.
		return slog.LevelError
	}
}

// rebuild should be called with mu held or from init.
func rebuild() {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	slg = slog.New(h)
}

func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	out = w
	rebuild()
}

// SetFormat selects "text" or "json" output. Unknown formats are ignored.
func SetFormat(f string) {
	f = strings.ToLower(f)
	if f != "text" && f != "json" {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	format = f
	rebuild()
}

func SetLogLevel(v Level) {
	mu.Lock()
	defer mu.Unlock()

	level = v
}

func SetPrefix(f func() string) {
	mu.Lock()
	defer mu.Unlock()

	prefix = f
}

func write(l Level, msg string) {
	mu.RLock()
	defer mu.RUnlock()

	if level > l {
		return
	}
	if prefix != nil {
		msg = prefix() + msg
	}
	slg.Log(context.Background(), l.slogLevel(), msg, "level_name", l.String())
}

func Debug(m string) {
	write(LevelDebug, m)
}

func Info(m string) {
	write(LevelInfo, m)
}

func Warning(m string) {
	write(LevelWarning, m)
}

func Error(m string) {
	write(LevelError, m)
}

func Fatal(m string) {
	write(LevelFatal, m)
	exit(1)
}
