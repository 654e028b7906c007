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

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()

	buf := new(bytes.Buffer)
	SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetFormat("text")
		SetLogLevel(LevelDebug)
		SetPrefix(nil)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLogLevel(LevelWarning)

	Debug("debug message")
	Info("info message")
	Warning("warning message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warning message")
	assert.Contains(t, out, "error message")
}

func TestPrefix(t *testing.T) {
	buf := capture(t)
	SetLogLevel(LevelDebug)
	SetPrefix(func() string { return "TID=7, " })

	Info("hello")
	assert.Contains(t, buf.String(), "TID=7, hello")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t)
	SetLogLevel(LevelDebug)
	SetFormat("json")

	Error("broken")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "broken", rec["msg"])
	assert.Equal(t, "ERROR", rec["level_name"])
}

func TestFatalExits(t *testing.T) {
	capture(t)
	code := -1
	orig := exit
	exit = func(c int) { code = c }
	defer func() { exit = orig }()

	Fatal("bye")
	assert.Equal(t, 1, code)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
