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

package cert

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/superkkt/omega-eas/logger"
)

// Loader serves the TLS certificate read from a pair of PEM files and
// reloads it when either file is modified.
type Loader struct {
	certFile, keyFile string

	mutex   sync.Mutex
	cached  tls.Certificate
	modTime time.Time
}

func NewLoader(certFile, keyFile string) (*Loader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	mtime, err := lastModified(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &Loader{
		certFile: certFile,
		keyFile:  keyFile,
		cached:   cert,
		modTime:  mtime,
	}, nil
}

func lastModified(files ...string) (time.Time, error) {
	var last time.Time
	for _, v := range files {
		fi, err := os.Stat(v)
		if err != nil {
			return time.Time{}, err
		}
		if fi.ModTime().After(last) {
			last = fi.ModTime()
		}
	}

	return last, nil
}

func (r *Loader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	mtime, err := lastModified(r.certFile, r.keyFile)
	if err != nil {
		logger.Error(fmt.Sprintf("cert: failed to stat the certification files: %v", err))
		logger.Warning("cert: fallback to the cached certification")
		return &r.cached, nil
	}
	if !mtime.After(r.modTime) {
		return &r.cached, nil
	}

	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		logger.Error(fmt.Sprintf("cert: failed to read new certifications: %v", err))
		logger.Warning("cert: fallback to the cached certification")
		// Fallback
		return &r.cached, nil
	}
	logger.Info(fmt.Sprintf("cert: reloaded the certification from %v", r.certFile))
	r.cached = cert
	r.modTime = mtime

	return &r.cached, nil
}
