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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

const Path = "/Microsoft-Server-ActiveSync"

type Listener struct {
	config    Config
	validator *Validator
	limiter   *RateLimiter
	router    chi.Router
}

type Config struct {
	Address       string
	HTTPAddress   string // Plain HTTP listener address. Empty disables it.
	Cert          CertLoader
	Authenticator backend.Authenticator
	BlockedUsers  []string
	RateLimit     float64 // Requests per second per device. Zero disables it.
	RateBurst     int
	Param         Parameter
}

type CertLoader interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

func NewListener(conf Config) *Listener {
	if len(factories) == 0 {
		panic("empty factories")
	}

	blocked := make(map[string]bool)
	for _, v := range conf.BlockedUsers {
		blocked[v] = true
	}
	r := &Listener{
		config:    conf,
		validator: &Validator{Blocked: blocked},
		limiter:   NewRateLimiter(conf.RateLimit, conf.RateBurst),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(r.logRequest)
	router.Group(func(g chi.Router) {
		g.Use(r.authenticate)
		g.Options(Path, sendOptionsResponse)
		g.Post(Path, r.dispatch)
	})
	router.MethodNotAllowed(methodNotAllowed)
	r.router = router

	return r
}

// Handler returns the HTTP handler serving the ActiveSync endpoint.
func (r *Listener) Handler() http.Handler {
	return r.router
}

// Run serves requests until ctx is canceled.
func (r *Listener) Run(ctx context.Context) error {
	servers := []*http.Server{}
	errc := make(chan error, 2)

	if r.config.Cert != nil {
		srv := &http.Server{
			Addr:    r.config.Address,
			Handler: r.router,
			TLSConfig: &tls.Config{
				GetCertificate: r.config.Cert.GetCertificate,
			},
		}
		servers = append(servers, srv)
		go func() { errc <- srv.ListenAndServeTLS("", "") }()
	}
	// Allow non-secured HTTP connection for debugging purpose only
	if r.config.HTTPAddress != "" {
		srv := &http.Server{
			Addr:    r.config.HTTPAddress,
			Handler: r.router,
		}
		servers = append(servers, srv)
		go func() { errc <- srv.ListenAndServe() }()
	}
	if len(servers) == 0 {
		return errors.New("no listener is configured")
	}

	go r.limiter.Cleanup(ctx, 10*time.Minute)

	select {
	case err := <-errc:
		shutdown(servers)
		return err
	case <-ctx.Done():
		shutdown(servers)
		return nil
	}
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, v := range servers {
		if err := v.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("activesync: failed to shutdown the HTTP server on %v: %v", v.Addr, err))
		}
	}
}

func (r *Listener) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger.Debug(fmt.Sprintf("Total number of goroutines = %v", runtime.NumGoroutine()))
		logger.Debug(fmt.Sprintf("Client: %v, Method: %v, URL: %v, Header: %v", req.RemoteAddr, req.Method, req.URL, removeAuthInfo(req.Header)))
		next.ServeHTTP(w, req)
	})
}

type credentialKey struct{}

func credentialFrom(ctx context.Context) backend.Credential {
	c, _ := ctx.Value(credentialKey{}).(backend.Credential)
	return c
}

func (r *Listener) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := r.auth(req)
		if err != nil {
			logger.Error(fmt.Sprintf("activesync: failed to authorize a new request: %v", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !c.IsAuthorized() {
			logger.Info(fmt.Sprintf("Unauthorized: username=%v", c.UserID()))
			w.Header().Set("WWW-Authenticate", `Basic realm="ActiveSync"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		// Indicates that all or part of the response message is intended for a single
		// user and MUST NOT be cached by a shared cache, such as a proxy server.
		w.Header().Set("Cache-Control", "private")
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), credentialKey{}, c)))
	})
}

func (r *Listener) auth(req *http.Request) (backend.Credential, error) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return unauthorized{}, nil
	}

	return r.config.Authenticator.Auth(username, password)
}

type unauthorized struct{}

func (r unauthorized) IsAuthorized() bool {
	return false
}

func (r unauthorized) UserID() string {
	return ""
}

func methodNotAllowed(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Allow", "OPTIONS,POST")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte("Only allows OPTIONS and POST HTTP methods"))
}

// removeAuthInfo returns a deep copy of h except the Authorization header field.
func removeAuthInfo(h http.Header) http.Header {
	h2 := make(http.Header, len(h))
	for k, vv := range h {
		// Remove the Authorization header field to hide user's password.
		if k == "Authorization" {
			continue
		}
		vv2 := make([]string, len(vv))
		copy(vv2, vv)
		h2[k] = vv2
	}
	return h2
}

func sendOptionsResponse(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Allow", "OPTIONS,POST")
	w.Header().Set("MS-ASProtocolVersions", factories.Versions())
	w.Header().Set("MS-ASProtocolCommands", factories.Commands())
	w.WriteHeader(http.StatusOK)
}

func (r *Listener) dispatch(w http.ResponseWriter, req *http.Request) {
	c := credentialFrom(req.Context())
	cmd := req.URL.Query().Get("Cmd")
	k := SessionKey{UserID: c.UserID(), DeviceID: req.URL.Query().Get("DeviceId")}
	if ok, delay := r.limiter.Allow(k); !ok {
		logger.Info(fmt.Sprintf("activesync: rate limited: user=%v, device=%v", k.UserID, k.DeviceID))
		r.config.Param.Metrics.recordRateLimited()
		w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	resp := NewResponseWriter(w)
	defer func() {
		if err := resp.Flush(); err != nil {
			logger.Error(fmt.Sprintf("activesync: failed to write the response: %v", err))
		}
	}()

	parsed, fault := r.validator.Validate(req, c)
	if fault != nil {
		logger.Info(fmt.Sprintf("activesync: rejected %v request from %v: %v", cmd, req.RemoteAddr, fault))
		if fault.HTTPStatus != 0 {
			r.config.Param.Metrics.RecordHTTPFailure(cmd, fault.HTTPStatus)
			resp.WriteHeader(fault.HTTPStatus)
			resp.Write([]byte(fault.Err.Error()))
			return
		}
		r.config.Param.Metrics.RecordCommand(cmd, fault.Status, time.Since(start))
		if err := WriteStatus(resp, cmd, fault.Status); err != nil {
			logger.Error(fmt.Sprintf("activesync: failed to write a fault response: %v", err))
			resp.Clear()
			resp.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	// Any command other than Ping cancels the Ping pending on the session.
	if parsed.Command != CmdPing {
		r.config.Param.Sessions.Get(k.UserID, k.DeviceID).Interrupt()
	}

	h := factories[parsed.ProtocolVersion].New(r.config.Param)
	h.Handle(resp, parsed)

	if resp.Status() != http.StatusOK {
		r.config.Param.Metrics.RecordHTTPFailure(parsed.Command, resp.Status())
	} else {
		r.config.Param.Metrics.RecordCommand(parsed.Command, resp.Result(), time.Since(start))
	}
}
