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
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/superkkt/omega-eas/backend"
)

// Command names.
const (
	CmdFolderSync      = "FolderSync"
	CmdFolderCreate    = "FolderCreate"
	CmdFolderDelete    = "FolderDelete"
	CmdFolderUpdate    = "FolderUpdate"
	CmdGetHierarchy    = "GetHierarchy"
	CmdSync            = "Sync"
	CmdGetItemEstimate = "GetItemEstimate"
	CmdMoveItems       = "MoveItems"
	CmdPing            = "Ping"
	CmdProvision       = "Provision"
	CmdSendMail        = "SendMail"
)

// namespaces maps a command to the XML namespace of its request and
// response documents.
var namespaces = map[string]string{
	CmdFolderSync:      "FolderHierarchy",
	CmdFolderCreate:    "FolderHierarchy",
	CmdFolderDelete:    "FolderHierarchy",
	CmdFolderUpdate:    "FolderHierarchy",
	CmdGetHierarchy:    "FolderHierarchy",
	CmdSync:            "AirSync",
	CmdGetItemEstimate: "GetItemEstimate",
	CmdMoveItems:       "Move",
	CmdPing:            "Ping",
	CmdProvision:       "Provision",
	CmdSendMail:        "ComposeMail",
}

// Namespace returns the XML namespace of cmd's documents.
func Namespace(cmd string) string {
	return namespaces[cmd]
}

const maxBodySize = 32 << 20

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)

// Fault is a request failure detected before any state is touched. A
// non-zero HTTPStatus means the failure is reported at the HTTP level
// instead of in a status document.
type Fault struct {
	Status     Status
	HTTPStatus int
	Err        error
}

func NewFault(s Status, err error) *Fault {
	return &Fault{Status: s, Err: err}
}

func newHTTPFault(code int, err error) *Fault {
	return &Fault{HTTPStatus: code, Err: err}
}

func (r *Fault) Error() string {
	if r.HTTPStatus != 0 {
		return fmt.Sprintf("HTTP %v: %v", r.HTTPStatus, r.Err)
	}
	return fmt.Sprintf("%v: %v", r.Status, r.Err)
}

func (r *Fault) Unwrap() error {
	return r.Err
}

// RangeExceeded returns a fault if n elements named name exceed max.
func RangeExceeded(name string, n, max int) error {
	if n <= max {
		return nil
	}
	return NewFault(StatusRangeExceeded, fmt.Errorf("too many %v elements: %v > %v", name, n, max))
}

// Request is a validated command request.
type Request struct {
	Command         string
	Credential      backend.Credential
	DeviceID        string
	DeviceType      string
	ProtocolVersion string
	// PolicyKey is the X-MS-PolicyKey header. Empty if the header is absent.
	PolicyKey string
	Query     url.Values
	Body      []byte
	HTTP      *http.Request
}

func (r *Request) Context() context.Context {
	return r.HTTP.Context()
}

func (r *Request) UserID() string {
	return r.Credential.UserID()
}

func (r *Request) IsEmpty() bool {
	return len(strings.TrimSpace(string(r.Body))) == 0
}

// Decode decodes the request body into dest. The returned error is always
// a *Fault.
func (r *Request) Decode(dest interface{}) error {
	if r.IsEmpty() {
		return NewFault(StatusInvalidXML, errors.New("empty request body"))
	}
	// Request documents declare their root element with an XMLName
	// field, so a wrong root is reported by the decoder as StatusInvalidXML.
	return decodeBody(r.Body, dest)
}

// Validator checks the transport envelope of a command.
type Validator struct {
	// Blocked lists users that are not permitted to synchronize.
	Blocked map[string]bool
}

// Validate checks the identity headers, the protocol version and the user
// of req and reads its body.
func (r *Validator) Validate(req *http.Request, c backend.Credential) (*Request, *Fault) {
	q := req.URL.Query()
	cmd := q.Get("Cmd")
	if cmd == "" {
		return nil, newHTTPFault(http.StatusBadRequest, errors.New("missing Cmd URI parameter"))
	}
	if _, ok := namespaces[cmd]; !ok {
		return nil, newHTTPFault(http.StatusNotImplemented, fmt.Errorf("unknown command: %v", cmd))
	}
	version := req.Header.Get("MS-ASProtocolVersion")
	if version == "" {
		return nil, newHTTPFault(http.StatusBadRequest, errors.New("missing MS-ASProtocolVersion header"))
	}
	f := factories[version]
	if f == nil {
		return nil, newHTTPFault(http.StatusBadRequest, fmt.Errorf("unsupported protocol version: %v", version))
	}
	if !supports(f, cmd) {
		return nil, NewFault(StatusCommandNotSupported, fmt.Errorf("command %v is not supported by version %v", cmd, version))
	}

	deviceID := q.Get("DeviceId")
	if !deviceIDPattern.MatchString(deviceID) {
		return nil, NewFault(StatusDeviceIDMissingOrInvalid, fmt.Errorf("invalid DeviceId: %q", deviceID))
	}
	deviceType := q.Get("DeviceType")
	if deviceType == "" || len(deviceType) > 32 {
		return nil, NewFault(StatusDeviceTypeMissingOrInvalid, fmt.Errorf("invalid DeviceType: %q", deviceType))
	}
	if r.Blocked[c.UserID()] {
		return nil, NewFault(StatusUserDisabledForSync, fmt.Errorf("user %v is not permitted to synchronize", c.UserID()))
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize+1))
	if err != nil {
		return nil, newHTTPFault(http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
	}
	if len(body) > maxBodySize {
		return nil, newHTTPFault(http.StatusRequestEntityTooLarge, errors.New("request body too large"))
	}

	return &Request{
		Command:         cmd,
		Credential:      c,
		DeviceID:        deviceID,
		DeviceType:      deviceType,
		ProtocolVersion: version,
		PolicyKey:       req.Header.Get("X-MS-PolicyKey"),
		Query:           q,
		Body:            body,
		HTTP:            req,
	}, nil
}

func supports(f Factory, cmd string) bool {
	for _, v := range f.Commands() {
		if v == cmd {
			return true
		}
	}
	return false
}

// statusDocument is the response sent for a fault or a command level
// failure that has nothing else to report.
type statusDocument struct {
	XMLName xml.Name
	Status  int `xml:"Status"`
}

// WriteStatus writes a response document that carries only status.
func WriteStatus(w *ResponseWriter, cmd string, s Status) error {
	defer w.SetResult(s)
	return w.WriteDocument(statusDocument{
		XMLName: xml.Name{Space: Namespace(cmd), Local: rootElement(cmd)},
		Status:  int(s),
	})
}

func rootElement(cmd string) string {
	if cmd == CmdGetHierarchy {
		return "Folders"
	}
	return cmd
}
