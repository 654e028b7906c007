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
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
)

// Codec converts between the wire encoding of a command body and its XML
// representation.
type Codec interface {
	Decode(body []byte) (string, error)
	Encode(xml string) ([]byte, error)
	ContentType() string
}

// XMLCodec passes XML documents through unchanged.
type XMLCodec struct{}

func (r XMLCodec) Decode(body []byte) (string, error) {
	return string(body), nil
}

func (r XMLCodec) Encode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (r XMLCodec) ContentType() string {
	return "application/vnd.ms-sync+xml"
}

var (
	codecMutex sync.RWMutex
	codec      Codec = XMLCodec{}
)

// SetCodec replaces the codec used for every request and response.
func SetCodec(c Codec) {
	if c == nil {
		panic("nil codec")
	}
	codecMutex.Lock()
	defer codecMutex.Unlock()
	codec = c
}

func currentCodec() Codec {
	codecMutex.RLock()
	defer codecMutex.RUnlock()
	return codec
}

// SchemaChecker is implemented by request documents that have constraints
// beyond what the XML decoder can verify.
type SchemaChecker interface {
	CheckSchema() error
}

// decodeBody decodes body into dest. It returns a Fault with
// StatusInvalidWBXML if body cannot be decoded at all and StatusInvalidXML
// if it is a well-formed document that does not fit dest.
func decodeBody(body []byte, dest interface{}) error {
	doc, err := currentCodec().Decode(body)
	if err != nil {
		return NewFault(StatusInvalidWBXML, fmt.Errorf("decoding request body: %w", err))
	}
	if err := checkWellFormed(doc); err != nil {
		return NewFault(StatusInvalidWBXML, err)
	}
	if err := xml.Unmarshal([]byte(doc), dest); err != nil {
		return NewFault(StatusInvalidXML, err)
	}
	if err := checkShape(doc, dest); err != nil {
		return NewFault(StatusInvalidXML, err)
	}
	if v, ok := dest.(SchemaChecker); ok {
		if err := v.CheckSchema(); err != nil {
			var fault *Fault
			if errors.As(err, &fault) {
				return fault
			}
			return NewFault(StatusInvalidXML, err)
		}
	}

	return nil
}

func checkWellFormed(doc string) error {
	dec := xml.NewDecoder(strings.NewReader(doc))
	root := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed request body: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("request body has no root element")
	}

	return nil
}

// checkShape walks doc along the type of dest and rejects the elements
// xml.Unmarshal would silently accept: children without a matching field and
// repeated children whose field is not a slice. Elements are matched by
// their local name like the decoder does.
func checkShape(doc string, dest interface{}) error {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("malformed request body: %w", err)
		}
		if v, ok := tok.(xml.StartElement); ok {
			return checkElement(dec, reflect.TypeOf(dest), v.Name.Local)
		}
	}
}

// checkElement consumes the content of the element name, which has just been
// started and is decoded into a value of type t.
func checkElement(dec *xml.Decoder, t reflect.Type, name string) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	var fields map[string]reflect.Type
	if t.Kind() == reflect.Struct {
		var opaque bool
		fields, opaque = elementFields(t)
		if opaque {
			return dec.Skip()
		}
	}

	seen := make(map[string]bool)
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("malformed request body: %w", err)
		}
		switch v := tok.(type) {
		case xml.StartElement:
			child := v.Name.Local
			ft, ok := fields[child]
			if !ok {
				return fmt.Errorf("unexpected element %v in %v", child, name)
			}
			if ft.Kind() == reflect.Slice && ft.Elem().Kind() != reflect.Uint8 {
				ft = ft.Elem()
			} else if seen[child] {
				return fmt.Errorf("repeated element %v in %v", child, name)
			}
			seen[child] = true
			if err := checkElement(dec, ft, child); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// elementFields returns the child elements a struct accepts, keyed by name.
// opaque is true if the struct keeps its raw content.
func elementFields(t reflect.Type) (fields map[string]reflect.Type, opaque bool) {
	fields = make(map[string]reflect.Type)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Name == "XMLName" {
			continue
		}
		name, flags, _ := strings.Cut(f.Tag.Get("xml"), ",")
		if name == "-" {
			continue
		}
		switch {
		case strings.Contains(flags, "innerxml"), strings.Contains(flags, "any"):
			return nil, true
		case strings.Contains(flags, "attr"), strings.Contains(flags, "chardata"), strings.Contains(flags, "comment"):
			continue
		}
		// Drop the namespace part of "ns name".
		if j := strings.LastIndexByte(name, ' '); j >= 0 {
			name = name[j+1:]
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = f.Type
	}

	return fields, false
}

// ResponseWriter is a buffered response writer.
type ResponseWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	encode bool // Need encoding by the codec?
	result Status
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
	}
}

func (r *ResponseWriter) WriteHeader(status int) {
	r.status = status
}

func (r *ResponseWriter) Write(v []byte) (int, error) {
	// Buffer.Write's error is always nil.
	return r.buf.Write(v)
}

// Status returns the HTTP status code that will be sent by Flush.
func (r *ResponseWriter) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// SetResult records the protocol status of the command for logging and
// metrics.
func (r *ResponseWriter) SetResult(s Status) {
	r.result = s
}

func (r *ResponseWriter) Result() Status {
	return r.result
}

func (r *ResponseWriter) Clear() {
	r.status = 0
	r.encode = false
	r.buf.Reset()
}

// WriteDocument marshals v as the response document.
func (r *ResponseWriter) WriteDocument(v interface{}) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	r.Clear()
	r.encode = true
	r.buf.WriteString(xml.Header)
	r.buf.Write(data)

	return nil
}

func (r *ResponseWriter) Flush() error {
	if r.buf.Len() == 0 {
		r.ResponseWriter.WriteHeader(r.Status())
		return nil
	}

	body := r.buf.Bytes()
	if r.encode {
		c := currentCodec()
		encoded, err := c.Encode(r.buf.String())
		if err != nil {
			return err
		}
		body = encoded
		r.ResponseWriter.Header().Set("Content-Type", c.ContentType())
	}
	r.ResponseWriter.WriteHeader(r.Status())
	_, err := r.ResponseWriter.Write(body)

	return err
}
