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

package eas14

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	"github.com/superkkt/omega-eas/logger"
)

const maxRecipients = 100

var bccHeader = regexp.MustCompile(`(?im)^BCC:.*(\r?\n[ \t].*)*\r?\n`)

type SendMailReq struct {
	XMLName         xml.Name `xml:"SendMail"`
	ClientId        string
	SaveInSentItems *struct{}
	Mime            string
}

func (r *SendMailReq) CheckSchema() error {
	if r.ClientId == "" {
		return errors.New("missing ClientId")
	}
	if strings.TrimSpace(r.Mime) == "" {
		return errors.New("missing Mime")
	}
	return nil
}

// message is a parsed outgoing message.
type message struct {
	envelope *enmime.Envelope
	rcpts    []string
	// norm is the message to submit, without the Bcc header.
	norm []byte
}

func parseMessage(data []byte) (*message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return nil, activesync.NewFault(activesync.StatusInvalidContent, fmt.Errorf("failed to parse MIME: %w", err))
	}

	to, err := addressList(env, "To")
	if err != nil {
		return nil, err
	}
	if err := activesync.RangeExceeded("To", len(to), maxRecipients); err != nil {
		return nil, err
	}
	rcpts := to
	for _, h := range []string{"Cc", "Bcc"} {
		v, err := addressList(env, h)
		if err != nil {
			return nil, err
		}
		rcpts = append(rcpts, v...)
	}
	if len(rcpts) == 0 {
		return nil, activesync.NewFault(activesync.StatusMessageHasNoRecipient, errors.New("no recipient address"))
	}

	return &message{
		envelope: env,
		rcpts:    rcpts,
		norm:     bccHeader.ReplaceAll(data, nil),
	}, nil
}

func addressList(env *enmime.Envelope, header string) ([]string, error) {
	// Recipient headers are optional.
	if env.GetHeader(header) == "" {
		return nil, nil
	}
	list, err := env.AddressList(header)
	if err != nil {
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			return nil, nil
		}
		return nil, activesync.NewFault(activesync.StatusInvalidContent, fmt.Errorf("invalid %v header: %w", header, err))
	}
	addrs := make([]string, len(list))
	for i, v := range list {
		addrs[i] = v.Address
	}

	return addrs, nil
}

func (r *handler) handleSendMail() error {
	reqBody := new(SendMailReq)
	if err := r.req.Decode(reqBody); err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("SendMail request: ClientId=%v, SaveInSentItems=%v, size=%v", reqBody.ClientId, reqBody.SaveInSentItems != nil, len(reqBody.Mime)))

	msg, err := parseMessage([]byte(reqBody.Mime))
	if err != nil {
		return err
	}

	// Keep the device locked until the client ID is recorded to reject a
	// concurrent resend of the same message.
	unlock := r.session.Lock(activesync.ScopeDevice)
	defer unlock()

	ctx := r.req.Context()
	device, err := r.param.Storage.GetDevice(ctx, r.req.UserID(), r.req.DeviceID)
	if err != nil {
		return err
	}
	if device.HasClientID(reqBody.ClientId) {
		logger.Info(fmt.Sprintf("Message is already sent: UserID=%v, DeviceID=%v, ClientId=%v", r.req.UserID(), r.req.DeviceID, reqBody.ClientId))
		return activesync.WriteStatus(r.resp, activesync.CmdSendMail, activesync.StatusMessagePreviouslySent)
	}

	logger.Debug("Sending an outgoing email..")
	if err := r.param.Mailer.Send(r.req.UserID(), msg.rcpts, msg.norm); err != nil {
		logger.Error(fmt.Sprintf("Failed to send an email: UserID=%v, DeviceID=%v: %v", r.req.UserID(), r.req.DeviceID, err))
		return activesync.WriteStatus(r.resp, activesync.CmdSendMail, activesync.StatusServerError)
	}
	device.RememberClientID(reqBody.ClientId)
	if err := r.param.Storage.PutDevice(ctx, device); err != nil {
		return err
	}

	if reqBody.SaveInSentItems != nil {
		item, err := r.saveSentItem(msg)
		if err != nil {
			return err
		}
		logger.Debug(fmt.Sprintf("Stored a new sent email: ID=%v", item.ID))
	}

	// A successful SendMail has an empty response body.
	r.resp.SetResult(activesync.StatusSuccess)

	return nil
}

func (r *handler) saveSentItem(msg *message) (backend.Item, error) {
	sent, err := r.findFolderByType(backend.DefaultSent)
	if err != nil {
		return backend.Item{}, err
	}
	if sent == nil {
		return backend.Item{}, errors.New("not found a sent item folder")
	}

	return r.mailbox.AddItem(r.req.Context(), sent.ID, sent.Type.Class(), sentItemData(msg))
}

// sentItemData renders the ApplicationData of a sent message.
func sentItemData(msg *message) []byte {
	var b bytes.Buffer
	field := func(name, value string) {
		b.WriteString("<" + name + ">")
		xml.EscapeText(&b, []byte(value))
		b.WriteString("</" + name + ">")
	}
	env := msg.envelope
	field("To", env.GetHeader("To"))
	field("Cc", env.GetHeader("Cc"))
	field("From", env.GetHeader("From"))
	field("Subject", env.GetHeader("Subject"))
	field("DateReceived", env.GetHeader("Date"))
	field("Read", "1")
	field("Body", env.Text)

	return b.Bytes()
}
