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

package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

const (
	timeout = 30 * time.Second
)

type Config struct {
	Host     string
	Port     uint16
	Username string // Empty disables authentication.
	Password string
	// StartTLS upgrades the connection when the relay supports it.
	StartTLS bool
}

// Sendmail submits messages to an SMTP relay.
type Sendmail struct {
	config Config
}

func New(conf Config) *Sendmail {
	return &Sendmail{
		config: conf,
	}
}

func validateEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// Reject display names and anything else that is not a bare address.
	return addr.Address == email
}

func (r *Sendmail) Send(from string, to []string, msg []byte) error {
	if !validateEmail(from) {
		return fmt.Errorf("invalid from address: %v", from)
	}
	if len(to) == 0 {
		return errors.New("empty recipient address")
	}
	for _, v := range to {
		if !validateEmail(v) {
			return fmt.Errorf("invalid to address: %v", v)
		}
	}
	if len(msg) == 0 {
		return errors.New("empty msg body")
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", net.JoinHostPort(r.config.Host, strconv.Itoa(int(r.config.Port))))
	if err != nil {
		return err
	}
	conn.SetDeadline(time.Now().Add(timeout))

	c, err := smtp.NewClient(conn, r.config.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if r.config.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: r.config.Host}); err != nil {
				return fmt.Errorf("STARTTLS: %w", err)
			}
		}
	}
	if r.config.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("SMTP relay does not support authentication")
		}
		auth := smtp.PlainAuth("", r.config.Username, r.config.Password, r.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication: %w", err)
		}
	}

	// Set the sender address
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		// Set the recipient address
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	// Set the email body.
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = wc.Write(msg); err != nil {
		return err
	}
	if err = wc.Close(); err != nil {
		return err
	}

	// Send the QUIT command and close the connection.
	return c.Quit()
}
