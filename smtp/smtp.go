/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package smtp delivers messages over SMTP. Each send runs the whole
// transaction on a fresh connection; any unexpected reply aborts it.
package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

var (
	errNoRecipients  = errors.New("no recipients")
	errNoStartTLS    = errors.New("server does not offer STARTTLS")
	errAuthMechanism = errors.New("server does not offer the auth mechanism")
	errLineBreak     = errors.New("command argument contains a line break")
)

const DefaultLocalName = "localhost"

type Config struct {
	Account        string
	Host           string
	Port           int
	TLSMode        transport.TLSMode
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// LocalName is sent with EHLO/HELO.
	LocalName  string
	Auth       Authenticator
	Debug      bool
	Logger     *log.Entry
	Resilience *resilience.Service
	Dialer     transport.Dialer
}

func (cfg *Config) key() resilience.Key {
	return resilience.Key{Account: cfg.Account, Host: cfg.Host}
}

// Message is one delivery: the envelope sender and recipients and the
// raw RFC 5322 data.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Client is one SMTP session. It is not safe for concurrent use.
type Client struct {
	cfg        Config
	session    *transport.Session
	log        *log.Entry
	extensions map[string]string
}

// Dial connects and reads the 220 greeting.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	ourCfg := *cfg
	if ourCfg.Logger == nil {
		ourCfg.Logger = log.NewEntry(log.StandardLogger())
	}

	logger := ourCfg.Logger.WithField("component", "smtp")
	s, err := transport.Open(ctx, &transport.Config{
		Host:           ourCfg.Host,
		Port:           ourCfg.Port,
		TLSMode:        ourCfg.TLSMode,
		TLSConfig:      ourCfg.TLSConfig,
		ConnectTimeout: ourCfg.ConnectTimeout,
		CommandTimeout: ourCfg.CommandTimeout,
		Debug:          ourCfg.Debug,
		Logger:         logger,
		Dialer:         ourCfg.Dialer,
	})
	if err != nil {
		return nil, err
	}

	c := newClient(s, &ourCfg, logger)
	if err := c.greet(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps a session whose greeting has not been read yet.
func NewClient(s *transport.Session, cfg *Config) (*Client, error) {
	ourCfg := *cfg
	if ourCfg.Logger == nil {
		ourCfg.Logger = log.NewEntry(log.StandardLogger())
	}

	c := newClient(s, &ourCfg, ourCfg.Logger.WithField("component", "smtp"))
	if err := c.greet(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return c, nil
}

func newClient(s *transport.Session, cfg *Config, logger *log.Entry) *Client {
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}

	return &Client{
		cfg:     *cfg,
		session: s,
		log:     logger,
	}
}

func (c *Client) greet() error {
	r, err := readReply(c.session)
	if err != nil {
		return err
	}

	c.log.WithField("code", r.Code).Trace("smtp_greeting")
	return expect("greeting", r, 220)
}

// validateLine refuses text that would end the command line early and
// smuggle in further commands.
func validateLine(op string, s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return mailerr.New(mailerr.KindProtocol, op, fmt.Errorf("%w: %q", errLineBreak, s))
	}
	return nil
}

func (m *Message) validate(localName string) error {
	if err := validateLine("EHLO", localName); err != nil {
		return err
	}

	if err := validateLine("MAIL FROM", m.From); err != nil {
		return err
	}

	for _, to := range m.To {
		if err := validateLine("RCPT TO", to); err != nil {
			return err
		}
	}
	return nil
}

// cmd sends a line and reads the reply.
func (c *Client) cmd(line string) (*Reply, error) {
	return c.cmdRedacted(line, line)
}

func (c *Client) cmdRedacted(line string, display string) (*Reply, error) {
	if err := validateLine("command", line); err != nil {
		return nil, err
	}

	if err := c.session.Begin(); err != nil {
		return nil, err
	}
	defer c.session.End()

	if err := c.session.SendRedacted(line, display); err != nil {
		return nil, err
	}

	r, err := readReply(c.session)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(log.Fields{
		"command": display,
		"code":    r.Code,
	}).Trace("smtp_reply")
	return r, nil
}

// Hello sends EHLO, falling back to HELO when EHLO is refused.
func (c *Client) Hello() error {
	r, err := c.cmd("EHLO " + c.cfg.LocalName)
	if err != nil {
		return err
	}

	if r.Code == 250 {
		c.extensions = parseExtensions(r.Lines)
		return nil
	}

	r, err = c.cmd("HELO " + c.cfg.LocalName)
	if err != nil {
		return err
	}

	c.extensions = map[string]string{}
	return expect("HELO", r, 250)
}

func parseExtensions(lines []string) map[string]string {
	ext := map[string]string{}
	// The first line is the greeting.
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(line, " ")
		ext[strings.ToUpper(name)] = params
	}
	return ext
}

// Extension reports whether the server advertised name, with its parameters.
func (c *Client) Extension(name string) (bool, string) {
	params, ok := c.extensions[strings.ToUpper(name)]
	return ok, params
}

// StartTLS upgrades the session and repeats EHLO.
func (c *Client) StartTLS() error {
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return mailerr.New(mailerr.KindProtocol, "STARTTLS", errNoStartTLS)
	}

	r, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}

	if err := expect("STARTTLS", r, 220); err != nil {
		return err
	}

	if err := c.session.UpgradeToTLS(); err != nil {
		return err
	}

	return c.Hello()
}

// Auth runs an AUTH exchange. The initial response goes inline except
// for LOGIN, whose username is sent after the first 334.
func (c *Client) Auth(a Authenticator) error {
	client, err := a.Client()
	if err != nil {
		return err
	}

	mech, ir, err := client.Start()
	if err != nil {
		return mailerr.New(mailerr.KindAuth, "AUTH", err)
	}

	if ok, mechs := c.Extension("AUTH"); ok {
		found := false
		for _, m := range strings.Fields(mechs) {
			if strings.EqualFold(m, mech) {
				found = true
				break
			}
		}

		if !found {
			return mailerr.New(mailerr.KindAuth, "AUTH", fmt.Errorf("%w: %v", errAuthMechanism, mech))
		}
	}

	line := "AUTH " + mech
	pendingIR := ir
	if ir != nil && mech != "LOGIN" {
		enc := base64.StdEncoding.EncodeToString(ir)
		if enc == "" {
			enc = "="
		}
		line += " " + enc
		pendingIR = nil
	}

	r, err := c.cmdRedacted(line, "AUTH "+mech+" ***")
	for err == nil && r.Code == 334 {
		var resp []byte
		if pendingIR != nil {
			resp, pendingIR = pendingIR, nil
		} else {
			challenge, derr := base64.StdEncoding.DecodeString(strings.Join(r.Lines, ""))
			if derr != nil {
				_, _ = c.cmd("*")
				return mailerr.New(mailerr.KindProtocol, "AUTH", derr)
			}

			if resp, err = client.Next(challenge); err != nil {
				_, _ = c.cmd("*")
				return mailerr.New(mailerr.KindAuth, "AUTH", err)
			}
		}

		r, err = c.cmdRedacted(base64.StdEncoding.EncodeToString(resp), "***")
	}

	if err != nil {
		return err
	}

	switch r.Code {
	case 235:
		c.log.WithField("mechanism", mech).Trace("smtp_authenticated")
		return nil
	case 535:
		return mailerr.New(mailerr.KindAuth, "AUTH", &ReplyError{Command: "AUTH", Code: r.Code, Message: r.Message()})
	default:
		return expect("AUTH", r, 235)
	}
}

func (c *Client) Mail(from string) error {
	r, err := c.cmd("MAIL FROM:<" + from + ">")
	if err != nil {
		return err
	}
	return expect("MAIL FROM", r, 250)
}

func (c *Client) Rcpt(to string) error {
	r, err := c.cmd("RCPT TO:<" + to + ">")
	if err != nil {
		return err
	}
	return expect("RCPT TO", r, 250, 251)
}

// Data sends the message body, dot-stuffed and terminated.
func (c *Client) Data(data []byte) error {
	r, err := c.cmd("DATA")
	if err != nil {
		return err
	}

	if err := expect("DATA", r, 354); err != nil {
		return err
	}

	if err := c.session.Begin(); err != nil {
		return err
	}
	defer c.session.End()

	body := DotStuff(toCRLF(data))
	if err := c.session.Write(append(body, ".\r\n"...)); err != nil {
		return err
	}

	c.log.WithField("size", len(body)).Trace("smtp_data_sent")

	r, err = readReply(c.session)
	if err != nil {
		return err
	}
	return expect("DATA", r, 250)
}

func (c *Client) Quit() error {
	defer c.session.Close()

	r, err := c.cmd("QUIT")
	if err != nil {
		return err
	}
	return expect("QUIT", r, 221, 250)
}

func (c *Client) Close() error {
	return c.session.Close()
}

// Deliver runs EHLO, STARTTLS and AUTH as configured, then one mail
// transaction and QUIT. The message counts as delivered once the server
// accepts the data; a failing QUIT is only logged.
func (c *Client) Deliver(msg *Message) error {
	defer c.session.Close()

	if len(msg.To) == 0 {
		return mailerr.New(mailerr.KindProtocol, "send", errNoRecipients)
	}

	err := c.observe(resilience.StepConnect, func() error {
		if err := c.Hello(); err != nil {
			return err
		}

		if c.cfg.TLSMode == transport.TLSStartTLS {
			return c.StartTLS()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.cfg.Auth != nil {
		if err := c.observe(resilience.StepLogin, func() error { return c.Auth(c.cfg.Auth) }); err != nil {
			return err
		}
	}

	err = c.observe(resilience.StepSend, func() error {
		if err := c.Mail(msg.From); err != nil {
			return err
		}

		for _, rcpt := range msg.To {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}

		return c.Data(msg.Data)
	})
	if err != nil {
		return err
	}

	if err := c.Quit(); err != nil {
		c.log.WithError(err).Warn("smtp_quit_failed")
	}

	c.log.WithFields(log.Fields{
		"from":       msg.From,
		"recipients": len(msg.To),
	}).Debug("smtp_delivered")
	return nil
}

func (c *Client) observe(step resilience.Step, fn func() error) error {
	start := time.Now()
	err := fn()
	if c.cfg.Resilience != nil {
		c.cfg.Resilience.Observe(c.cfg.key(), step, time.Since(start), err)
	}
	return err
}

// Send delivers msg on a new connection. While the circuit for the
// server is open it fails immediately with KindUnavailable.
func Send(ctx context.Context, cfg *Config, msg *Message) error {
	if err := msg.validate(cfg.LocalName); err != nil {
		return err
	}

	if cfg.Resilience != nil {
		if err := cfg.Resilience.Allow(cfg.key()); err != nil {
			return err
		}
	}

	start := time.Now()
	c, err := Dial(ctx, cfg)
	if cfg.Resilience != nil && err != nil {
		cfg.Resilience.Observe(cfg.key(), resilience.StepConnect, time.Since(start), err)
	}

	if err != nil {
		return err
	}

	return c.Deliver(msg)
}
