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

package imap

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"
	"github.com/emersion/go-sasl"
	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap/wire"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
)

func (c *Conn) timed(step resilience.Step, fn func() error) error {
	start := time.Now()
	err := fn()
	c.cfg.observe(step, time.Since(start), err)
	return err
}

func encodeMailbox(name string) string {
	enc, err := utf7.Encoding.NewEncoder().String(name)
	if err != nil {
		enc = name
	}
	return wire.Quote(enc)
}

func decodeMailbox(name string) string {
	dec, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return dec
}

// Capability refreshes the capability list.
func (c *Conn) Capability() ([]string, error) {
	if _, err := c.Execute("CAPABILITY"); err != nil {
		return nil, err
	}
	return c.Capabilities(), nil
}

// StartTLS upgrades the connection in place. The tagged OK must be the
// last thing the server sent before the handshake.
func (c *Conn) StartTLS() error {
	if c.session.IsTLS() {
		return mailerr.Errorf(mailerr.KindProtocol, "STARTTLS", "connection already uses tls")
	}

	if _, err := c.Execute("STARTTLS"); err != nil {
		return err
	}

	if err := c.session.UpgradeToTLS(); err != nil {
		c.markLoggedOut()
		return err
	}

	c.mu.Lock()
	c.caps = nil
	c.mu.Unlock()

	_, err := c.Capability()
	return err
}

func (c *Conn) Login(username string, password string) error {
	return c.timed(resilience.StepLogin, func() error {
		cmd := fmt.Sprintf("LOGIN %v %v", wire.Quote(username), wire.Quote(password))
		display := fmt.Sprintf("LOGIN %v ***", wire.Quote(username))
		if _, err := c.execute(cmd, display, nil); err != nil {
			return asAuthError("LOGIN", err)
		}

		c.log.WithField("username", username).Trace("imap_logged_in")
		return c.refreshCapabilities()
	})
}

// Authenticate runs a SASL exchange. The initial response is sent inline
// when the server supports SASL-IR.
func (c *Conn) Authenticate(client sasl.Client) error {
	return c.timed(resilience.StepLogin, func() error {
		mech, ir, err := client.Start()
		if err != nil {
			return mailerr.New(mailerr.KindAuth, "AUTHENTICATE", err)
		}

		cmd := "AUTHENTICATE " + mech
		pendingIR := ir != nil
		if pendingIR && c.Support("SASL-IR") {
			if len(ir) == 0 {
				cmd += " ="
			} else {
				cmd += " " + base64.StdEncoding.EncodeToString(ir)
			}
			pendingIR = false
		}

		var saslErr error
		cont := func(text string) ([]byte, error) {
			if pendingIR {
				pendingIR = false
				return []byte(base64.StdEncoding.EncodeToString(ir) + "\r\n"), nil
			}

			challenge, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				saslErr = err
				return []byte("*\r\n"), nil
			}

			resp, err := client.Next(challenge)
			if err != nil {
				saslErr = err
				return []byte("*\r\n"), nil
			}
			return []byte(base64.StdEncoding.EncodeToString(resp) + "\r\n"), nil
		}

		if _, err := c.execute(cmd, "AUTHENTICATE "+mech+" ***", cont); err != nil {
			if saslErr != nil {
				err = fmt.Errorf("%w (%v)", err, saslErr)
			}
			return asAuthError("AUTHENTICATE", err)
		}

		c.log.WithField("mechanism", mech).Trace("imap_authenticated")
		return c.refreshCapabilities()
	})
}

func asAuthError(op string, err error) error {
	switch mailerr.KindOf(err) {
	case mailerr.KindProtocol, mailerr.KindUnknown:
	default:
		return err
	}
	return &mailerr.Error{Kind: mailerr.KindAuth, Op: op, Err: err}
}

func (c *Conn) refreshCapabilities() error {
	_, err := c.Capability()
	return err
}

// List returns every mailbox. With specialUse set and the server
// advertising SPECIAL-USE, only special-use mailboxes are returned.
func (c *Conn) List(specialUse bool) ([]Mailbox, error) {
	var mailboxes []Mailbox
	err := c.timed(resilience.StepList, func() error {
		cmd := `LIST "" "*"`
		if specialUse && c.Support("SPECIAL-USE") {
			cmd = `LIST (SPECIAL-USE) "" "*"`
		}

		resp, err := c.Execute(cmd)
		if err != nil {
			return err
		}

		for _, line := range resp.Untagged {
			mbox, ok, err := parseListLine(line)
			if err != nil {
				return err
			}

			if ok {
				mailboxes = append(mailboxes, *mbox)
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return mailboxes, nil
}

func parseListLine(line string) (*Mailbox, bool, error) {
	if !strings.HasPrefix(strings.ToUpper(line), "* LIST ") {
		return nil, false, nil
	}

	toks, err := wire.Parse(line)
	if err != nil {
		return nil, false, mailerr.New(mailerr.KindParse, "LIST", err)
	}

	if len(toks) < 5 || toks[2].Kind != wire.TokenList {
		return nil, false, mailerr.Errorf(mailerr.KindParse, "LIST", "malformed LIST response: %q", line)
	}

	delim, _ := toks[3].Text()
	name, _ := toks[4].Text()

	return &Mailbox{
		Name:       decodeMailbox(name),
		Delimiter:  delim,
		Attributes: tokenFlags(toks[2]),
	}, true, nil
}

// Select opens a mailbox, read-only via EXAMINE when requested.
func (c *Conn) Select(name string, readOnly bool) (*MailboxStatus, error) {
	var status *MailboxStatus
	err := c.timed(resilience.StepSelect, func() error {
		c.mu.Lock()
		c.mailbox = &MailboxStatus{Name: name, ReadOnly: readOnly}
		c.mu.Unlock()

		verb := "SELECT"
		if readOnly {
			verb = "EXAMINE"
		}

		if _, err := c.Execute(verb + " " + encodeMailbox(name)); err != nil {
			c.mu.Lock()
			c.mailbox = nil
			c.mu.Unlock()
			return err
		}

		status = c.Mailbox()
		return nil
	})

	if err != nil {
		return nil, err
	}

	c.log.WithFields(log.Fields{
		"mailbox":      status.Name,
		"exists":       status.Exists,
		"uid_validity": status.UIDValidity,
		"uid_next":     status.UIDNext,
	}).Trace("imap_selected")
	return status, nil
}

// Search runs UID SEARCH and returns the matching UIDs.
func (c *Conn) Search(query string) ([]uint32, error) {
	var uids []uint32
	err := c.timed(resilience.StepSearch, func() error {
		resp, err := c.Execute("UID SEARCH " + query)
		if err != nil {
			return err
		}

		for _, line := range resp.Untagged {
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "SEARCH") {
				continue
			}

			for _, f := range fields[2:] {
				n, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					return mailerr.New(mailerr.KindParse, "UID SEARCH", err)
				}
				uids = append(uids, uint32(n))
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return uids, nil
}

// fetch runs a UID FETCH and parses every FETCH line in the response.
func (c *Conn) fetch(uids string, items string) ([]*fetchResult, error) {
	var resp *Response
	err := c.timed(resilience.StepFetch, func() error {
		var err error
		resp, err = c.Execute(fmt.Sprintf("UID FETCH %v %v", uids, items))
		return err
	})
	if err != nil {
		return nil, err
	}

	var results []*fetchResult
	err = c.timed(resilience.StepParse, func() error {
		for _, line := range resp.Untagged {
			r, ok, err := parseFetchLine(line)
			if err != nil {
				return err
			}

			if ok {
				results = append(results, r)
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Conn) FetchEnvelopes(uids *SeqSet) ([]Envelope, error) {
	results, err := c.fetch(uids.String(), "(ENVELOPE INTERNALDATE FLAGS)")
	if err != nil {
		return nil, err
	}

	envelopes := make([]Envelope, 0, len(results))
	for _, r := range results {
		if r.UID == 0 {
			continue
		}

		env, err := r.envelope()
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, *env)
	}
	return envelopes, nil
}

func (c *Conn) FetchFlags(uids *SeqSet) (map[uint32][]string, error) {
	results, err := c.fetch(uids.String(), "(FLAGS)")
	if err != nil {
		return nil, err
	}

	flags := make(map[uint32][]string, len(results))
	for _, r := range results {
		if r.UID == 0 {
			continue
		}

		if tok, ok := r.Items["FLAGS"]; ok {
			flags[r.UID] = tokenFlags(tok)
		}
	}
	return flags, nil
}

func (c *Conn) FetchBodyStructure(uid uint32) (BodyStructure, error) {
	results, err := c.fetch(strconv.FormatUint(uint64(uid), 10), "(BODYSTRUCTURE)")
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if r.UID != uid {
			continue
		}

		tok, ok := r.Items["BODYSTRUCTURE"]
		if !ok {
			break
		}
		return ParseBodyStructure(tok)
	}
	return nil, mailerr.Errorf(mailerr.KindProtocol, "UID FETCH", "no BODYSTRUCTURE returned for uid %v", uid)
}

// FetchSections fetches several body sections of one message in a single
// command. The result is keyed by section spec.
func (c *Conn) FetchSections(uid uint32, sections []string) (map[string][]byte, error) {
	if len(sections) == 0 {
		return map[string][]byte{}, nil
	}

	items := make([]string, len(sections))
	for i, s := range sections {
		items[i] = "BODY.PEEK[" + s + "]"
	}

	results, err := c.fetch(strconv.FormatUint(uint64(uid), 10), "("+strings.Join(items, " ")+")")
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(sections))
	for _, r := range results {
		if r.UID != uid {
			continue
		}

		for _, s := range sections {
			if data, ok := r.section(s, -1); ok {
				out[s] = data
			}
		}
	}

	for _, s := range sections {
		if _, ok := out[s]; !ok {
			return nil, mailerr.Errorf(mailerr.KindProtocol, "UID FETCH", "section %v of uid %v not returned", s, uid)
		}
	}
	return out, nil
}

// FetchPartial fetches length bytes of a section starting at offset.
// The result is shorter than length at the end of the section.
func (c *Conn) FetchPartial(uid uint32, section string, offset uint32, length uint32) ([]byte, error) {
	item := fmt.Sprintf("(BODY.PEEK[%v]<%v.%v>)", section, offset, length)
	results, err := c.fetch(strconv.FormatUint(uint64(uid), 10), item)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if r.UID != uid {
			continue
		}

		if data, ok := r.section(section, int64(offset)); ok {
			return data, nil
		}
	}
	return nil, mailerr.Errorf(mailerr.KindProtocol, "UID FETCH", "partial %v<%v> of uid %v not returned", section, offset, uid)
}

// Store changes flags silently.
func (c *Conn) Store(uids *SeqSet, op FlagsOp, flags []string) error {
	return c.timed(resilience.StepStore, func() error {
		item := imap.FormatFlagsOp(op, true)
		_, err := c.Execute(fmt.Sprintf("UID STORE %v %v (%v)", uids.String(), item, strings.Join(flags, " ")))
		return err
	})
}

func (c *Conn) Expunge() error {
	return c.timed(resilience.StepStore, func() error {
		_, err := c.Execute("EXPUNGE")
		return err
	})
}

// Append uploads msg to mbox using a synchronizing literal.
func (c *Conn) Append(mbox string, flags []string, date time.Time, msg []byte) error {
	return c.timed(resilience.StepStore, func() error {
		var b strings.Builder
		b.WriteString("APPEND ")
		b.WriteString(encodeMailbox(mbox))
		if len(flags) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(flags, " "))
			b.WriteString(")")
		}

		if !date.IsZero() {
			b.WriteString(" ")
			b.WriteString(wire.Quote(date.Format(imap.DateTimeLayout)))
		}

		fmt.Fprintf(&b, " {%v}", len(msg))

		sent := false
		cont := func(string) ([]byte, error) {
			if sent {
				return nil, mailerr.Errorf(mailerr.KindProtocol, "APPEND", "unexpected second continuation")
			}
			sent = true

			data := make([]byte, 0, len(msg)+2)
			data = append(data, msg...)
			return append(data, '\r', '\n'), nil
		}

		_, err := c.execute(b.String(), b.String(), cont)
		return err
	})
}

func (c *Conn) Noop() error {
	_, err := c.Execute("NOOP")
	return err
}

// Idle issues IDLE and blocks until stop is closed, the server ends the
// command, or a read fails. Mailbox changes are sent to the configured
// update channel while idling.
func (c *Conn) Idle(stop <-chan struct{}) error {
	select {
	case <-c.loggedOut:
		return mailerr.New(mailerr.KindIO, "IDLE", errLoggedOut)
	default:
	}

	if err := c.session.Begin(); err != nil {
		return err
	}
	defer c.session.End()

	tag := c.nextTag()
	if err := c.session.SendLine(tag + " IDLE"); err != nil {
		c.markLoggedOut()
		return err
	}

	var lines []string
	for {
		line, err := c.readLine(0)
		if err != nil {
			c.markLoggedOut()
			return err
		}

		if strings.HasPrefix(line, "+") {
			break
		}

		if strings.HasPrefix(line, tag+" ") {
			_, err := c.finish(tag, "IDLE", append(lines, line))
			return err
		}

		c.absorbLine(line, stop)
	}

	c.log.Trace("imap_idle_started")

	var state int32
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-stop:
			if atomic.CompareAndSwapInt32(&state, 0, 1) {
				c.log.Trace("imap_idle_done")
				_ = c.session.SendLine("DONE")
			}
		case <-done:
		}
	}()

	for {
		line, err := c.readLine(c.cfg.IdleTimeout)
		if err != nil {
			c.markLoggedOut()
			return err
		}

		if strings.HasPrefix(line, tag+" ") {
			atomic.CompareAndSwapInt32(&state, 0, 2)
			_, err := c.finish(tag, "IDLE", []string{line})
			return err
		}

		c.absorbLine(line, stop)
	}
}

func (c *Conn) Logout() error {
	select {
	case <-c.loggedOut:
		return nil
	default:
	}

	_, err := c.Execute("LOGOUT")
	c.markLoggedOut()
	return err
}
