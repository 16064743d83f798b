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
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap/wire"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

const DefaultIdleTimeout = 29 * time.Minute

var (
	errLoggedOut       = errors.New("connection logged out")
	errBye             = errors.New("server closed the connection")
	errUnexpectedGreet = errors.New("unexpected greeting")
)

var trailingLiteral = regexp.MustCompile(`\{([0-9]+)\+?\}$`)

// StatusError is a tagged NO or BAD reply.
type StatusError struct {
	Command string
	Status  string
	Code    string
	Text    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: %v [%v] %v", e.Command, e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("%v: %v %v", e.Command, e.Status, e.Text)
}

// Response is the outcome of one tagged command.
type Response struct {
	Tag    string
	Status string
	Code   string
	Text   string
	// Untagged holds the logical untagged lines, literals inlined and
	// markers stripped.
	Untagged []string
}

// Conn is a single IMAP connection. Commands are strictly sequential.
type Conn struct {
	cfg     ClientConfig
	session *transport.Session
	log     *log.Entry

	mu        sync.Mutex
	tagNum    uint64
	caps      []string
	mailbox   *MailboxStatus
	loggedOut chan struct{}
	closeOnce sync.Once
}

// Dial opens a connection, reads the greeting and, for STARTTLS, upgrades
// the session before returning. The connection is not authenticated.
func Dial(ctx context.Context, cfg *ClientConfig) (*Conn, error) {
	ourCfg := *cfg
	if ourCfg.Logger == nil {
		ourCfg.Logger = log.NewEntry(log.StandardLogger())
	}

	if ourCfg.IdleTimeout <= 0 {
		ourCfg.IdleTimeout = DefaultIdleTimeout
	}

	logger := ourCfg.Logger.WithField("component", "imap")

	start := time.Now()
	tcfg := ourCfg.transportConfig()
	tcfg.Logger = logger
	s, err := transport.Open(ctx, tcfg)
	if err != nil {
		ourCfg.observe(resilience.StepConnect, time.Since(start), err)
		return nil, err
	}

	c := newConn(s, &ourCfg, logger)
	if err := c.greet(); err != nil {
		_ = c.close()
		ourCfg.observe(resilience.StepConnect, time.Since(start), err)
		return nil, err
	}

	if ourCfg.TLSMode == transport.TLSStartTLS {
		if err := c.StartTLS(); err != nil {
			_ = c.close()
			ourCfg.observe(resilience.StepConnect, time.Since(start), err)
			return nil, err
		}
	}

	ourCfg.observe(resilience.StepConnect, time.Since(start), nil)
	return c, nil
}

// NewConn wraps an open session whose greeting has not been read yet.
func NewConn(s *transport.Session, cfg *ClientConfig) (*Conn, error) {
	ourCfg := *cfg
	if ourCfg.Logger == nil {
		ourCfg.Logger = log.NewEntry(log.StandardLogger())
	}

	if ourCfg.IdleTimeout <= 0 {
		ourCfg.IdleTimeout = DefaultIdleTimeout
	}

	c := newConn(s, &ourCfg, ourCfg.Logger.WithField("component", "imap"))
	if err := c.greet(); err != nil {
		_ = c.close()
		return nil, err
	}
	return c, nil
}

func newConn(s *transport.Session, cfg *ClientConfig, logger *log.Entry) *Conn {
	return &Conn{
		cfg:       *cfg,
		session:   s,
		log:       logger,
		loggedOut: make(chan struct{}),
	}
}

func (cfg *ClientConfig) observe(step resilience.Step, took time.Duration, err error) {
	if cfg.Observer != nil {
		cfg.Observer(step, took, err)
	}
}

func (c *Conn) greet() error {
	line, err := c.session.ReadLine()
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(line, "* OK"), strings.HasPrefix(line, "* PREAUTH"):
		c.log.WithField("greeting", line).Trace("imap_greeting")
		if code, _ := splitCode(strings.TrimPrefix(strings.TrimPrefix(line, "* OK"), "* PREAUTH")); code != "" {
			c.absorbCode(code)
		}
		return nil
	case strings.HasPrefix(line, "* BYE"):
		return mailerr.New(mailerr.KindUnavailable, "greeting", fmt.Errorf("%w: %v", errBye, line))
	default:
		return mailerr.New(mailerr.KindProtocol, "greeting", fmt.Errorf("%w: %q", errUnexpectedGreet, line))
	}
}

func (c *Conn) nextTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagNum++
	return "A" + strconv.FormatUint(c.tagNum, 10)
}

// continuationFunc handles a "+" continuation request. It returns the
// data to send back, which is written raw.
type continuationFunc func(text string) ([]byte, error)

// Execute sends a command and collects its response. NO and BAD replies
// are returned as a *StatusError wrapped in a protocol error.
func (c *Conn) Execute(cmd string) (*Response, error) {
	return c.execute(cmd, cmd, nil)
}

func (c *Conn) execute(cmd string, display string, cont continuationFunc) (*Response, error) {
	select {
	case <-c.loggedOut:
		return nil, mailerr.New(mailerr.KindIO, commandName(cmd), errLoggedOut)
	default:
	}

	if err := c.session.Begin(); err != nil {
		return nil, err
	}
	defer c.session.End()

	tag := c.nextTag()
	if err := c.session.SendRedacted(tag+" "+cmd, tag+" "+display); err != nil {
		c.markLoggedOut()
		return nil, err
	}

	lines, err := c.readUntilTagged(tag, cont, 0)
	if err != nil {
		c.markLoggedOut()
		return nil, err
	}

	return c.finish(tag, cmd, lines)
}

func (c *Conn) finish(tag string, cmd string, lines []string) (*Response, error) {
	logical := wire.Reconstruct(tag, lines)
	resp := &Response{Tag: tag}

	last := logical[len(logical)-1]
	status, rest := splitStatus(strings.TrimPrefix(last, tag+" "))
	resp.Status = status
	resp.Code, resp.Text = splitCode(rest)
	resp.Untagged = logical[:len(logical)-1]

	c.absorbUntagged(resp.Untagged)
	if resp.Code != "" {
		c.absorbCode(resp.Code)
	}

	if status != "OK" {
		serr := &StatusError{Command: commandName(cmd), Status: status, Code: resp.Code, Text: resp.Text}
		c.log.WithError(serr).Debug("imap_command_failed")
		return resp, mailerr.New(mailerr.KindProtocol, serr.Command, serr)
	}

	return resp, nil
}

// readUntilTagged reads physical lines until the tagged status line.
// Literals are read by their exact size and inlined as quoted strings.
func (c *Conn) readUntilTagged(tag string, cont continuationFunc, timeout time.Duration) ([]string, error) {
	var lines []string
	prefix := tag + " "
	for {
		line, err := c.readLine(timeout)
		if err != nil {
			return nil, err
		}

		switch {
		case strings.HasPrefix(line, prefix):
			return append(lines, line), nil
		case strings.HasPrefix(line, "+"):
			if cont == nil {
				return nil, mailerr.Errorf(mailerr.KindProtocol, "continuation", "unexpected continuation request: %q", line)
			}

			data, err := cont(strings.TrimSpace(strings.TrimPrefix(line, "+")))
			if err != nil {
				return nil, err
			}

			if err := c.session.Write(data); err != nil {
				return nil, err
			}
		default:
			lines = append(lines, line)
		}
	}
}

// readLine reads one physical line, following any trailing
// literals so the returned line carries their contents inline.
func (c *Conn) readLine(timeout time.Duration) (string, error) {
	line, err := c.session.ReadLineTimeout(timeout)
	if err != nil {
		return "", err
	}

	var total int64
	for {
		m := trailingLiteral.FindStringSubmatchIndex(line)
		if m == nil {
			return line, nil
		}

		n, err := strconv.ParseInt(line[m[2]:m[3]], 10, 64)
		if err != nil {
			return "", c.session.Abort("literal", mailerr.New(mailerr.KindParse, "literal", err))
		}

		// Literals of one logical line share the limit.
		total += n
		if limit := c.session.Config().MaxLiteralSize; total > limit {
			return "", c.session.Abort("literal", mailerr.New(mailerr.KindParse, "literal",
				fmt.Errorf("%w: %d bytes, limit %d", transport.ErrLiteralTooLarge, total, limit)))
		}

		data, err := c.session.ReadFull(n)
		if err != nil {
			return "", err
		}

		rest, err := c.session.ReadLineTimeout(timeout)
		if err != nil {
			return "", err
		}

		line = line[:m[0]] + wire.Quote(string(data)) + rest
	}
}

func splitStatus(s string) (string, string) {
	status, rest, _ := strings.Cut(s, " ")
	return strings.ToUpper(status), rest
}

// splitCode splits "[CODE args] text" into its parts.
func splitCode(s string) (string, string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return "", s
	}

	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", s
	}
	return s[1:end], strings.TrimSpace(s[end+1:])
}

func commandName(cmd string) string {
	name, rest, _ := strings.Cut(cmd, " ")
	name = strings.ToUpper(name)
	if name == "UID" {
		sub, _, _ := strings.Cut(rest, " ")
		return "UID " + strings.ToUpper(sub)
	}
	return name
}

func (c *Conn) absorbCode(code string) {
	name, args, _ := strings.Cut(code, " ")
	switch strings.ToUpper(name) {
	case "CAPABILITY":
		c.mu.Lock()
		c.caps = strings.Fields(args)
		c.mu.Unlock()
	case "UIDVALIDITY", "UIDNEXT", "PERMANENTFLAGS", "READ-ONLY", "READ-WRITE":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.mailbox == nil {
			return
		}

		switch strings.ToUpper(name) {
		case "UIDVALIDITY":
			c.mailbox.UIDValidity = parseUint32(args)
		case "UIDNEXT":
			c.mailbox.UIDNext = parseUint32(args)
		case "PERMANENTFLAGS":
			c.mailbox.PermanentFlags = parseFlagList(args)
		case "READ-ONLY":
			c.mailbox.ReadOnly = true
		case "READ-WRITE":
			c.mailbox.ReadOnly = false
		}
	}
}

// absorbUntagged applies mailbox-level untagged data and forwards
// unsolicited changes to the update channel.
func (c *Conn) absorbUntagged(lines []string) {
	for _, line := range lines {
		c.absorbLine(line, nil)
	}
}

func (c *Conn) absorbLine(line string, stop <-chan struct{}) {
	if !strings.HasPrefix(line, "* ") {
		return
	}

	fields := strings.SplitN(line[2:], " ", 3)
	if len(fields) >= 2 {
		if num, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
			switch strings.ToUpper(fields[1]) {
			case "EXISTS":
				c.mu.Lock()
				if c.mailbox != nil {
					c.mailbox.Exists = uint32(num)
				}
				c.mu.Unlock()
				c.publish(Update{Kind: UpdateExists, Num: uint32(num)}, stop)
			case "RECENT":
				c.mu.Lock()
				if c.mailbox != nil {
					c.mailbox.Recent = uint32(num)
				}
				c.mu.Unlock()
			case "EXPUNGE":
				c.publish(Update{Kind: UpdateExpunge, Num: uint32(num)}, stop)
			case "FETCH":
				if stop != nil {
					c.publish(Update{Kind: UpdateFetch, Num: uint32(num)}, stop)
				}
			}
			return
		}
	}

	switch strings.ToUpper(fields[0]) {
	case "OK", "NO", "BAD":
		if len(fields) > 1 {
			if code, _ := splitCode(strings.Join(fields[1:], " ")); code != "" {
				c.absorbCode(code)
			}
		}
	case "CAPABILITY":
		c.mu.Lock()
		c.caps = strings.Fields(strings.Join(fields[1:], " "))
		c.mu.Unlock()
	case "FLAGS":
		c.mu.Lock()
		if c.mailbox != nil {
			c.mailbox.Flags = parseFlagList(strings.Join(fields[1:], " "))
		}
		c.mu.Unlock()
	}
}

// publish forwards an update without blocking command processing. During
// IDLE the send waits for the consumer unless stop is closed.
func (c *Conn) publish(u Update, stop <-chan struct{}) {
	if c.cfg.Updates == nil {
		return
	}

	if stop == nil {
		select {
		case c.cfg.Updates <- u:
		default:
			c.log.WithField("update", u.Kind).Trace("imap_update_dropped")
		}
		return
	}

	select {
	case c.cfg.Updates <- u:
	case <-stop:
	}
}

func (c *Conn) markLoggedOut() {
	c.closeOnce.Do(func() {
		_ = c.session.Close()
		close(c.loggedOut)
	})
}

func (c *Conn) close() error {
	c.markLoggedOut()
	return nil
}

// Capabilities returns the last advertised capability list.
func (c *Conn) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.caps...)
}

// Support reports whether cap was advertised.
func (c *Conn) Support(cap string) bool {
	for _, have := range c.Capabilities() {
		if strings.EqualFold(have, cap) {
			return true
		}
	}
	return false
}

func (c *Conn) Mailbox() *MailboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mailbox == nil {
		return nil
	}

	mbox := *c.mailbox
	return &mbox
}

func (c *Conn) LoggedOut() <-chan struct{} {
	return c.loggedOut
}

func (c *Conn) IsTLS() bool {
	return c.session.IsTLS()
}

func parseUint32(s string) uint32 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func parseFlagList(s string) []string {
	toks, err := wire.Parse(s)
	if err != nil || len(toks) == 0 || toks[0].Kind != wire.TokenList {
		return nil
	}
	return tokenFlags(toks[0])
}

func tokenFlags(tok wire.Token) []string {
	flags := make([]string, 0, len(tok.List))
	for _, f := range tok.List {
		if v, ok := f.Text(); ok && v != "" {
			flags = append(flags, v)
		}
	}
	return flags
}
