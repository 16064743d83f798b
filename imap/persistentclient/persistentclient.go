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

package persistentclient

import (
	"errors"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/imap/client"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

var errConnectionClosed = errors.New("connection closed")

const DefaultMaxDelay = 64 * time.Second

func (c *PersistentIMAPClient) isShutdown() bool {
	return atomic.LoadInt32(&c.shutdown) != 0
}

func (c *PersistentIMAPClient) closedErr(op string) error {
	if c.err != nil {
		return mailerr.New(mailerr.KindOf(c.err), op, c.err)
	}
	return mailerr.New(mailerr.KindIO, op, errConnectionClosed)
}

// do hands fn to the run loop and waits for its result. Requests wait
// while the client is reconnecting.
func (c *PersistentIMAPClient) do(op string, fn func(imap.Client) error) error {
	shutdown := c.isShutdown()
	c.log.WithFields(log.Fields{"op": op, "shutdown": shutdown}).Trace("pimap_invoked")
	if shutdown {
		return c.closedErr(op)
	}

	r := make(chan error, 1)
	select {
	case c.ch <- request{op: op, r: r, fn: fn}:
	case <-c.loggedOut:
		return c.closedErr(op)
	}
	return <-r
}

func (c *PersistentIMAPClient) Capabilities() []string {
	var caps []string
	_ = c.do("capabilities", func(cli imap.Client) error {
		caps = cli.Capabilities()
		return nil
	})
	return caps
}

func (c *PersistentIMAPClient) List(specialUse bool) ([]imap.Mailbox, error) {
	var out []imap.Mailbox
	err := c.do("list", func(cli imap.Client) error {
		var err error
		out, err = cli.List(specialUse)
		return err
	})
	return out, err
}

// Select changes the mailbox that is reselected after a reconnect.
func (c *PersistentIMAPClient) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	var status *imap.MailboxStatus
	err := c.do("select", func(cli imap.Client) error {
		var err error
		if status, err = cli.Select(name, readOnly); err != nil {
			return err
		}

		c.selected, c.readOnly = name, readOnly
		return nil
	})
	return status, err
}

func (c *PersistentIMAPClient) Search(query string) ([]uint32, error) {
	var out []uint32
	err := c.do("search", func(cli imap.Client) error {
		var err error
		out, err = cli.Search(query)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) FetchEnvelopes(uids *imap.SeqSet) ([]imap.Envelope, error) {
	var out []imap.Envelope
	err := c.do("fetch_envelopes", func(cli imap.Client) error {
		var err error
		out, err = cli.FetchEnvelopes(uids)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) FetchFlags(uids *imap.SeqSet) (map[uint32][]string, error) {
	var out map[uint32][]string
	err := c.do("fetch_flags", func(cli imap.Client) error {
		var err error
		out, err = cli.FetchFlags(uids)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) FetchBodyStructure(uid uint32) (imap.BodyStructure, error) {
	var out imap.BodyStructure
	err := c.do("fetch_bodystructure", func(cli imap.Client) error {
		var err error
		out, err = cli.FetchBodyStructure(uid)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) FetchSections(uid uint32, sections []string) (map[string][]byte, error) {
	var out map[string][]byte
	err := c.do("fetch_sections", func(cli imap.Client) error {
		var err error
		out, err = cli.FetchSections(uid, sections)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) FetchPartial(uid uint32, section string, offset, length uint32) ([]byte, error) {
	var out []byte
	err := c.do("fetch_partial", func(cli imap.Client) error {
		var err error
		out, err = cli.FetchPartial(uid, section, offset, length)
		return err
	})
	return out, err
}

func (c *PersistentIMAPClient) Store(uids *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	return c.do("store", func(cli imap.Client) error {
		return cli.Store(uids, op, flags)
	})
}

func (c *PersistentIMAPClient) Expunge() error {
	return c.do("expunge", func(cli imap.Client) error {
		return cli.Expunge()
	})
}

func (c *PersistentIMAPClient) Append(mbox string, flags []string, date time.Time, msg []byte) error {
	return c.do("append", func(cli imap.Client) error {
		return cli.Append(mbox, flags, date, msg)
	})
}

func (c *PersistentIMAPClient) Idle(stop <-chan struct{}) error {
	return c.do("idle", func(cli imap.Client) error {
		return cli.Idle(stop)
	})
}

func (c *PersistentIMAPClient) Noop() error {
	return c.do("noop", func(cli imap.Client) error {
		return cli.Noop()
	})
}

func (c *PersistentIMAPClient) Mailbox() *imap.MailboxStatus {
	shutdown := c.isShutdown()
	c.log.WithField("shutdown", shutdown).Trace("pimap_mailbox_invoked")
	if shutdown {
		return nil
	}

	r := make(chan *imap.MailboxStatus, 1)
	select {
	case c.ch <- mailboxRequest{r: r}:
	case <-c.loggedOut:
		return nil
	}
	return <-r
}

func (c *PersistentIMAPClient) Logout() error {
	shutdown := c.isShutdown()
	c.log.WithField("shutdown", shutdown).Trace("pimap_logout_invoked")
	if shutdown {
		return nil
	}

	r := make(chan error, 1)
	select {
	case c.logoutChannel <- logoutRequest{r: r}:
	case <-c.loggedOut:
		return nil
	}
	return <-r
}

func (c *PersistentIMAPClient) LoggedOut() <-chan struct{} {
	return c.loggedOut
}

// Err returns the error that made the client give up reconnecting. It is
// only meaningful once LoggedOut is closed.
func (c *PersistentIMAPClient) Err() error {
	select {
	case <-c.loggedOut:
		return c.err
	default:
		return nil
	}
}

func (c *PersistentIMAPClient) FlagQuit() {
	shutdown := c.isShutdown()
	c.log.WithField("shutdown", shutdown).Trace("pimap_flagquit_invoked")
	if shutdown {
		return
	}

	go c.Logout()
}

func (c *PersistentIMAPClient) connect() (imap.Client, error) {
	if c.cfg.Resilience != nil {
		if err := c.cfg.Resilience.Peek(c.key); err != nil {
			return nil, err
		}
	}

	cli, err := c.cfg.Factory.NewClient(&c.cfg.ClientConfig)
	if err != nil {
		return nil, err
	}

	if c.selected == "" {
		return cli, nil
	}

	if _, err = cli.Select(c.selected, c.readOnly); err != nil {
		_ = cli.Logout()
		return nil, err
	}

	return cli, nil
}

// retryDelay returns the wait before reconnect attempt, or false when the
// failure should not be retried.
func (c *PersistentIMAPClient) retryDelay(err error, attempt int) (time.Duration, bool) {
	kind := mailerr.KindOf(err)
	if !c.policy.ShouldRetry(c.key, kind, attempt) {
		return 0, false
	}

	delay := c.policy.Delay(c.key, kind, attempt)
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay, true
}

func (c *PersistentIMAPClient) run() {
	var nextDelay time.Duration = 0
	attempt := 0
	state := ClientStateDisconnected
	for {
		c.log.WithField("state", state).Trace("pimap_loop_enter")
		if state == ClientStateDisconnected {
			select {
			case req := <-c.logoutChannel:
				c.log.Trace("pimap_logout_request")
				req.r <- nil
				goto done
			case <-time.After(nextDelay):
				break
			}

			cli, err := c.connect()
			if err != nil {
				attempt++

				delay, retry := c.retryDelay(err, attempt)
				if !retry {
					c.err = err
					c.log.WithError(err).WithFields(log.Fields{
						"attempt": attempt,
						"kind":    mailerr.KindOf(err),
					}).Error("pimap_giving_up")
					goto done
				}

				nextDelay = delay
				c.log.WithError(err).WithFields(log.Fields{
					"attempt":   attempt,
					"kind":      mailerr.KindOf(err),
					"new_delay": nextDelay,
				}).Error("pimap_connection_failed")
				continue
			}

			c.c = cli
			state = ClientStateConnected
			attempt = 0
			nextDelay = 0
		}

		if state == ClientStateConnected {
			c.log.WithField("state", state).Trace("pimap_entering_connected_select")
			select {
			case <-c.c.LoggedOut():
				c.log.Trace("pimap_disconnected")
				c.c = nil
				state = ClientStateDisconnected
			case req := <-c.logoutChannel:
				c.log.Trace("pimap_logout_request")
				req.r <- c.c.Logout()
				goto done
			case _req := <-c.ch:
				switch req := _req.(type) {
				case request:
					c.log.WithField("op", req.op).Trace("pimap_request")
					req.r <- req.fn(c.c)
				case mailboxRequest:
					c.log.Trace("pimap_mailbox_request")
					req.r <- c.c.Mailbox()
				}
			}
		}
	}
done:
	c.c = nil
	atomic.StoreInt32(&c.shutdown, 1)
	close(c.loggedOut)
	c.log.Trace("pimap_proc_exit")
}

func logURL(cfg *Config) string {
	u := url.URL{
		Host: cfg.ClientConfig.Host + ":" + strconv.Itoa(cfg.ClientConfig.Port),
		Path: cfg.Mailbox,
	}

	if cfg.ClientConfig.Account != "" {
		u.User = url.User(cfg.ClientConfig.Account)
	}

	switch cfg.ClientConfig.TLSMode {
	case transport.TLSImplicit:
		u.Scheme = "imaps"
	case transport.TLSStartTLS:
		u.Scheme = "imap+starttls"
	default:
		u.Scheme = "imap"
	}

	return u.String()
}

func NewClient(cfg *Config) (*PersistentIMAPClient, error) {
	ourCfg := *cfg
	if ourCfg.MaxDelay == 0 {
		ourCfg.MaxDelay = DefaultMaxDelay
	} else if ourCfg.MaxDelay < time.Second {
		ourCfg.MaxDelay = time.Second
	}

	if ourCfg.Factory == nil {
		ourCfg.Factory = &client.Factory{Resilience: ourCfg.Resilience}
	}

	logger := ourCfg.ClientConfig.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	policy := resilience.NewPolicy()
	if ourCfg.Resilience != nil {
		policy = ourCfg.Resilience.Policy()
	}

	c := &PersistentIMAPClient{
		cfg:           ourCfg,
		key:           resilience.Key{Account: ourCfg.ClientConfig.Account, Host: ourCfg.ClientConfig.Host},
		policy:        policy,
		ch:            make(chan interface{}),
		logoutChannel: make(chan logoutRequest),
		shutdown:      0,
		loggedOut:     make(chan struct{}),
		selected:      ourCfg.Mailbox,
		readOnly:      ourCfg.ReadOnly,
		log:           logger.WithField("url", logURL(&ourCfg)),
	}
	go c.run()
	return c, nil
}
