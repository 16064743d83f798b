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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/resilience"
)

type Config struct {
	ClientConfig imap.ClientConfig
	// Mailbox is selected after every (re)connect. Empty selects nothing.
	Mailbox  string
	ReadOnly bool
	// Factory creates the underlying connections. Defaults to a
	// client.Factory bound to Resilience.
	Factory    imap.ClientFactory
	Resilience *resilience.Service
	MaxDelay   time.Duration
}

type request struct {
	op string
	r  chan error
	fn func(c imap.Client) error
}

type mailboxRequest struct {
	r chan *imap.MailboxStatus
}

type logoutRequest struct {
	r chan error
}

type clientState int32

const (
	ClientStateDisconnected clientState = 0
	ClientStateConnected    clientState = 1
)

func (s clientState) String() string {
	if s == ClientStateConnected {
		return "connected"
	}
	return "disconnected"
}

// PersistentIMAPClient is an imap.Client that reconnects behind the
// scenes. A single goroutine owns the underlying connection and runs
// every request in order.
type PersistentIMAPClient struct {
	c             imap.Client
	cfg           Config
	key           resilience.Key
	policy        *resilience.Policy
	ch            chan interface{}
	logoutChannel chan logoutRequest
	shutdown      int32
	loggedOut     chan struct{}
	err           error
	selected      string
	readOnly      bool
	log           *log.Entry
}

type Factory struct {
	Mailbox    string
	ReadOnly   bool
	MaxDelay   time.Duration
	Resilience *resilience.Service
	Inner      imap.ClientFactory
}
