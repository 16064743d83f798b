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
	"crypto/tls"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

// Client is the command surface used by the receiver and ingest. It is
// implemented by *Conn and by the persistent client.
type Client interface {
	Capabilities() []string

	List(specialUse bool) ([]Mailbox, error)

	Select(name string, readOnly bool) (*MailboxStatus, error)

	Search(query string) ([]uint32, error)

	FetchEnvelopes(uids *SeqSet) ([]Envelope, error)

	FetchFlags(uids *SeqSet) (map[uint32][]string, error)

	FetchBodyStructure(uid uint32) (BodyStructure, error)

	FetchSections(uid uint32, sections []string) (map[string][]byte, error)

	FetchPartial(uid uint32, section string, offset, length uint32) ([]byte, error)

	Store(uids *SeqSet, op FlagsOp, flags []string) error

	Expunge() error

	Append(mbox string, flags []string, date time.Time, msg []byte) error

	Idle(stop <-chan struct{}) error

	Noop() error

	Mailbox() *MailboxStatus

	Logout() error

	LoggedOut() <-chan struct{}
}

// AuthClient is what an Authenticator needs from a connection.
type AuthClient interface {
	Login(username, password string) error
	Authenticate(client sasl.Client) error
}

type Authenticator interface {
	Authenticate(c AuthClient) error
}

// Observer receives the duration and outcome of every protocol step.
type Observer func(step resilience.Step, took time.Duration, err error)

type ClientConfig struct {
	// Account names the credentials in logs and resilience keys.
	Account        string
	Host           string
	Port           int
	TLSMode        transport.TLSMode
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// IdleTimeout bounds a single read while in IDLE.
	IdleTimeout time.Duration
	Auth        Authenticator
	Debug       bool
	Logger      *log.Entry
	Observer    Observer
	Updates     chan<- Update
	// Dialer opens the TCP connection. Nil uses a net.Dialer.
	Dialer transport.Dialer
	// MaxLiteralSize bounds the literal bytes of one response line.
	// Zero uses transport.DefaultMaxLiteralSize.
	MaxLiteralSize int64
}

func (cfg *ClientConfig) transportConfig() *transport.Config {
	return &transport.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		TLSMode:        cfg.TLSMode,
		TLSConfig:      cfg.TLSConfig,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
		Debug:          cfg.Debug,
		Logger:         cfg.Logger,
		Dialer:         cfg.Dialer,
		MaxLiteralSize: cfg.MaxLiteralSize,
	}
}

type ClientFactory interface {
	NewClient(cfg *ClientConfig) (Client, error)
}

type UpdateKind int

const (
	UpdateExists UpdateKind = iota
	UpdateExpunge
	UpdateFetch
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateExists:
		return "exists"
	case UpdateExpunge:
		return "expunge"
	default:
		return "fetch"
	}
}

// Update is an unsolicited mailbox change reported by the server.
type Update struct {
	Kind UpdateKind
	Num  uint32
}

// Envelope is the summary of one message, keyed by UID.
type Envelope struct {
	UID          uint32
	Subject      string
	From         string
	InternalDate time.Time
	Flags        []string
}

func (e *Envelope) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Mailbox is one LIST result.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
}

func (m *Mailbox) HasAttr(attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

type MailboxStatus struct {
	Name           string
	ReadOnly       bool
	Exists         uint32
	Recent         uint32
	UIDValidity    uint32
	UIDNext        uint32
	Flags          []string
	PermanentFlags []string
}

type SeqSet = imap.SeqSet
type FlagsOp = imap.FlagsOp

const (
	SetFlags    = imap.SetFlags
	AddFlags    = imap.AddFlags
	RemoveFlags = imap.RemoveFlags
)

const (
	SeenFlag    = imap.SeenFlag
	DeletedFlag = imap.DeletedFlag
	FlaggedFlag = imap.FlaggedFlag
	DraftFlag   = imap.DraftFlag
)

const SentAttr = imap.SentAttr

// NewSeqSet builds a set holding uids.
func NewSeqSet(uids ...uint32) *SeqSet {
	s := new(imap.SeqSet)
	s.AddNum(uids...)
	return s
}
