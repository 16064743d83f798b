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

package receiver

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/fetchplan"
	"github.com/vs49688/mailwire/imap"
)

//go:generate mockgen -destination=mock_receiver/mock_receiver.go -package=mock_receiver github.com/vs49688/mailwire/receiver Cache,BlobStore

// ErrNotCached is returned by a Cache that holds nothing for a message.
var ErrNotCached = errors.New("not cached")

// Cache persists retrieved messages. It is owned by the caller.
type Cache interface {
	Headers(account string, folder string, limit int, offset int) ([]imap.Envelope, error)
	BodyEntity(account string, folder string, uid uint32) (*Body, error)
	StoreBody(account string, folder string, uid uint32, body *Body) error
}

// BlobStore is a content-addressed store for attachment data. The hash
// is the hex SHA-256 of data.
type BlobStore interface {
	Store(data []byte, hash string) error
	Retrieve(hash string) ([]byte, error)
}

const (
	// StrategyBodyStructure marks bodies fetched section by section from
	// a parsed BODYSTRUCTURE. Bodies recovered from the raw message carry
	// the name of the parse strategy instead.
	StrategyBodyStructure = "bodystructure"
)

// Part is one retrieved leaf. Body candidates keep their decoded Data;
// other parts are moved to the blob store when one is configured.
type Part struct {
	PartID   string
	MIMEType string
	Filename string
	Size     int
	Data     []byte
	BlobHash string
}

type Body struct {
	Envelope imap.Envelope
	Strategy string
	Parts    []Part
	// Deferred lists the sections not downloaded yet.
	Deferred []fetchplan.Section
}

// Text returns the data of the first part of the given type.
func (b *Body) Text(mimeType string) (string, bool) {
	for _, p := range b.Parts {
		if p.MIMEType == mimeType && p.Data != nil {
			return string(p.Data), true
		}
	}
	return "", false
}

// Message is published once per new message.
type Message struct {
	UID      uint32
	Envelope imap.Envelope
	Body     *Body
}

type Config struct {
	ClientConfig imap.ClientConfig
	Mailbox      string
	// Query selects candidate messages. Defaults to UNSEEN.
	Query string
	// FetchBufferSize caps how many new messages one round retrieves.
	FetchBufferSize uint
	// FetchMaxInterval is the longest time between two searches when
	// the server reports nothing.
	FetchMaxInterval time.Duration
	BatchThreshold   uint64
	ChunkSize        uint32
	// DeleteOnAck deletes and expunges acknowledged messages in
	// addition to flagging them \Seen.
	DeleteOnAck bool
	Cache       Cache
	Blobs       BlobStore
	Channel     chan<- *Message
	Logger      *log.Entry
}

type ackRequest struct {
	UID   uint32
	Error error
}

type deferredRequest struct {
	UID uint32
	r   chan deferredReply
}

type deferredReply struct {
	Parts []Part
	Err   error
}

type state int

const (
	StateUnacked state = 0
	StateAcked   state = 1
	StateDone    state = 2
)

func (s state) String() string {
	switch s {
	case StateUnacked:
		return "unacked"
	case StateAcked:
		return "acked"
	default:
		return "done"
	}
}

type messageState struct {
	UID   uint32
	Body  *Body
	State state
}

type fetchResult struct {
	Messages []*Message
	Err      error
}

type ackResult struct {
	UIDs []uint32
	Err  error
}

type deferredResult struct {
	UID  uint32
	Body *Body
}

type sstate int

const (
	StateNone       sstate = 0
	StateInIDLE     sstate = 1
	StateInFetch    sstate = 2
	StateInAck      sstate = 3
	StateInDeferred sstate = 4
)

func (s sstate) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInIDLE:
		return "in_idle"
	case StateInFetch:
		return "in_fetch"
	case StateInAck:
		return "in_ack"
	case StateInDeferred:
		return "in_deferred"
	default:
		panic("invalid_state")
	}
}

type operation int

const (
	OperationNone operation = iota
	OperationTimeout
	OperationIDLEFinish
	OperationFetchFinish
	OperationAckFinish
	OperationDeferredFinish
)

func (o operation) String() string {
	switch o {
	case OperationNone:
		return "none"
	case OperationTimeout:
		return "timeout"
	case OperationIDLEFinish:
		return "idle_finish"
	case OperationFetchFinish:
		return "fetch_finish"
	case OperationAckFinish:
		return "ack_finish"
	default:
		return "deferred_finish"
	}
}

type MailReceiver struct {
	client imap.Client
	cfg    Config
	log    *log.Entry

	// client -> receiver, unsolicited mailbox changes
	updates chan imap.Update

	// workers -> receiver, fetch, ack and deferred results
	imapChannel chan interface{}

	// external -> receiver, incoming acks
	ackChannel chan ackRequest

	// external -> receiver, on-demand section downloads
	deferredChannel chan deferredRequest

	// receiver -> external, message notifications
	outChannel chan<- *Message

	messages map[uint32]*messageState

	hasQuit  chan struct{}
	done     chan struct{}
	wantQuit chan struct{}
}
