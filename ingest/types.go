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

package ingest

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap"
)

type Config struct {
	ClientConfig imap.ClientConfig
	// Mailbox receives the messages. Empty means the account's Sent
	// folder.
	Mailbox string
	Logger  *log.Entry
}

// Message is a delivered message to file away.
type Message struct {
	ID    string
	Data  []byte
	Date  time.Time
	Flags []string
}

type Response struct {
	ID    string
	Error error
}

type Client interface {
	IngestMessage(msg *Message, ch chan<- Response) error

	IngestMessageSync(msg *Message) error

	Close()
}

type request struct {
	Message *Message
	ch      chan<- Response
}

type ingestClient struct {
	client   imap.Client
	incoming chan request
	mbox     string
	log      *log.Entry
	hasQuit  chan struct{}
	wantQuit chan struct{}
	shutdown int32
}
