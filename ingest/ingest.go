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

// Package ingest files delivered messages into a folder, by default the
// account's Sent folder.
package ingest

import (
	"errors"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/mailerr"
)

// DefaultSentMailbox is used when the server marks no folder as Sent.
const DefaultSentMailbox = "Sent"

var (
	errEmptyMessage     = errors.New("empty message")
	errConnectionClosed = errors.New("connection closed")
)

func NewClient(cfg *Config, factory imap.ClientFactory) (Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{
		"component": "ingest",
		"account":   cfg.ClientConfig.Account,
	})

	clientCfg := cfg.ClientConfig
	clientCfg.Updates = nil
	if clientCfg.Logger == nil {
		clientCfg.Logger = logger
	}

	imapClient, err := factory.NewClient(&clientCfg)
	if err != nil {
		return nil, err
	}

	mbox := cfg.Mailbox
	if mbox == "" {
		if mbox, err = FindSent(imapClient); err != nil {
			_ = imapClient.Logout()
			return nil, err
		}
	}

	ingest := &ingestClient{
		client:   imapClient,
		incoming: make(chan request),
		mbox:     mbox,
		log:      logger.WithField("mailbox", mbox),
		hasQuit:  make(chan struct{}),
		wantQuit: make(chan struct{}),
		shutdown: 0,
	}

	ingest.log.Trace("ingest_ready")

	go ingest.run()
	return ingest, nil
}

// FindSent returns the folder marked \Sent by SPECIAL-USE. Without one
// it looks for a folder named Sent, and falls back to that name.
func FindSent(c imap.Client) (string, error) {
	mailboxes, err := c.List(true)
	if err != nil {
		return "", err
	}

	for _, mb := range mailboxes {
		if mb.HasAttr(imap.SentAttr) {
			return mb.Name, nil
		}
	}

	for _, mb := range mailboxes {
		if strings.EqualFold(mb.Name, DefaultSentMailbox) {
			return mb.Name, nil
		}
	}

	return DefaultSentMailbox, nil
}

func (ingest *ingestClient) isShutdown() bool {
	return atomic.LoadInt32(&ingest.shutdown) != 0
}

func (ingest *ingestClient) IngestMessage(msg *Message, ch chan<- Response) error {
	ingest.log.WithField("id", msg.ID).Trace("ingest_message")
	if len(msg.Data) == 0 {
		return errEmptyMessage
	}

	if ingest.isShutdown() {
		return mailerr.New(mailerr.KindIO, "ingest", errConnectionClosed)
	}

	select {
	case ingest.incoming <- request{Message: msg, ch: ch}:
		return nil
	case <-ingest.hasQuit:
		return mailerr.New(mailerr.KindIO, "ingest", errConnectionClosed)
	}
}

func (ingest *ingestClient) IngestMessageSync(msg *Message) error {
	ch := make(chan Response, 1)
	if err := ingest.IngestMessage(msg, ch); err != nil {
		return err
	}

	res := <-ch
	return res.Error
}

func (ingest *ingestClient) run() {
	for {
		select {
		case <-ingest.wantQuit:
			goto done
		case req := <-ingest.incoming:
			e := ingest.log.WithFields(log.Fields{
				"id":   req.Message.ID,
				"size": len(req.Message.Data),
			})
			e.Trace("ingest_start")

			flags := req.Message.Flags
			if flags == nil {
				flags = []string{imap.SeenFlag}
			}

			err := ingest.client.Append(ingest.mbox, flags, req.Message.Date, req.Message.Data)
			if err != nil {
				e.WithError(err).Error("ingest_failed")
			} else {
				e.Info("ingest_success")
			}
			req.ch <- Response{ID: req.Message.ID, Error: err}
		}
	}
done:
	atomic.StoreInt32(&ingest.shutdown, 1)
	if err := ingest.client.Logout(); err != nil {
		ingest.log.WithError(err).Error("ingest_client_close_failed")
	}

	close(ingest.hasQuit)
}

func (ingest *ingestClient) Close() {
	select {
	case ingest.wantQuit <- struct{}{}:
	case <-ingest.hasQuit:
		return
	}
	<-ingest.hasQuit
}
