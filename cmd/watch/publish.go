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

package watch

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vs49688/mailwire/receiver"
)

// Publisher announces received messages.
type Publisher interface {
	Publish(account string, mailbox string, msg *receiver.Message) error
	Close()
}

type messageEvent struct {
	Account  string       `json:"account"`
	Mailbox  string       `json:"mailbox"`
	Envelope envelopeJSON `json:"envelope"`
	Parts    []partEvent  `json:"parts"`
	Deferred int          `json:"deferred"`
}

type partEvent struct {
	PartID   string `json:"part_id"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Size     int    `json:"size"`
	BlobHash string `json:"blob_hash,omitempty"`
}

func newMessageEvent(account string, mailbox string, msg *receiver.Message) messageEvent {
	ev := messageEvent{
		Account:  account,
		Mailbox:  mailbox,
		Envelope: toEnvelopeJSON(msg.Envelope),
		Parts:    []partEvent{},
	}

	if msg.Body != nil {
		for _, p := range msg.Body.Parts {
			ev.Parts = append(ev.Parts, partEvent{
				PartID:   p.PartID,
				MIMEType: p.MIMEType,
				Filename: p.Filename,
				Size:     p.Size,
				BlobHash: p.BlobHash,
			})
		}
		ev.Deferred = len(msg.Body.Deferred)
	}
	return ev
}

type natsPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher publishes one JSON event per message to subject.
func NewNATSPublisher(url string, subject string) (Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailwire"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &natsPublisher{nc: nc, subject: subject}, nil
}

func (p *natsPublisher) Publish(account string, mailbox string, msg *receiver.Message) error {
	payload, err := json.Marshal(newMessageEvent(account, mailbox, msg))
	if err != nil {
		return err
	}

	if err := p.nc.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *natsPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
