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

// Package outbox delivers composed messages over SMTP, retrying transient
// failures, and then files a copy with ingest.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/ingest"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/smtp"
)

var errNoSender = errors.New("no sender configured")

// SMTPSender opens a new connection for every attempt.
type SMTPSender struct {
	Config *smtp.Config
}

func (s *SMTPSender) Send(ctx context.Context, msg *smtp.Message) error {
	return smtp.Send(ctx, s.Config, msg)
}

func New(cfg *Config) (*Outbox, error) {
	if cfg.Sender == nil {
		return nil, errNoSender
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	ob := &Outbox{
		sender:     cfg.Sender,
		ingester:   cfg.Ingester,
		resilience: cfg.Resilience,
		key:        cfg.Key,
		log:        logger.WithField("component", "outbox"),
		sleep:      cfg.Sleep,
		now:        cfg.Now,
	}

	if ob.sleep == nil {
		ob.sleep = sleepContext
	}

	if ob.now == nil {
		ob.now = time.Now
	}

	return ob, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit composes out and delivers it.
func (ob *Outbox) Submit(ctx context.Context, out *smtp.Outgoing) (*Receipt, error) {
	if out.Date.IsZero() {
		out.Date = ob.now()
	}

	msg, err := out.Message()
	if err != nil {
		return nil, err
	}
	return ob.Deliver(ctx, msg)
}

// Deliver sends msg, retrying while the backoff policy allows, then
// hands it to the ingester.
func (ob *Outbox) Deliver(ctx context.Context, msg *smtp.Message) (*Receipt, error) {
	receipt := &Receipt{ID: uuid.NewString()}
	e := ob.log.WithFields(log.Fields{
		"id":         receipt.ID,
		"recipients": len(msg.To),
		"size":       len(msg.Data),
	})

	for {
		err := ob.sender.Send(ctx, msg)
		receipt.Attempts++
		if err == nil {
			break
		}

		kind := mailerr.KindOf(err)
		e := e.WithError(err).WithFields(log.Fields{
			"kind":    kind.String(),
			"attempt": receipt.Attempts,
		})

		if ob.resilience == nil || !ob.resilience.Policy().ShouldRetry(ob.key, kind, receipt.Attempts) {
			e.Error("outbox_send_failed")
			return receipt, err
		}

		delay := ob.resilience.Policy().Delay(ob.key, kind, receipt.Attempts)
		e.WithField("delay", delay).Warn("outbox_send_retry")

		if err := ob.sleep(ctx, delay); err != nil {
			return receipt, err
		}
	}

	e.WithField("attempts", receipt.Attempts).Info("outbox_sent")

	if ob.ingester == nil {
		return receipt, nil
	}

	err := ob.ingester.IngestMessageSync(&ingest.Message{
		ID:    receipt.ID,
		Data:  msg.Data,
		Date:  ob.now(),
		Flags: []string{imap.SeenFlag},
	})
	if err != nil {
		e.WithError(err).Warn("outbox_ingest_failed")
		receipt.IngestError = err
	} else {
		receipt.Ingested = true
	}

	return receipt, nil
}
