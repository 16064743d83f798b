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

package outbox

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/ingest"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/smtp"
)

//go:generate mockgen -destination=mock_outbox/mock_outbox.go -package=mock_outbox github.com/vs49688/mailwire/outbox Sender,Ingester

// Sender makes one delivery attempt.
type Sender interface {
	Send(ctx context.Context, msg *smtp.Message) error
}

// Ingester files a delivered message. ingest.Client satisfies it.
type Ingester interface {
	IngestMessageSync(msg *ingest.Message) error
}

type Config struct {
	Sender Sender
	// Ingester is optional. Without one, delivered messages are not
	// copied anywhere.
	Ingester   Ingester
	Resilience *resilience.Service
	// Key selects the backoff profile and circuit for the SMTP server.
	Key    resilience.Key
	Logger *log.Entry

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Receipt describes a finished job. A failed copy to the Sent folder
// does not fail the job; it is reported in IngestError.
type Receipt struct {
	ID          string
	Attempts    int
	Ingested    bool
	IngestError error
}

type Outbox struct {
	sender     Sender
	ingester   Ingester
	resilience *resilience.Service
	key        resilience.Key
	log        *log.Entry
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}
