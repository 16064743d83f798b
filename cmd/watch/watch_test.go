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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/receiver"
	"github.com/vs49688/mailwire/resilience"
)

type fakeLister struct {
	envelopes []imap.Envelope
	limit     int
	offset    int
	err       error
}

func (l *fakeLister) Recent(limit int, offset int) ([]imap.Envelope, error) {
	l.limit, l.offset = limit, offset
	return l.envelopes, l.err
}

type fakePublisher struct {
	events []messageEvent
	err    error
}

func (p *fakePublisher) Publish(account string, mailbox string, msg *receiver.Message) error {
	p.events = append(p.events, newMessageEvent(account, mailbox, msg))
	return p.err
}

func (p *fakePublisher) Close() {}

type ack struct {
	uid uint32
	err error
}

type fakeAcker struct {
	acks []ack
}

func (a *fakeAcker) Ack(uid uint32, err error) {
	a.acks = append(a.acks, ack{uid: uid, err: err})
}

func testService(t *testing.T) *resilience.Service {
	cfg := resilience.DefaultConfig()
	svc, err := resilience.NewService(&cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return svc
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestServer(t *testing.T) {
	gin.SetMode(gin.TestMode)

	res := testService(t)
	key := resilience.Key{Account: "user", Host: "imap.example.com"}
	res.Observe(key, resilience.StepConnect, 20*time.Millisecond, nil)

	lister := &fakeLister{envelopes: []imap.Envelope{{UID: 7, Subject: "Hi", From: "a@example.com"}}}
	srv := NewServer(res, lister)

	t.Run("healthz", func(t *testing.T) {
		w := get(t, srv, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Endpoints []endpointHealth `json:"endpoints"`
		}
		if assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body)) && assert.Len(t, body.Endpoints, 1) {
			assert.Equal(t, "imap.example.com", body.Endpoints[0].Host)
			assert.Equal(t, "ok", body.Endpoints[0].Health)
			assert.Contains(t, body.Endpoints[0].LatencyMillis, "connect")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		w := get(t, srv, "/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "mailwire_operations_total")
	})

	t.Run("messages", func(t *testing.T) {
		w := get(t, srv, "/messages?limit=5&offset=10")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 5, lister.limit)
		assert.Equal(t, 10, lister.offset)
		assert.Contains(t, w.Body.String(), `"subject":"Hi"`)
	})

	t.Run("messages_bad_limit", func(t *testing.T) {
		w := get(t, srv, "/messages?limit=abc")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("messages_error", func(t *testing.T) {
		lister.err = receiver.ErrNotCached
		defer func() { lister.err = nil }()

		w := get(t, srv, "/messages")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, defaultPageSize, lister.limit)
	})
}

func TestServerHealthDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	res := testService(t)
	key := resilience.Key{Account: "user", Host: "imap.example.com"}
	for i := 0; i < 10; i++ {
		res.Observe(key, resilience.StepConnect, time.Millisecond, mailerr.Errorf(mailerr.KindRefused, "dial", "refused"))
	}

	w := get(t, NewServer(res, &fakeLister{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"circuit_open":true`))
}

func testReceivedMessage() *receiver.Message {
	return &receiver.Message{
		UID:      3,
		Envelope: imap.Envelope{UID: 3, Subject: "Invoice", From: "billing@example.com"},
		Body: &receiver.Body{
			Strategy: receiver.StrategyBodyStructure,
			Parts: []receiver.Part{
				{PartID: "1", MIMEType: "text/plain", Size: 12, Data: []byte("Invoice text")},
				{PartID: "2", MIMEType: "application/pdf", Filename: "invoice.pdf", Size: 4096, BlobHash: "abc"},
			},
		},
	}
}

func TestHandler(t *testing.T) {
	pub := &fakePublisher{}
	acker := &fakeAcker{}
	h := &Handler{
		Account:   "user",
		Mailbox:   "INBOX",
		Publisher: pub,
		Acker:     acker,
		Logger:    log.NewEntry(log.StandardLogger()),
	}

	h.Handle(testReceivedMessage())

	assert.Equal(t, []ack{{uid: 3}}, acker.acks)
	if assert.Len(t, pub.events, 1) {
		ev := pub.events[0]
		assert.Equal(t, "user", ev.Account)
		assert.Equal(t, "Invoice", ev.Envelope.Subject)
		if assert.Len(t, ev.Parts, 2) {
			assert.Equal(t, "abc", ev.Parts[1].BlobHash)
			assert.Equal(t, "invoice.pdf", ev.Parts[1].Filename)
		}
	}

	t.Run("publish_failure_nacks", func(t *testing.T) {
		pubErr := errors.New("nats down")
		pub := &fakePublisher{err: pubErr}
		acker := &fakeAcker{}
		h := &Handler{Publisher: pub, Acker: acker, Logger: log.NewEntry(log.StandardLogger())}

		h.Handle(testReceivedMessage())
		if assert.Len(t, acker.acks, 1) {
			assert.ErrorIs(t, acker.acks[0].err, pubErr)
		}
	})

	t.Run("no_publisher", func(t *testing.T) {
		acker := &fakeAcker{}
		h := &Handler{Acker: acker, Logger: log.NewEntry(log.StandardLogger())}

		h.Handle(&receiver.Message{UID: 9})
		assert.Equal(t, []ack{{uid: 9}}, acker.acks)
	})
}
