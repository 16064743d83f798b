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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/internal"
	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
)

func testClientConfig(t *testing.T, address string, password string) imap.ClientConfig {
	host, port := internal.SplitHostPort(t, address)
	return imap.ClientConfig{
		Account:        "username",
		Host:           host,
		Port:           port,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		Auth:           imap.NewNormalAuthenticator("username", password),
	}
}

func TestSelectsAndServesRequests(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	c, err := NewClient(&Config{
		ClientConfig: testClientConfig(t, address, "password"),
		Mailbox:      "INBOX",
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = c.Logout() })

	err = c.Append("INBOX", nil, time.Now(), []byte("Subject: hi\r\n\r\nbody\r\n"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	uids, err := c.Search("ALL")
	assert.NoError(t, err)
	assert.Len(t, uids, 1)

	mbox := c.Mailbox()
	if assert.NotNil(t, mbox) {
		assert.Equal(t, "INBOX", mbox.Name)
	}
}

func TestIdleCancellation(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	c, err := NewClient(&Config{
		ClientConfig: testClientConfig(t, address, "password"),
		Mailbox:      "INBOX",
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	stop := make(chan struct{})
	ch := make(chan error)

	go func() { ch <- c.Idle(stop) }()
	time.Sleep(200 * time.Millisecond)
	close(stop)

	assert.NoError(t, <-ch)
	assert.NoError(t, c.Logout())
}

func TestIdleAfterLogout(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	c, err := NewClient(&Config{ClientConfig: testClientConfig(t, address, "password")})
	assert.NoError(t, err)

	err = c.Logout()
	assert.NoError(t, err)

	err = c.Idle(nil)
	assert.Error(t, err)
	assert.Nil(t, c.Mailbox())
}

func TestGivesUpOnAuthFailure(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	c, err := NewClient(&Config{ClientConfig: testClientConfig(t, address, "wrong")})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	select {
	case <-c.LoggedOut():
	case <-time.After(5 * time.Second):
		t.Fatal("client kept retrying a permanent failure")
	}

	assert.Equal(t, mailerr.KindAuth, mailerr.KindOf(c.Err()))

	_, err = c.Search("ALL")
	assert.Equal(t, mailerr.KindAuth, mailerr.KindOf(err))
}

type countingFactory struct {
	calls int32
}

func (f *countingFactory) NewClient(cfg *imap.ClientConfig) (imap.Client, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, mailerr.New(mailerr.KindRefused, "dial", errors.New("connection refused"))
}

func TestNoDialWhileCircuitOpen(t *testing.T) {
	cfg := resilience.DefaultConfig()
	cfg.Breaker.Base = time.Hour

	svc, err := resilience.NewService(&cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	key := resilience.Key{Account: "username", Host: "imap.invalid"}
	for i := 0; i < cfg.Breaker.Threshold; i++ {
		svc.Observe(key, resilience.StepConnect, time.Millisecond, mailerr.New(mailerr.KindRefused, "dial", errors.New("refused")))
	}

	f := &countingFactory{}
	c, err := NewClient(&Config{
		ClientConfig: imap.ClientConfig{Account: "username", Host: "imap.invalid", Port: 143},
		Factory:      f,
		Resilience:   svc,
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, c.Logout())
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.calls))
}
