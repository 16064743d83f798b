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
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/mailerr"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

// scriptedServer hands the server side of a pipe to script after writing
// the greeting, and returns a Conn on the client side.
func scriptedServer(t *testing.T, cfg *ClientConfig, script func(r *bufio.Reader, w io.Writer)) *Conn {
	return scriptedServerWith(t, &transport.Config{CommandTimeout: 5 * time.Second}, cfg, script)
}

func scriptedServerWith(t *testing.T, tcfg *transport.Config, cfg *ClientConfig, script func(r *bufio.Reader, w io.Writer)) *Conn {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	done := make(chan struct{})
	t.Cleanup(func() {
		_ = server.Close()
		<-done
	})

	go func() {
		defer close(done)
		if _, err := server.Write([]byte("* OK [CAPABILITY IMAP4rev1 IDLE] ready\r\n")); err != nil {
			return
		}
		script(bufio.NewReader(server), server)
	}()

	if cfg == nil {
		cfg = &ClientConfig{}
	}

	c, err := NewConn(transport.NewSession(client, tcfg), cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return c
}

func expectLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func TestGreetingCapabilities(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {})
	assert.Equal(t, []string{"IMAP4rev1", "IDLE"}, c.Capabilities())
	assert.True(t, c.Support("idle"))
	assert.False(t, c.Support("SPECIAL-USE"))
}

func TestTagsIncrease(t *testing.T) {
	var seen []string
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		for i := 0; i < 3; i++ {
			line := expectLine(r)
			tag, _, _ := strings.Cut(line, " ")
			seen = append(seen, tag)
			_, _ = io.WriteString(w, tag+" OK NOOP completed\r\n")
		}
	})

	for i := 0; i < 3; i++ {
		assert.NoError(t, c.Noop())
	}
	assert.Equal(t, []string{"A1", "A2", "A3"}, seen)
}

func TestFetchSectionLiteral(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 7 (BODY.PEEK[1] BODY.PEEK[2])", expectLine(r))
		_, _ = io.WriteString(w, "* 1 FETCH (UID 7 BODY[1] {15}\r\nA1 OK spoofed\r\n BODY[2] \"two\")\r\nA1 OK FETCH completed\r\n")
	})

	sections, err := c.FetchSections(7, []string{"1", "2"})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "A1 OK spoofed\r\n", string(sections["1"]))
	assert.Equal(t, "two", string(sections["2"]))
}

func assertTornDown(t *testing.T, c *Conn, err error) {
	if !assert.Error(t, err) {
		t.FailNow()
	}

	assert.Equal(t, mailerr.KindParse, mailerr.KindOf(err))

	select {
	case <-c.LoggedOut():
	default:
		t.Error("connection not torn down")
	}
	assert.Error(t, c.Noop())
}

func TestFetchOversizeLiteral(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 7 (BODY.PEEK[1])", expectLine(r))
		_, _ = io.WriteString(w, "* 1 FETCH (UID 7 BODY[1] {99999999999999999}\r\n")
	})

	_, err := c.FetchSections(7, []string{"1"})
	assertTornDown(t, c, err)
	assert.True(t, errors.Is(err, transport.ErrLiteralTooLarge))
}

func TestFetchUnparsableLiteralSize(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 7 (BODY.PEEK[1])", expectLine(r))
		_, _ = io.WriteString(w, "* 1 FETCH (UID 7 BODY[1] {999999999999999999999999}\r\n")
	})

	_, err := c.FetchSections(7, []string{"1"})
	assertTornDown(t, c, err)
}

func TestFetchLiteralsShareLimit(t *testing.T) {
	tcfg := &transport.Config{CommandTimeout: 5 * time.Second, MaxLiteralSize: 8}
	c := scriptedServerWith(t, tcfg, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 7 (BODY.PEEK[1] BODY.PEEK[2])", expectLine(r))
		_, _ = io.WriteString(w, "* 1 FETCH (UID 7 BODY[1] {5}\r\nabcde BODY[2] {5}\r\nfghij)\r\nA1 OK done\r\n")
	})

	_, err := c.FetchSections(7, []string{"1", "2"})
	assertTornDown(t, c, err)
	assert.True(t, errors.Is(err, transport.ErrLiteralTooLarge))
}

func TestFetchPartial(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 9 (BODY.PEEK[2]<1024.512>)", expectLine(r))
		_, _ = io.WriteString(w, "* 4 FETCH (UID 9 BODY[2]<1024> {5}\r\nabcde)\r\nA1 OK done\r\n")
	})

	data, err := c.FetchPartial(9, "2", 1024, 512)
	assert.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
}

func TestFetchEnvelopes(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 3:4 (ENVELOPE INTERNALDATE FLAGS)", expectLine(r))
		_, _ = io.WriteString(w, strings.Join([]string{
			`* 1 FETCH (UID 3 FLAGS (\Seen) INTERNALDATE "05-Mar-2024 10:11:12 +0100" ENVELOPE ("Tue, 5 Mar 2024 10:11:12 +0100" "=?UTF-8?Q?Gr=C3=BC=C3=9Fe?=" (("Jane Doe" NIL "jane" "example.com")) NIL NIL NIL NIL NIL NIL "<1@example.com>"))`,
			`* 2 FETCH (UID 4 FLAGS () INTERNALDATE " 6-Mar-2024 00:00:00 +0000" ENVELOPE (NIL {5}`,
			`hello ((NIL NIL "bob" "example.org")) NIL NIL NIL NIL NIL NIL NIL))`,
			"A1 OK FETCH completed",
		}, "\r\n")+"\r\n")
	})

	envs, err := c.FetchEnvelopes(NewSeqSet(3, 4))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	if !assert.Len(t, envs, 2) {
		t.FailNow()
	}

	assert.Equal(t, uint32(3), envs[0].UID)
	assert.Equal(t, "Grüße", envs[0].Subject)
	assert.Equal(t, "Jane Doe <jane@example.com>", envs[0].From)
	assert.Equal(t, []string{`\Seen`}, envs[0].Flags)
	assert.True(t, envs[0].HasFlag(SeenFlag))
	assert.True(t, time.Date(2024, 3, 5, 9, 11, 12, 0, time.UTC).Equal(envs[0].InternalDate))

	assert.Equal(t, uint32(4), envs[1].UID)
	assert.Equal(t, "hello", envs[1].Subject)
	assert.Equal(t, "bob@example.org", envs[1].From)
	assert.Empty(t, envs[1].Flags)
	assert.Equal(t, 6, envs[1].InternalDate.Day())
}

func TestFetchFlags(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 UID FETCH 1:2 (FLAGS)", expectLine(r))
		_, _ = io.WriteString(w, "* 1 FETCH (UID 1 FLAGS (\\Seen \\Flagged))\r\n* 2 FETCH (FLAGS () UID 2)\r\nA1 OK\r\n")
	})

	flags, err := c.FetchFlags(NewSeqSet(1, 2))
	assert.NoError(t, err)
	assert.Equal(t, map[uint32][]string{
		1: {`\Seen`, `\Flagged`},
		2: {},
	}, flags)
}

func TestSelectAndSearch(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, `A1 SELECT "INBOX"`, expectLine(r))
		_, _ = io.WriteString(w, strings.Join([]string{
			`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`,
			`* 172 EXISTS`,
			`* 1 RECENT`,
			`* OK [UIDVALIDITY 3857529045] UIDs valid`,
			`* OK [UIDNEXT 4392] Predicted next UID`,
			`* OK [PERMANENTFLAGS (\Deleted \Seen \*)] Limited`,
			`A1 OK [READ-WRITE] SELECT completed`,
		}, "\r\n")+"\r\n")

		assert.Equal(t, `A2 UID SEARCH UNSEEN`, expectLine(r))
		_, _ = io.WriteString(w, "* SEARCH 4390 4391\r\nA2 OK SEARCH completed\r\n")
	})

	status, err := c.Select("INBOX", false)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, &MailboxStatus{
		Name:           "INBOX",
		Exists:         172,
		Recent:         1,
		UIDValidity:    3857529045,
		UIDNext:        4392,
		Flags:          []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`},
		PermanentFlags: []string{`\Deleted`, `\Seen`, `\*`},
	}, status)

	uids, err := c.Search("UNSEEN")
	assert.NoError(t, err)
	assert.Equal(t, []uint32{4390, 4391}, uids)
}

func TestListSpecialUse(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	go func() {
		defer server.Close()
		_, _ = io.WriteString(server, "* OK [CAPABILITY IMAP4rev1 SPECIAL-USE] hi\r\n")

		r := bufio.NewReader(server)
		assert.Equal(t, `A1 LIST (SPECIAL-USE) "" "*"`, expectLine(r))
		_, _ = io.WriteString(server, "* LIST (\\HasNoChildren \\Sent) \"/\" \"Sent Items\"\r\n* LIST (\\Trash) \"/\" \"&AMQ-rger\"\r\nA1 OK\r\n")
	}()

	c, err := NewConn(transport.NewSession(client, &transport.Config{}), &ClientConfig{})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	mboxes, err := c.List(true)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	if !assert.Len(t, mboxes, 2) {
		t.FailNow()
	}

	assert.Equal(t, "Sent Items", mboxes[0].Name)
	assert.Equal(t, "/", mboxes[0].Delimiter)
	assert.True(t, mboxes[0].HasAttr(SentAttr))
	assert.Equal(t, "Ärger", mboxes[1].Name)
}

func TestStoreAndExpunge(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, `A1 UID STORE 5:6 +FLAGS.SILENT (\Seen \Deleted)`, expectLine(r))
		_, _ = io.WriteString(w, "A1 OK\r\n")
		assert.Equal(t, `A2 EXPUNGE`, expectLine(r))
		_, _ = io.WriteString(w, "* 1 EXPUNGE\r\n* 1 EXPUNGE\r\nA2 OK\r\n")
	})

	assert.NoError(t, c.Store(NewSeqSet(5, 6), AddFlags, []string{SeenFlag, DeletedFlag}))
	assert.NoError(t, c.Expunge())
}

func TestAppendLiteral(t *testing.T) {
	msg := "Subject: hi\r\n\r\nbody\r\n"
	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, `A1 APPEND "Sent" (\Seen) " 2-Jan-2024 03:04:05 +0000" {21}`, expectLine(r))
		_, _ = io.WriteString(w, "+ Ready for literal data\r\n")

		buf := make([]byte, len(msg)+2)
		_, _ = io.ReadFull(r, buf)
		assert.Equal(t, msg+"\r\n", string(buf))
		_, _ = io.WriteString(w, "A1 OK APPEND completed\r\n")
	})

	assert.NoError(t, c.Append("Sent", []string{SeenFlag}, date, []byte(msg)))
}

func TestLoginRejected(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, `A1 LOGIN "user" "pa\"ss"`, expectLine(r))
		_, _ = io.WriteString(w, "A1 NO [AUTHENTICATIONFAILED] Invalid credentials\r\n")
	})

	err := c.Login("user", `pa"ss`)
	if !assert.Error(t, err) {
		t.FailNow()
	}

	assert.Equal(t, mailerr.KindAuth, mailerr.KindOf(err))

	var serr *StatusError
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, "AUTHENTICATIONFAILED", serr.Code)
}

func TestBadIsProtocolError(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		expectLine(r)
		_, _ = io.WriteString(w, "A1 BAD Unknown command\r\n")
	})

	err := c.Noop()
	assert.Equal(t, mailerr.KindProtocol, mailerr.KindOf(err))
	assert.True(t, mailerr.IsPermanent(err))
}

func TestIdle(t *testing.T) {
	updates := make(chan Update, 4)
	c := scriptedServer(t, &ClientConfig{Updates: updates}, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 IDLE", expectLine(r))
		_, _ = io.WriteString(w, "+ idling\r\n* 3 EXISTS\r\n")
		assert.Equal(t, "DONE", expectLine(r))
		_, _ = io.WriteString(w, "A1 OK IDLE terminated\r\n")
	})

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- c.Idle(stop) }()

	select {
	case u := <-updates:
		assert.Equal(t, Update{Kind: UpdateExists, Num: 3}, u)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}

	close(stop)
	assert.NoError(t, <-errCh)
}

func TestStartTLSRefusesInjectedData(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 STARTTLS", expectLine(r))
		_, _ = io.WriteString(w, "A1 OK Begin TLS negotiation now\r\n* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] injected\r\n")
	})

	err := c.StartTLS()
	if !assert.Error(t, err) {
		t.FailNow()
	}

	assert.True(t, errors.Is(err, transport.ErrBufferedData))
	assert.Equal(t, mailerr.KindProtocol, mailerr.KindOf(err))

	select {
	case <-c.LoggedOut():
	default:
		t.Error("connection not torn down")
	}
}

func TestObserverReportsSteps(t *testing.T) {
	var (
		mu    sync.Mutex
		steps []resilience.Step
	)

	cfg := &ClientConfig{Observer: func(step resilience.Step, took time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, step)
	}}

	c := scriptedServer(t, cfg, func(r *bufio.Reader, w io.Writer) {
		expectLine(r)
		_, _ = io.WriteString(w, "* SEARCH\r\nA1 OK\r\n")
		expectLine(r)
		_, _ = io.WriteString(w, "* 1 FETCH (UID 1 FLAGS ())\r\nA2 OK\r\n")
	})

	_, err := c.Search("ALL")
	assert.NoError(t, err)
	_, err = c.FetchFlags(NewSeqSet(1))
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []resilience.Step{resilience.StepSearch, resilience.StepFetch, resilience.StepParse}, steps)
}

func TestCommandAfterLogoutFails(t *testing.T) {
	c := scriptedServer(t, nil, func(r *bufio.Reader, w io.Writer) {
		assert.Equal(t, "A1 LOGOUT", expectLine(r))
		_, _ = io.WriteString(w, "* BYE logging out\r\nA1 OK LOGOUT completed\r\n")
	})

	assert.NoError(t, c.Logout())
	assert.Error(t, c.Noop())
}
