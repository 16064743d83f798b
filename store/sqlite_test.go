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

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/fetchplan"
	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/receiver"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), nil)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBodies(t *testing.T) {
	s := openTestStore(t)

	_, err := s.BodyEntity("alice", "INBOX", 1)
	assert.True(t, errors.Is(err, receiver.ErrNotCached))

	date := time.Date(2024, 3, 5, 9, 11, 12, 0, time.UTC)
	for uid := uint32(1); uid <= 3; uid++ {
		err := s.StoreBody("alice", "INBOX", uid, &receiver.Body{
			Envelope: imap.Envelope{UID: uid, Subject: "Message", From: "bob@example.com", InternalDate: date, Flags: []string{imap.SeenFlag}},
			Strategy: receiver.StrategyBodyStructure,
			Parts:    []receiver.Part{{PartID: "1", MIMEType: "text/plain", Data: []byte("hello"), Size: 5}},
			Deferred: []fetchplan.Section{{PartID: "2", SectionSpec: "2", MIMEType: "application/pdf", Priority: fetchplan.Deferred, ExpectedSize: 100}},
		})
		if !assert.NoError(t, err) {
			t.FailNow()
		}
	}

	// Replacing keeps one row per uid.
	err = s.StoreBody("alice", "INBOX", 2, &receiver.Body{
		Envelope: imap.Envelope{UID: 2, Subject: "Updated"},
		Strategy: "boundary_heuristic",
	})
	assert.NoError(t, err)

	body, err := s.BodyEntity("alice", "INBOX", 1)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "hello", string(body.Parts[0].Data))
	assert.Equal(t, "2", body.Deferred[0].PartID)
	assert.True(t, date.Equal(body.Envelope.InternalDate))

	envs, err := s.Headers("alice", "INBOX", 2, 0)
	if !assert.NoError(t, err) || !assert.Len(t, envs, 2) {
		t.FailNow()
	}
	assert.Equal(t, uint32(3), envs[0].UID)
	assert.Equal(t, "Updated", envs[1].Subject)
	assert.True(t, envs[1].InternalDate.IsZero())

	envs, err = s.Headers("alice", "INBOX", 0, 2)
	assert.NoError(t, err)
	if assert.Len(t, envs, 1) {
		assert.Equal(t, uint32(1), envs[0].UID)
		assert.Equal(t, []string{imap.SeenFlag}, envs[0].Flags)
	}

	envs, err = s.Headers("bob", "INBOX", 0, 0)
	assert.NoError(t, err)
	assert.Empty(t, envs)
}

func TestBlobs(t *testing.T) {
	s := openTestStore(t)

	data := []byte("attachment data")
	hash := receiver.HashBlob(data)

	assert.NoError(t, s.Store(data, hash))
	assert.NoError(t, s.Store(data, hash))

	got, err := s.Retrieve(hash)
	assert.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Retrieve(receiver.HashBlob([]byte("other")))
	assert.True(t, errors.Is(err, ErrBlobNotFound))

	assert.True(t, errors.Is(s.Store(data, "0000"), errHashMismatch))
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:", nil)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer s.Close()

	assert.NoError(t, s.StoreBody("a", "b", 1, &receiver.Body{}))
	_, err = s.BodyEntity("a", "b", 1)
	assert.NoError(t, err)
}
