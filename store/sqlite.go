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

// Package store keeps retrieved messages and attachment blobs in a
// SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/receiver"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	errHashMismatch = errors.New("blob hash mismatch")
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	account       TEXT    NOT NULL,
	folder        TEXT    NOT NULL,
	uid           INTEGER NOT NULL,
	subject       TEXT    NOT NULL,
	sender        TEXT    NOT NULL,
	internal_date INTEGER NOT NULL,
	flags         TEXT    NOT NULL,
	body          TEXT    NOT NULL,
	PRIMARY KEY (account, folder, uid)
);

CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

type messageRow struct {
	Account      string `db:"account"`
	Folder       string `db:"folder"`
	UID          uint32 `db:"uid"`
	Subject      string `db:"subject"`
	Sender       string `db:"sender"`
	InternalDate int64  `db:"internal_date"`
	Flags        string `db:"flags"`
	Body         string `db:"body"`
}

func (r *messageRow) envelope() (imap.Envelope, error) {
	env := imap.Envelope{
		UID:     r.UID,
		Subject: r.Subject,
		From:    r.Sender,
	}

	if r.InternalDate != 0 {
		env.InternalDate = time.Unix(r.InternalDate, 0).UTC()
	}

	if err := json.Unmarshal([]byte(r.Flags), &env.Flags); err != nil {
		return env, err
	}
	return env, nil
}

// Store implements receiver.Cache and receiver.BlobStore.
type Store struct {
	db  *sqlx.DB
	log *log.Entry
}

// Open opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string, logger *log.Entry) (*Store, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// One connection keeps ":memory:" databases whole and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, log: logger.WithField("component", "store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Headers returns envelopes newest UID first. A limit of zero or less
// means no limit.
func (s *Store) Headers(account string, folder string, limit int, offset int) ([]imap.Envelope, error) {
	if limit <= 0 {
		limit = -1
	}

	var rows []messageRow
	err := s.db.Select(&rows, `SELECT * FROM messages WHERE account = ? AND folder = ? ORDER BY uid DESC LIMIT ? OFFSET ?`,
		account, folder, limit, offset)
	if err != nil {
		return nil, err
	}

	envs := make([]imap.Envelope, 0, len(rows))
	for i := range rows {
		env, err := rows[i].envelope()
		if err != nil {
			return nil, fmt.Errorf("uid %v: %w", rows[i].UID, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *Store) BodyEntity(account string, folder string, uid uint32) (*receiver.Body, error) {
	var row messageRow
	err := s.db.Get(&row, `SELECT * FROM messages WHERE account = ? AND folder = ? AND uid = ?`, account, folder, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, receiver.ErrNotCached
	} else if err != nil {
		return nil, err
	}

	body := &receiver.Body{}
	if err := json.Unmarshal([]byte(row.Body), body); err != nil {
		return nil, fmt.Errorf("uid %v: %w", uid, err)
	}
	return body, nil
}

func (s *Store) StoreBody(account string, folder string, uid uint32, body *receiver.Body) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	flags, err := json.Marshal(body.Envelope.Flags)
	if err != nil {
		return err
	}

	row := messageRow{
		Account: account,
		Folder:  folder,
		UID:     uid,
		Subject: body.Envelope.Subject,
		Sender:  body.Envelope.From,
		Flags:   string(flags),
		Body:    string(data),
	}

	if !body.Envelope.InternalDate.IsZero() {
		row.InternalDate = body.Envelope.InternalDate.Unix()
	}

	_, err = s.db.NamedExec(`
		INSERT INTO messages (account, folder, uid, subject, sender, internal_date, flags, body)
		VALUES (:account, :folder, :uid, :subject, :sender, :internal_date, :flags, :body)
		ON CONFLICT (account, folder, uid) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			internal_date = excluded.internal_date,
			flags = excluded.flags,
			body = excluded.body`, &row)
	if err != nil {
		return err
	}

	s.log.WithFields(log.Fields{
		"account": account,
		"folder":  folder,
		"uid":     uid,
	}).Trace("store_body_saved")
	return nil
}

// Store saves data under hash. Blobs are immutable, so storing the same
// hash twice is a no-op.
func (s *Store) Store(data []byte, hash string) error {
	if receiver.HashBlob(data) != hash {
		return fmt.Errorf("%w: %v", errHashMismatch, hash)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO blobs (hash, data) VALUES (?, ?)`, hash, data)
	return err
}

func (s *Store) Retrieve(hash string) ([]byte, error) {
	var data []byte
	err := s.db.Get(&data, `SELECT data FROM blobs WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrBlobNotFound, hash)
	}
	return data, err
}
