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

package receiver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/fetchplan"
	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/mailerr"
	mimeutil "github.com/vs49688/mailwire/mime"
)

var errUnknownMessage = errors.New("unknown message")

// doFetch searches for new messages and retrieves up to FetchBufferSize
// of them. A failure ends the round; messages not yet retrieved are
// picked up by the next one.
func (mr *MailReceiver) doFetch(known map[uint32]struct{}) fetchResult {
	mr.log.Trace("receiver_fetching_messages")

	found, err := mr.client.Search(mr.cfg.Query)
	if err != nil {
		mr.log.WithError(err).Error("receiver_search_failed")
		return fetchResult{Err: err}
	}

	uids := newUIDs(found, known, mr.cfg.FetchBufferSize)
	mr.log.WithFields(log.Fields{
		"found": len(found),
		"new":   uids,
	}).Trace("receiver_search_succeeded")

	if len(uids) == 0 {
		return fetchResult{}
	}

	envelopes, err := mr.client.FetchEnvelopes(imap.NewSeqSet(uids...))
	if err != nil {
		mr.log.WithError(err).Error("receiver_envelope_fetch_failed")
		return fetchResult{Err: err}
	}

	var r fetchResult
	for _, env := range envelopes {
		body, err := mr.retrieve(env)
		if err != nil {
			mr.log.WithError(err).WithField("uid", env.UID).Error("receiver_retrieve_failed")
			r.Err = err
			break
		}

		r.Messages = append(r.Messages, &Message{UID: env.UID, Envelope: env, Body: body})
	}

	return r
}

// retrieve returns the cached body of a message, or downloads and caches
// it. The body structure drives the download; when it cannot be parsed
// the raw message is fetched and split instead.
func (mr *MailReceiver) retrieve(env imap.Envelope) (*Body, error) {
	e := mr.log.WithField("uid", env.UID)

	if mr.cfg.Cache != nil {
		body, err := mr.cfg.Cache.BodyEntity(mr.cfg.ClientConfig.Account, mr.cfg.Mailbox, env.UID)
		switch {
		case err == nil && body != nil:
			e.Trace("receiver_cache_hit")
			return body, nil
		case err != nil && !errors.Is(err, ErrNotCached):
			e.WithError(err).Warn("receiver_cache_read_failed")
		}
	}

	var body *Body
	bs, err := mr.client.FetchBodyStructure(env.UID)
	switch {
	case err == nil:
		plan := fetchplan.Build(bs)
		e.WithFields(log.Fields{
			"immediate": len(plan.Sections),
			"deferred":  len(plan.DeferredSections),
		}).Trace("receiver_planned")

		parts, err := mr.fetchSections(env.UID, plan.Sections)
		if err != nil {
			return nil, err
		}

		body = &Body{
			Envelope: env,
			Strategy: StrategyBodyStructure,
			Parts:    parts,
			Deferred: plan.DeferredSections,
		}
	case mailerr.KindOf(err) == mailerr.KindParse:
		e.WithError(err).Warn("receiver_bodystructure_unparsable")
		if body, err = mr.fetchRaw(env); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if mr.cfg.Cache != nil {
		if err := mr.cfg.Cache.StoreBody(mr.cfg.ClientConfig.Account, mr.cfg.Mailbox, env.UID, body); err != nil {
			return nil, fmt.Errorf("caching uid %v: %w", env.UID, err)
		}
	}

	return body, nil
}

// fetchSections downloads sections in size-bounded batches. Sections
// above the chunk size are fetched in windows. Parts are returned in the
// order of sections.
func (mr *MailReceiver) fetchSections(uid uint32, sections []fetchplan.Section) ([]Part, error) {
	got := make(map[string]Part, len(sections))

	for _, batch := range fetchplan.Batches(sections, mr.cfg.BatchThreshold) {
		var whole []fetchplan.Section
		for _, s := range batch {
			if !fetchplan.NeedsChunking(s, mr.cfg.ChunkSize) {
				whole = append(whole, s)
				continue
			}

			raw, err := mr.fetchChunked(uid, s)
			if err != nil {
				return nil, err
			}

			p, err := mr.makePart(s, raw)
			if err != nil {
				return nil, err
			}
			got[s.PartID] = *p
		}

		if len(whole) == 0 {
			continue
		}

		data, err := mr.client.FetchSections(uid, fetchplan.Specs(whole))
		if err != nil {
			return nil, err
		}

		for _, s := range whole {
			p, err := mr.makePart(s, data[s.SectionSpec])
			if err != nil {
				return nil, err
			}
			got[s.PartID] = *p
		}
	}

	parts := make([]Part, 0, len(got))
	for _, s := range sections {
		if p, ok := got[s.PartID]; ok {
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// fetchChunked reads a section window by window. A short window ends
// the section early.
func (mr *MailReceiver) fetchChunked(uid uint32, s fetchplan.Section) ([]byte, error) {
	// The declared size is only a claim, so grow per window.
	var out []byte
	for w := range fetchplan.EachWindow(s.ExpectedSize, mr.cfg.ChunkSize) {
		data, err := mr.client.FetchPartial(uid, s.SectionSpec, w.Offset, w.Length)
		if err != nil {
			return nil, err
		}

		if uint32(len(data)) > w.Length {
			data = data[:w.Length]
		}

		mr.log.WithFields(log.Fields{
			"uid":     uid,
			"section": s.SectionSpec,
			"offset":  w.Offset,
			"length":  len(data),
		}).Trace("receiver_chunk_fetched")

		out = append(out, data...)
		if uint32(len(data)) < w.Length {
			break
		}
	}
	return out, nil
}

// makePart decodes a fetched section. Data that cannot be decoded is
// kept as it arrived.
func (mr *MailReceiver) makePart(s fetchplan.Section, raw []byte) (*Part, error) {
	data, err := mimeutil.DecodePart(s.MIMEType, s.Params, s.Encoding, raw)
	if err != nil {
		mr.log.WithError(err).WithField("section", s.SectionSpec).Warn("receiver_decode_failed")
		data = raw
	}

	p := &Part{
		PartID:   s.PartID,
		MIMEType: s.MIMEType,
		Filename: s.Filename,
		Size:     len(data),
	}

	if s.IsBodyCandidate {
		p.Data = data
		return p, nil
	}

	return p, mr.keep(p, data)
}

// keep moves data to the blob store, or keeps it in the part when there
// is none.
func (mr *MailReceiver) keep(p *Part, data []byte) error {
	if mr.cfg.Blobs == nil {
		p.Data = data
		return nil
	}

	hash := HashBlob(data)
	if err := mr.cfg.Blobs.Store(data, hash); err != nil {
		return fmt.Errorf("storing part %v: %w", p.PartID, err)
	}
	p.BlobHash = hash
	return nil
}

// fetchRaw downloads the whole message and splits it locally.
func (mr *MailReceiver) fetchRaw(env imap.Envelope) (*Body, error) {
	data, err := mr.client.FetchSections(env.UID, []string{""})
	if err != nil {
		return nil, err
	}

	msg, err := mimeutil.ParseMessage(data[""])
	if err != nil {
		return nil, mailerr.New(mailerr.KindParse, "message", err)
	}

	body := &Body{Envelope: env, Strategy: msg.Strategy.String()}
	for i, mp := range msg.Parts {
		p := Part{
			PartID:   strconv.Itoa(i + 1),
			MIMEType: mp.MIMEType,
			Filename: mp.Filename,
			Size:     len(mp.Body),
		}

		if strings.HasPrefix(mp.MIMEType, "text/") && mp.Disposition != "attachment" {
			p.Data = mp.Body
		} else if err := mr.keep(&p, mp.Body); err != nil {
			return nil, err
		}

		body.Parts = append(body.Parts, p)
	}

	mr.log.WithFields(log.Fields{
		"uid":      env.UID,
		"strategy": body.Strategy,
		"parts":    len(body.Parts),
	}).Info("receiver_raw_fallback")
	return body, nil
}

// doAck flags messages \Seen and, if configured, deletes and expunges
// them.
func (mr *MailReceiver) doAck(uids []uint32) ackResult {
	set := imap.NewSeqSet(uids...)

	flags := []string{imap.SeenFlag}
	if mr.cfg.DeleteOnAck {
		flags = append(flags, imap.DeletedFlag)
	}

	if err := mr.client.Store(set, imap.AddFlags, flags); err != nil {
		mr.log.WithError(err).WithField("uids", uids).Error("receiver_store_failed")
		return ackResult{UIDs: uids, Err: err}
	}

	if mr.cfg.DeleteOnAck {
		// The expunged sequence numbers are of no use here; the flags
		// already say which messages are gone.
		if err := mr.client.Expunge(); err != nil {
			mr.log.WithError(err).Error("receiver_expunge_failed")
			return ackResult{UIDs: uids, Err: err}
		}
	}

	return ackResult{UIDs: uids}
}

// doDeferred downloads the deferred sections of a message into the blob
// store and returns the updated body.
func (mr *MailReceiver) doDeferred(uid uint32, body *Body) (*Body, []Part, error) {
	if body == nil && mr.cfg.Cache != nil {
		cached, err := mr.cfg.Cache.BodyEntity(mr.cfg.ClientConfig.Account, mr.cfg.Mailbox, uid)
		if err != nil && !errors.Is(err, ErrNotCached) {
			return nil, nil, err
		}
		body = cached
	}

	if body == nil {
		return nil, nil, fmt.Errorf("%w: uid %v", errUnknownMessage, uid)
	}

	var want, remain []fetchplan.Section
	for _, s := range body.Deferred {
		if s.Priority == fetchplan.Skip {
			remain = append(remain, s)
		} else {
			want = append(want, s)
		}
	}

	for i := range want {
		// Deferred sections are never body text.
		want[i].IsBodyCandidate = false
	}

	parts, err := mr.fetchSections(uid, want)
	if err != nil {
		return nil, nil, err
	}

	updated := *body
	updated.Parts = append(append([]Part{}, body.Parts...), parts...)
	updated.Deferred = remain

	if mr.cfg.Cache != nil {
		if err := mr.cfg.Cache.StoreBody(mr.cfg.ClientConfig.Account, mr.cfg.Mailbox, uid, &updated); err != nil {
			return nil, nil, fmt.Errorf("caching uid %v: %w", uid, err)
		}
	}

	mr.log.WithFields(log.Fields{
		"uid":   uid,
		"parts": len(parts),
	}).Info("receiver_deferred_fetched")
	return &updated, parts, nil
}
