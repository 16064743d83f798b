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
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"

	"github.com/vs49688/mailwire/imap/wire"
	"github.com/vs49688/mailwire/mailerr"
	mimeutil "github.com/vs49688/mailwire/mime"
)

type fetchResult struct {
	Seq   uint32
	UID   uint32
	Items map[string]wire.Token
}

// parseFetchLine parses "* n FETCH (k v k v ...)". Lines that are not
// FETCH responses return ok=false.
func parseFetchLine(line string) (*fetchResult, bool, error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 4 || fields[0] != "*" || !strings.EqualFold(fields[2], "FETCH") {
		return nil, false, nil
	}

	seq, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, false, nil
	}

	toks, err := wire.Parse(fields[3])
	if err != nil {
		return nil, false, mailerr.New(mailerr.KindParse, "FETCH", err)
	}

	if len(toks) != 1 || toks[0].Kind != wire.TokenList || len(toks[0].List)%2 != 0 {
		return nil, false, mailerr.Errorf(mailerr.KindParse, "FETCH", "malformed FETCH data for message %v", seq)
	}

	r := &fetchResult{Seq: uint32(seq), Items: make(map[string]wire.Token, len(toks[0].List)/2)}
	items := toks[0].List
	for i := 0; i < len(items); i += 2 {
		if items[i].Kind != wire.TokenAtom {
			return nil, false, mailerr.Errorf(mailerr.KindParse, "FETCH", "non-atom item name in message %v", seq)
		}
		r.Items[strings.ToUpper(items[i].Value)] = items[i+1]
	}

	if tok, ok := r.Items["UID"]; ok {
		n, ok := tok.Number()
		if !ok || n > uint64(^uint32(0)) {
			return nil, false, mailerr.Errorf(mailerr.KindParse, "FETCH", "invalid UID in message %v", seq)
		}
		r.UID = uint32(n)
	}

	return r, true, nil
}

// section finds BODY[spec] or, for offset >= 0, BODY[spec]<offset>.
func (r *fetchResult) section(spec string, offset int64) ([]byte, bool) {
	key := "BODY[" + strings.ToUpper(spec) + "]"
	if offset >= 0 {
		key += "<" + strconv.FormatInt(offset, 10) + ">"
	}

	tok, ok := r.Items[key]
	if !ok && offset == 0 {
		// Some servers omit the origin octet for offset zero.
		tok, ok = r.Items["BODY["+strings.ToUpper(spec)+"]"]
	}

	if !ok {
		return nil, false
	}

	v, ok := tok.Text()
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

// envelope builds an Envelope from ENVELOPE, INTERNALDATE and FLAGS.
func (r *fetchResult) envelope() (*Envelope, error) {
	env := &Envelope{UID: r.UID}

	if tok, ok := r.Items["FLAGS"]; ok {
		env.Flags = tokenFlags(tok)
	}

	if tok, ok := r.Items["INTERNALDATE"]; ok {
		if s, ok := tok.Text(); ok && s != "" {
			t, err := time.Parse(imap.DateTimeLayout, s)
			if err != nil {
				return nil, mailerr.New(mailerr.KindParse, "INTERNALDATE", err)
			}
			env.InternalDate = t
		}
	}

	tok, ok := r.Items["ENVELOPE"]
	if !ok {
		return env, nil
	}

	if tok.Kind != wire.TokenList || len(tok.List) < 3 {
		return nil, mailerr.Errorf(mailerr.KindParse, "ENVELOPE", "malformed envelope for uid %v", r.UID)
	}

	if subject, ok := tok.List[1].Text(); ok {
		env.Subject = mimeutil.DecodeHeader(subject)
	}

	if from := tok.List[2]; from.Kind == wire.TokenList && len(from.List) > 0 {
		env.From = formatAddress(from.List[0])
	}

	return env, nil
}

// formatAddress renders (name adl mailbox host) as "Name <mailbox@host>",
// or the bare address without a name.
func formatAddress(tok wire.Token) string {
	if tok.Kind != wire.TokenList || len(tok.List) < 4 {
		return ""
	}

	name, _ := tok.List[0].Text()
	mailbox, _ := tok.List[2].Text()
	host, _ := tok.List[3].Text()

	addr := mailbox
	if host != "" {
		addr += "@" + host
	}

	name = mimeutil.DecodeHeader(name)
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}
