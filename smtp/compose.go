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

package smtp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-message/mail"

	mimeutil "github.com/vs49688/mailwire/mime"
)

var errNoBody = errors.New("message has no body")

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outgoing is a message to compose. Bcc recipients are delivered to but
// never written into the header.
type Outgoing struct {
	From        *mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	Bcc         []*mail.Address
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	Date        time.Time
}

// Recipients returns the envelope recipients, without duplicates.
func (o *Outgoing) Recipients() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]*mail.Address{o.To, o.Cc, o.Bcc} {
		for _, a := range list {
			key := strings.ToLower(a.Address)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, a.Address)
		}
	}
	return out
}

// Message composes o into a deliverable message.
func (o *Outgoing) Message() (*Message, error) {
	data, err := Compose(o)
	if err != nil {
		return nil, err
	}

	return &Message{
		From: o.From.Address,
		To:   o.Recipients(),
		Data: data,
	}, nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" || isASCII(a.Name) {
		return a.String()
	}
	return mimeutil.EncodeHeader(a.Name) + " <" + a.Address + ">"
}

func formatAddressList(list []*mail.Address) string {
	s := make([]string, 0, len(list))
	for _, a := range list {
		s = append(s, formatAddress(a))
	}
	return strings.Join(s, ", ")
}

func textHeader(contentType string) mail.InlineHeader {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return h
}

func writePart(w io.WriteCloser, body string) error {
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func writeAlternative(iw *mail.InlineWriter, o *Outgoing) error {
	for _, p := range []struct {
		contentType string
		body        string
	}{
		{"text/plain", o.Text},
		{"text/html", o.HTML},
	} {
		if p.body == "" {
			continue
		}

		w, err := iw.CreatePart(textHeader(p.contentType))
		if err != nil {
			return err
		}

		if err := writePart(w, p.body); err != nil {
			return err
		}
	}
	return iw.Close()
}

// Compose renders o as an RFC 5322 message. Both text and HTML bodies
// yield multipart/alternative; attachments wrap that in multipart/mixed.
func Compose(o *Outgoing) ([]byte, error) {
	if o.Text == "" && o.HTML == "" && len(o.Attachments) == 0 {
		return nil, errNoBody
	}

	var h mail.Header
	date := o.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.Set("MIME-Version", "1.0")
	h.Set("From", formatAddress(o.From))
	if len(o.To) > 0 {
		h.Set("To", formatAddressList(o.To))
	}
	if len(o.Cc) > 0 {
		h.Set("Cc", formatAddressList(o.Cc))
	}
	h.Set("Subject", mimeutil.EncodeHeader(o.Subject))
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch {
	case len(o.Attachments) > 0:
		mw, err := mail.CreateWriter(&buf, h)
		if err != nil {
			return nil, err
		}

		if o.Text != "" || o.HTML != "" {
			iw, err := mw.CreateInline()
			if err != nil {
				return nil, err
			}

			if err := writeAlternative(iw, o); err != nil {
				return nil, err
			}
		}

		for _, a := range o.Attachments {
			var ah mail.AttachmentHeader
			ct := a.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			ah.SetContentType(ct, nil)
			ah.SetFilename(a.Filename)
			ah.Set("Content-Transfer-Encoding", "base64")

			w, err := mw.CreateAttachment(ah)
			if err != nil {
				return nil, err
			}

			if _, err := w.Write(a.Data); err != nil {
				return nil, err
			}

			if err := w.Close(); err != nil {
				return nil, err
			}
		}

		if err := mw.Close(); err != nil {
			return nil, err
		}

	case o.Text != "" && o.HTML != "":
		iw, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}

		if err := writeAlternative(iw, o); err != nil {
			return nil, err
		}

	default:
		contentType, body := "text/plain", o.Text
		if o.HTML != "" {
			contentType, body = "text/html", o.HTML
		}

		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")

		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}

		if err := writePart(w, body); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
