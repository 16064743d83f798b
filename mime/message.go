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

package mimeutil

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Strategy records how a message was split into parts.
type Strategy int

const (
	StrategyStructured Strategy = iota
	StrategyBoundaryHeuristic
	StrategySinglePart
)

func (s Strategy) String() string {
	switch s {
	case StrategyStructured:
		return "structured"
	case StrategyBoundaryHeuristic:
		return "boundary_heuristic"
	default:
		return "single_part"
	}
}

// Part is one decoded leaf of a message. Body has its transfer encoding
// removed and, for text, is converted to UTF-8.
type Part struct {
	MIMEType    string
	Params      map[string]string
	Disposition string
	Filename    string
	Body        []byte
}

type Message struct {
	Subject  string
	From     string
	Parts    []Part
	Strategy Strategy
}

const (
	minBoundaryLen = 10
	maxBoundaryLen = 100
)

// ParseMessage splits a raw RFC 5322 message into parts. Structured
// parsing is tried first; when it fails a boundary heuristic is used,
// and as a last resort the whole body becomes a single text/plain part.
func ParseMessage(raw []byte) (*Message, error) {
	if msg, err := parseStructured(raw); err == nil {
		return msg, nil
	}

	header, body := splitHeader(raw)
	msg := &Message{
		Subject: DecodeHeader(UnfoldHeaders(header.Get("Subject"))),
		From:    DecodeHeader(UnfoldHeaders(header.Get("From"))),
	}

	if parts := splitOnBoundary(body); len(parts) > 0 {
		msg.Strategy = StrategyBoundaryHeuristic
		msg.Parts = parts
		return msg, nil
	}

	msg.Strategy = StrategySinglePart
	msg.Parts = []Part{{
		MIMEType: "text/plain",
		Params:   map[string]string{"charset": "utf-8"},
		Body:     body,
	}}
	return msg, nil
}

func parseStructured(raw []byte) (*Message, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	msg := &Message{
		Subject:  DecodeHeader(UnfoldHeaders(e.Header.Get("Subject"))),
		From:     DecodeHeader(UnfoldHeaders(e.Header.Get("From"))),
		Strategy: StrategyStructured,
	}

	err = e.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}

		if mt, _, _ := part.Header.ContentType(); strings.HasPrefix(strings.ToLower(mt), "multipart/") {
			return nil
		}

		p, err := readPart(part)
		if err != nil {
			return err
		}
		msg.Parts = append(msg.Parts, *p)
		return nil
	})

	if err != nil {
		return nil, err
	}

	if len(msg.Parts) == 0 {
		return nil, errNoParts
	}
	return msg, nil
}

func readPart(e *message.Entity) (*Part, error) {
	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if params == nil {
		params = map[string]string{}
	}

	disp, dispParams, _ := e.Header.ContentDisposition()

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, err
	}

	p := &Part{
		MIMEType:    strings.ToLower(mediaType),
		Params:      params,
		Disposition: strings.ToLower(disp),
		Body:        body,
	}

	switch {
	case dispParams["filename"] != "":
		p.Filename = DecodeHeader(dispParams["filename"])
	case params["name"] != "":
		p.Filename = DecodeHeader(params["name"])
	}

	return p, nil
}

// splitHeader reads the header block. An unparsable header yields an
// empty header and the whole input as body.
func splitHeader(raw []byte) (message.Header, []byte) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return message.Header{}, raw
	}

	body, _ := io.ReadAll(br)
	return message.Header{Header: h}, body
}

// splitOnBoundary looks for the most frequent boundary-looking line and
// splits body on it. Each piece is parsed as a part with its own header.
func splitOnBoundary(body []byte) []Part {
	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")

	counts := map[string]int{}
	best := ""
	for _, line := range lines {
		b, ok := boundaryOf(line)
		if !ok {
			continue
		}

		counts[b]++
		if counts[b] > counts[best] || (counts[b] == counts[best] && len(b) > len(best)) {
			best = b
		}
	}

	if best == "" {
		return nil
	}

	var (
		parts   []Part
		current []string
		inPart  bool
	)

	flush := func() {
		if inPart {
			if p := decodeLoosePart(strings.Join(current, "\r\n")); p != nil {
				parts = append(parts, *p)
			}
		}
		current = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		switch trimmed {
		case "--" + best:
			flush()
			inPart = true
		case "--" + best + "--":
			flush()
			inPart = false
		default:
			if inPart {
				current = append(current, line)
			}
		}
	}
	flush()

	return parts
}

// boundaryOf reports whether line looks like a delimiter: a "--" prefix,
// 10 to 100 characters, containing alphanumerics.
func boundaryOf(line string) (string, bool) {
	line = strings.TrimRight(line, " \t\r")
	if !strings.HasPrefix(line, "--") || len(line) < minBoundaryLen || len(line) > maxBoundaryLen {
		return "", false
	}

	b := strings.TrimSuffix(line[2:], "--")
	for _, c := range b {
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			return b, true
		}
	}
	return "", false
}

func decodeLoosePart(raw string) *Part {
	raw = strings.TrimLeft(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	h, body := splitHeader([]byte(raw))
	if h.Len() == 0 {
		return &Part{MIMEType: "text/plain", Params: map[string]string{}, Body: []byte(raw)}
	}

	e, err := message.New(h, bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return &Part{MIMEType: "text/plain", Params: map[string]string{}, Body: body}
	}

	p, err := readPart(e)
	if err != nil {
		return &Part{MIMEType: "text/plain", Params: map[string]string{}, Body: body}
	}
	return p
}

// DecodePart removes the transfer encoding from a fetched section and
// converts text to UTF-8.
func DecodePart(mimeType string, params map[string]string, encoding string, data []byte) ([]byte, error) {
	var h message.Header
	h.SetContentType(mimeType, params)
	if encoding != "" {
		h.Set("Content-Transfer-Encoding", encoding)
	}

	e, err := message.New(h, bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return io.ReadAll(e.Body)
}
