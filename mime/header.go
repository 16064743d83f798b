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

// Package mimeutil decodes MIME headers and messages, tolerating the
// malformed output real servers and mailers produce.
package mimeutil

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
)

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

	encodedWord    = regexp.MustCompile(`=\?([^?\s]+)\?([QqBb])\?([^?]*)\?=`)
	betweenWords   = regexp.MustCompile(`(\?=)[ \t\r\n]+(=\?)`)
	foldedLineWrap = regexp.MustCompile(`\r?\n[ \t]+`)

	errMalformed2231 = errors.New("malformed RFC 2231 value")
	errNoParts       = errors.New("message has no parts")
)

// DecodeHeader decodes RFC 2047 encoded words. Words that cannot be
// decoded strictly are decoded leniently; anything beyond repair is
// left as it was.
func DecodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}

	if dec, err := wordDecoder.DecodeHeader(s); err == nil && !encodedWord.MatchString(dec) {
		return dec
	}

	s = betweenWords.ReplaceAllString(s, "$1$2")
	return encodedWord.ReplaceAllStringFunc(s, func(word string) string {
		m := encodedWord.FindStringSubmatch(word)
		data, err := decodeWordText(m[2], m[3])
		if err != nil {
			return word
		}
		return toUTF8(m[1], data)
	})
}

func decodeWordText(encoding string, text string) ([]byte, error) {
	switch encoding {
	case "B", "b":
		data, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
		}
		return data, err
	default:
		return decodeQ(text), nil
	}
}

// decodeQ maps '_' to a space and =XX to a byte. Invalid escapes are
// kept verbatim.
func decodeQ(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '_':
			out = append(out, ' ')
		case c == '=' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// toUTF8 converts data from the named charset. Unknown charsets fall back
// to the raw bytes when they are valid UTF-8, and Latin-1 otherwise.
func toUTF8(name string, data []byte) string {
	if i := strings.IndexByte(name, '*'); i >= 0 {
		// RFC 2231 language suffix
		name = name[:i]
	}

	switch strings.ToLower(name) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		if utf8.Valid(data) {
			return string(data)
		}
	}

	if r, err := charset.Reader(name, bytes.NewReader(data)); err == nil {
		if out, err := io.ReadAll(r); err == nil {
			return string(out)
		}
	}

	if utf8.Valid(data) {
		return string(data)
	}

	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// EncodeHeader B-encodes s as UTF-8 when it contains non-ASCII text.
func EncodeHeader(s string) string {
	return mime.BEncoding.Encode("utf-8", s)
}

// DecodeRFC2231 decodes an extended parameter value of the form
// charset'language'percent-encoded-text. A value without the charset
// prefix is only percent-decoded.
func DecodeRFC2231(value string) (string, error) {
	value = strings.Trim(value, `"`)

	cs := "utf-8"
	parts := strings.SplitN(value, "'", 3)
	switch len(parts) {
	case 3:
		if parts[0] != "" {
			cs = parts[0]
		}
		value = parts[2]
	case 1:
	default:
		return "", fmt.Errorf("%w: %q", errMalformed2231, value)
	}

	raw, err := url.PathUnescape(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformed2231, err)
	}
	return toUTF8(cs, []byte(raw)), nil
}

// UnfoldHeaders joins header continuation lines onto the previous line
// with a single space.
func UnfoldHeaders(raw string) string {
	return foldedLineWrap.ReplaceAllString(raw, " ")
}
