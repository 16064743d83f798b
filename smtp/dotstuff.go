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
)

// DotStuff prepends a '.' to every line that starts with one.
func DotStuff(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 16)

	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(b)
		atLineStart = b == '\n'
	}
	return out.Bytes()
}

// DotUnstuff reverses DotStuff.
func DotUnstuff(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))

	atLineStart := true
	for _, b := range data {
		if atLineStart && b == '.' {
			atLineStart = false
			continue
		}
		out.WriteByte(b)
		atLineStart = b == '\n'
	}
	return out.Bytes()
}

// toCRLF converts bare LF line endings to CRLF and makes sure data ends
// with a line break.
func toCRLF(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 2)

	var prev byte
	for _, b := range data {
		if b == '\n' && prev != '\r' {
			out.WriteByte('\r')
		}
		out.WriteByte(b)
		prev = b
	}

	if !bytes.HasSuffix(out.Bytes(), []byte("\r\n")) {
		out.WriteString("\r\n")
	}
	return out.Bytes()
}
