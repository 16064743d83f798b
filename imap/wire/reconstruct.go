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

// Package wire turns raw IMAP response lines into logical responses and
// tokenizes them.
package wire

import (
	"strings"
)

// Reconstruct joins physical response lines into logical ones. A line
// starting with "* " and mentioning FETCH opens a new logical line; a
// line starting with tag flushes whatever is in progress and is passed
// through; anything else continues the open line until its parentheses
// balance. Literal size markers are stripped from the result.
func Reconstruct(tag string, lines []string) []string {
	var (
		out     []string
		current strings.Builder
		open    bool
	)

	flush := func() {
		if open {
			out = append(out, StripLiteralMarkers(current.String()))
			current.Reset()
			open = false
		}
	}

	tagPrefix := tag + " "
	for _, line := range lines {
		switch {
		case tag != "" && strings.HasPrefix(line, tagPrefix):
			flush()
			out = append(out, line)
		case strings.HasPrefix(line, "* ") && strings.Contains(strings.ToUpper(line), "FETCH"):
			flush()
			current.WriteString(line)
			open = true
			if Balanced(current.String()) {
				flush()
			}
		case open:
			current.WriteByte(' ')
			current.WriteString(line)
			if Balanced(current.String()) {
				flush()
			}
		default:
			out = append(out, line)
		}
	}

	flush()
	return out
}

// StripLiteralMarkers removes every {n} marker and the whitespace after
// it. Markers inside quoted strings are content and are kept.
func StripLiteralMarkers(line string) string {
	var b strings.Builder
	b.Grow(len(line))

	inQuote := false
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			b.WriteByte(c)
			continue
		}

		if c == '"' {
			inQuote = true
			b.WriteByte(c)
			continue
		}

		if c == '{' {
			if end := markerEnd(line, i); end > 0 {
				for end < len(line) && (line[end] == ' ' || line[end] == '\t' || line[end] == '\r' || line[end] == '\n') {
					end++
				}
				i = end - 1
				continue
			}
		}

		b.WriteByte(c)
	}
	return b.String()
}

// markerEnd returns the index just past a {digits} marker starting at i,
// or 0 if there is none.
func markerEnd(line string, i int) int {
	j := i + 1
	for j < len(line) && line[j] >= '0' && line[j] <= '9' {
		j++
	}

	if j == i+1 || j >= len(line) || line[j] != '}' {
		return 0
	}
	return j + 1
}

// Balanced reports whether line ends in a closing parenthesis that closes
// every parenthesis opened before it. Parentheses inside quoted strings
// are ignored.
func Balanced(line string) bool {
	trimmed := strings.TrimRight(line, " \t\r\n")
	if !strings.HasSuffix(trimmed, ")") {
		return false
	}

	depth := 0
	inQuote := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			continue
		}

		switch c {
		case '"':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
		}
	}

	return depth <= 0 && !inQuote
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
