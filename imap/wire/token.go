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

package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type TokenKind int

const (
	TokenAtom TokenKind = iota
	TokenString
	TokenNil
	TokenList
)

// Token is one node of a parsed response: an atom, a string (quoted or
// literal), NIL, or a parenthesised list.
type Token struct {
	Kind  TokenKind
	Value string
	List  []Token
}

var (
	errUnterminatedString = errors.New("unterminated quoted string")
	errUnterminatedList   = errors.New("unterminated list")
	errUnexpectedClose    = errors.New("unexpected ')'")
	errBadLiteral         = errors.New("malformed literal")
)

// IsNil reports whether the token is NIL.
func (t Token) IsNil() bool {
	return t.Kind == TokenNil
}

// Text returns the value of an atom or string token, "" for NIL and
// false for a list.
func (t Token) Text() (string, bool) {
	switch t.Kind {
	case TokenAtom, TokenString:
		return t.Value, true
	case TokenNil:
		return "", true
	default:
		return "", false
	}
}

// Number parses an atom as an unsigned integer.
func (t Token) Number() (uint64, bool) {
	if t.Kind != TokenAtom {
		return 0, false
	}

	n, err := strconv.ParseUint(t.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (t Token) String() string {
	switch t.Kind {
	case TokenNil:
		return "NIL"
	case TokenString:
		return Quote(t.Value)
	case TokenList:
		parts := make([]string, len(t.List))
		for i, c := range t.List {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return t.Value
	}
}

type tokenizer struct {
	s   string
	pos int
}

// Parse tokenizes a logical response line.
func Parse(s string) ([]Token, error) {
	t := &tokenizer{s: s}
	toks, err := t.parseUntil(false)
	if err != nil {
		return nil, fmt.Errorf("at offset %v: %w", t.pos, err)
	}
	return toks, nil
}

func (t *tokenizer) parseUntil(inList bool) ([]Token, error) {
	var toks []Token
	for {
		t.skipSpace()
		if t.pos >= len(t.s) {
			if inList {
				return nil, errUnterminatedList
			}
			return toks, nil
		}

		switch c := t.s[t.pos]; c {
		case ')':
			if !inList {
				return nil, errUnexpectedClose
			}
			t.pos++
			return toks, nil
		case '(':
			t.pos++
			children, err := t.parseUntil(true)
			if err != nil {
				return nil, err
			}
			toks = append(toks, Token{Kind: TokenList, List: children})
		case '"':
			s, err := t.quoted()
			if err != nil {
				return nil, err
			}
			toks = append(toks, Token{Kind: TokenString, Value: s})
		case '{':
			s, err := t.literal()
			if err != nil {
				return nil, err
			}
			toks = append(toks, Token{Kind: TokenString, Value: s})
		default:
			atom := t.atom()
			if strings.EqualFold(atom, "NIL") {
				toks = append(toks, Token{Kind: TokenNil})
			} else {
				toks = append(toks, Token{Kind: TokenAtom, Value: atom})
			}
		}
	}
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.s) {
		switch t.s[t.pos] {
		case ' ', '\t', '\r', '\n':
			t.pos++
		default:
			return
		}
	}
}

func (t *tokenizer) quoted() (string, error) {
	var b strings.Builder
	t.pos++
	for t.pos < len(t.s) {
		c := t.s[t.pos]
		t.pos++
		switch c {
		case '\\':
			if t.pos >= len(t.s) {
				return "", errUnterminatedString
			}
			b.WriteByte(t.s[t.pos])
			t.pos++
		case '"':
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", errUnterminatedString
}

// literal reads {n}CRLF followed by n bytes.
func (t *tokenizer) literal() (string, error) {
	end := strings.IndexByte(t.s[t.pos:], '}')
	if end < 0 {
		return "", errBadLiteral
	}

	n, err := strconv.Atoi(strings.TrimSuffix(t.s[t.pos+1:t.pos+end], "+"))
	if err != nil || n < 0 {
		return "", errBadLiteral
	}

	t.pos += end + 1
	if strings.HasPrefix(t.s[t.pos:], "\r\n") {
		t.pos += 2
	} else if strings.HasPrefix(t.s[t.pos:], "\n") {
		t.pos++
	}

	if t.pos+n > len(t.s) {
		return "", errBadLiteral
	}

	s := t.s[t.pos : t.pos+n]
	t.pos += n
	return s, nil
}

// atom reads up to the next delimiter. Brackets are consumed as a unit
// so section specs like BODY[HEADER.FIELDS (SUBJECT)]<0> stay whole.
func (t *tokenizer) atom() string {
	start := t.pos
	depth := 0
	for t.pos < len(t.s) {
		c := t.s[t.pos]
		if depth == 0 {
			switch c {
			case ' ', '(', ')', '"', '\t', '\r', '\n':
				return t.s[start:t.pos]
			}
		}

		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		}
		t.pos++
	}
	return t.s[start:]
}
