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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconstructLiteral(t *testing.T) {
	lines := []string{
		"* 1 FETCH (UID 7 FLAGS (\\Seen) BODY[HEADER.FIELDS (SUBJECT)] {42}",
		"Subject: Quarterly numbers (draft)",
		"",
		")",
		"A3 OK FETCH completed",
	}

	out := Reconstruct("A3", lines)
	if !assert.Len(t, out, 2) {
		t.FailNow()
	}

	assert.NotContains(t, out[0], "{42}")
	assert.Contains(t, out[0], "Subject: Quarterly numbers (draft)")
	assert.Equal(t, "* 1 FETCH (UID 7 FLAGS (\\Seen) BODY[HEADER.FIELDS (SUBJECT)] Subject: Quarterly numbers (draft)  )", out[0])
	assert.Equal(t, "A3 OK FETCH completed", out[1])
}

func TestReconstructMultipleResponses(t *testing.T) {
	lines := []string{
		"* 2 EXISTS",
		"* 1 FETCH (UID 10 FLAGS ())",
		"* 2 FETCH (UID 11 ENVELOPE (NIL \"a (b\" NIL",
		"NIL NIL NIL NIL NIL NIL NIL))",
		"A9 OK done",
	}

	out := Reconstruct("A9", lines)
	assert.Equal(t, []string{
		"* 2 EXISTS",
		"* 1 FETCH (UID 10 FLAGS ())",
		"* 2 FETCH (UID 11 ENVELOPE (NIL \"a (b\" NIL NIL NIL NIL NIL NIL NIL NIL))",
		"A9 OK done",
	}, out)
}

func TestReconstructTagFlushesIncomplete(t *testing.T) {
	out := Reconstruct("A1", []string{
		"* 1 FETCH (UID 3 BODY[] {5}",
		"A1 NO truncated",
	})

	assert.Equal(t, []string{"* 1 FETCH (UID 3 BODY[] ", "A1 NO truncated"}, out)
}

func TestStripLiteralMarkers(t *testing.T) {
	assert.Equal(t, "BODY[] abc", StripLiteralMarkers("BODY[] {3}  abc"))
	assert.Equal(t, "x{a}", StripLiteralMarkers("x{a}"))
	assert.Equal(t, `"keep {3} this" x`, StripLiteralMarkers(`"keep {3} this" {2} x`))
}

func TestBalanced(t *testing.T) {
	assert.True(t, Balanced("(a (b) c)"))
	assert.False(t, Balanced("(a (b) c"))
	assert.False(t, Balanced("(a \")\""))
	assert.True(t, Balanced("(a \"(\")"))
	assert.True(t, Balanced("(a \"\\\"(\")"))
}

func TestParse(t *testing.T) {
	toks, err := Parse(`* 12 FETCH (UID 99 FLAGS (\Seen $Label) BODY[HEADER.FIELDS (SUBJECT)]<0> "quo\"ted" NIL {3}` + "\r\nabc)")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	if !assert.Len(t, toks, 4) {
		t.FailNow()
	}

	assert.Equal(t, Token{Kind: TokenAtom, Value: "*"}, toks[0])
	n, ok := toks[1].Number()
	assert.True(t, ok)
	assert.Equal(t, uint64(12), n)

	list := toks[3]
	assert.Equal(t, TokenList, list.Kind)
	if !assert.Len(t, list.List, 8) {
		t.FailNow()
	}

	assert.Equal(t, "UID", list.List[0].Value)
	assert.Equal(t, []Token{
		{Kind: TokenAtom, Value: `\Seen`},
		{Kind: TokenAtom, Value: "$Label"},
	}, list.List[3].List)
	assert.Equal(t, "BODY[HEADER.FIELDS (SUBJECT)]<0>", list.List[4].Value)
	assert.Equal(t, Token{Kind: TokenString, Value: `quo"ted`}, list.List[5])
	assert.True(t, list.List[6].IsNil())
	assert.Equal(t, Token{Kind: TokenString, Value: "abc"}, list.List[7])
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		`(a b`,
		`a)`,
		`"abc`,
		`{10}` + "\r\nabc",
	} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, s := range []string{"", "plain", `with "quotes"`, `back\slash`} {
		toks, err := Parse(Quote(s))
		if !assert.NoError(t, err) {
			continue
		}

		got, ok := toks[0].Text()
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
}
