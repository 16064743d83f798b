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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/imap/wire"
	"github.com/vs49688/mailwire/mailerr"
)

func parseBS(t *testing.T, s string) BodyStructure {
	toks, err := wire.Parse(s)
	if !assert.NoError(t, err) || !assert.Len(t, toks, 1) {
		t.FailNow()
	}

	bs, err := ParseBodyStructure(toks[0])
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return bs
}

func TestParseBodyStructureSingle(t *testing.T) {
	bs := parseBS(t, `("TEXT" "PLAIN" ("CHARSET" "UTF-8") NIL NIL "QUOTED-PRINTABLE" 120 4 NIL NIL NIL)`)

	tp, ok := bs.(*TextPart)
	if !assert.True(t, ok) {
		t.FailNow()
	}

	assert.Equal(t, "text/plain", tp.MIMEType())
	assert.Equal(t, "UTF-8", tp.Charset)
	assert.Equal(t, "quoted-printable", tp.Encoding)
	assert.Equal(t, uint32(120), tp.Size)
	assert.Equal(t, uint32(4), tp.Lines)
}

func TestParseBodyStructureMixed(t *testing.T) {
	bs := parseBS(t, `(`+
		`(("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 10 1 NIL NIL NIL)`+
		`("TEXT" "HTML" ("CHARSET" "us-ascii") NIL NIL "7BIT" 20 1 NIL NIL NIL) "ALTERNATIVE" ("BOUNDARY" "inner") NIL NIL)`+
		`("APPLICATION" "PDF" ("NAME" "fallback.pdf") NIL NIL "BASE64" 4096 NIL ("ATTACHMENT" ("FILENAME*" "UTF-8''%C3%BCber.pdf")) NIL)`+
		`("IMAGE" "PNG" NIL "<img1>" NIL "BASE64" 2048 NIL ("INLINE" ("FILENAME" "logo.png")) NIL)`+
		`("AUDIO" "OGG" NIL NIL NIL "BASE64" 0 NIL NIL NIL)`+
		` "MIXED" ("BOUNDARY" "outer") NIL NIL)`)

	mp, ok := bs.(*MultipartPart)
	if !assert.True(t, ok) || !assert.Len(t, mp.Children, 4) {
		t.FailNow()
	}
	assert.Equal(t, "mixed", mp.Subtype)
	assert.Equal(t, "outer", mp.Params["boundary"])

	alt, ok := mp.Children[0].(*MultipartPart)
	if assert.True(t, ok) {
		assert.Equal(t, "alternative", alt.Subtype)
		assert.Len(t, alt.Children, 2)
	}

	pdf, ok := mp.Children[1].(*ApplicationPart)
	if assert.True(t, ok) {
		assert.Equal(t, "attachment", pdf.Disposition)
		assert.Equal(t, "über.pdf", pdf.Filename)
		assert.Equal(t, "base64", pdf.Encoding)
		assert.Equal(t, uint32(4096), pdf.Size)
	}

	img, ok := mp.Children[2].(*ImagePart)
	if assert.True(t, ok) {
		assert.Equal(t, "<img1>", img.ID)
		assert.Equal(t, "inline", img.Disposition)
		assert.Equal(t, "logo.png", img.Filename)
	}

	_, ok = mp.Children[3].(*AudioPart)
	assert.True(t, ok)

	var ids []string
	Walk(bs, func(partID string, node BodyStructure) {
		ids = append(ids, partID+"="+node.MIMEType())
	})
	assert.Equal(t, []string{
		"=multipart/mixed",
		"1=multipart/alternative",
		"1.1=text/plain",
		"1.2=text/html",
		"2=application/pdf",
		"3=image/png",
		"4=audio/ogg",
	}, ids)
}

func TestParseBodyStructureMessage(t *testing.T) {
	bs := parseBS(t, `("MESSAGE" "RFC822" NIL NIL NIL "7BIT" 500 `+
		`(NIL "inner" NIL NIL NIL NIL NIL NIL NIL NIL) `+
		`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 100 3 NIL NIL NIL) 12 NIL ("ATTACHMENT" ("FILENAME" "fwd.eml")) NIL)`)

	msg, ok := bs.(*MessagePart)
	if !assert.True(t, ok) {
		t.FailNow()
	}
	assert.Equal(t, uint32(12), msg.Lines)
	assert.Equal(t, "fwd.eml", msg.Filename)

	var ids []string
	Walk(bs, func(partID string, node BodyStructure) { ids = append(ids, partID) })
	assert.Equal(t, []string{"1"}, ids)
}

func TestParseBodyStructureUnknownType(t *testing.T) {
	bs := parseBS(t, `("X-CUSTOM" "THING" NIL NIL NIL "BINARY" 9)`)

	other, ok := bs.(*OtherPart)
	if assert.True(t, ok) {
		assert.Equal(t, "x-custom/thing", other.MIMEType())
	}
}

func TestParseBodyStructureErrors(t *testing.T) {
	for _, s := range []string{
		`NIL`,
		`("TEXT" "PLAIN" NIL)`,
		`(("TEXT" "PLAIN" NIL) "MIXED")`,
		`("APPLICATION" "PDF" NIL NIL NIL "BASE64" 4294967296)`,
		`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 99999999999999999999999)`,
	} {
		toks, err := wire.Parse(s)
		if !assert.NoError(t, err) {
			continue
		}

		_, err = ParseBodyStructure(toks[0])
		assert.Error(t, err, s)
		assert.Equal(t, mailerr.KindParse, mailerr.KindOf(err), s)
	}
}

func TestParseBodyStructureMaxSize(t *testing.T) {
	bs := parseBS(t, `("APPLICATION" "PDF" NIL NIL NIL "BASE64" 4294967295)`)

	ap, ok := bs.(*ApplicationPart)
	if !assert.True(t, ok) {
		t.FailNow()
	}
	assert.Equal(t, uint32(4294967295), ap.Size)
}

func TestParseFetchLine(t *testing.T) {
	t.Run("not_fetch", func(t *testing.T) {
		r, ok, err := parseFetchLine("* 3 EXISTS")
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, r)
	})

	t.Run("items", func(t *testing.T) {
		r, ok, err := parseFetchLine(`* 2 FETCH (UID 17 FLAGS (\Seen) BODY[1]<0> "abc")`)
		if !assert.NoError(t, err) || !assert.True(t, ok) {
			t.FailNow()
		}
		assert.Equal(t, uint32(2), r.Seq)
		assert.Equal(t, uint32(17), r.UID)

		data, ok := r.section("1", 0)
		assert.True(t, ok)
		assert.Equal(t, "abc", string(data))
	})

	t.Run("odd_items", func(t *testing.T) {
		_, _, err := parseFetchLine(`* 2 FETCH (UID 17 FLAGS)`)
		assert.Equal(t, mailerr.KindParse, mailerr.KindOf(err))
	})

	t.Run("bad_uid", func(t *testing.T) {
		_, _, err := parseFetchLine(`* 2 FETCH (UID abc)`)
		assert.Equal(t, mailerr.KindParse, mailerr.KindOf(err))
	})

	t.Run("unbalanced", func(t *testing.T) {
		_, _, err := parseFetchLine(`* 2 FETCH (UID 1 FLAGS (\Seen)`)
		assert.Equal(t, mailerr.KindParse, mailerr.KindOf(err))
	})
}
