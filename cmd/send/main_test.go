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

package send

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"
)

func TestMarkdownToHTML(t *testing.T) {
	html, err := MarkdownToHTML("# Hello\n\nSome *emphasis*.")
	assert.NoError(t, err)
	assert.Contains(t, html, "<h1>Hello</h1>")
	assert.Contains(t, html, "<em>emphasis</em>")
}

func TestOutgoing(t *testing.T) {
	dir := t.TempDir()
	attach := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(attach, []byte("notes"), 0o600); !assert.NoError(t, err) {
		t.FailNow()
	}

	cfg := &Config{
		From:        "Sender <sender@example.com>",
		To:          *cli.NewStringSlice("a@example.com, B <b@example.com>"),
		Bcc:         *cli.NewStringSlice("c@example.com"),
		Subject:     "Status",
		Body:        "**done**",
		Markdown:    true,
		Attachments: *cli.NewStringSlice(attach),
	}

	out, err := cfg.Outgoing()
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "sender@example.com", out.From.Address)
	assert.Len(t, out.To, 2)
	assert.Equal(t, "B", out.To[1].Name)
	assert.Len(t, out.Bcc, 1)
	assert.Equal(t, "**done**", out.Text)
	assert.Contains(t, out.HTML, "<strong>done</strong>")

	if assert.Len(t, out.Attachments, 1) {
		assert.Equal(t, "notes.txt", out.Attachments[0].Filename)
		assert.Contains(t, out.Attachments[0].ContentType, "text/plain")
		assert.Equal(t, []byte("notes"), out.Attachments[0].Data)
	}

	t.Run("no_body", func(t *testing.T) {
		cfg := &Config{From: "sender@example.com"}
		_, err := cfg.Outgoing()
		assert.ErrorIs(t, err, errNoBody)
	})

	t.Run("bad_address", func(t *testing.T) {
		cfg := &Config{From: "sender@example.com", To: *cli.NewStringSlice("not an address"), Body: "x"}
		_, err := cfg.Outgoing()
		assert.Error(t, err)
	})
}
