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
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/yuin/goldmark"

	"github.com/vs49688/mailwire/cmd/config"
	"github.com/vs49688/mailwire/ingest"
	"github.com/vs49688/mailwire/outbox"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/smtp"
)

var errNoBody = errors.New("one of \"body\" or \"body-file\" is required")

type Config struct {
	config.CliConfig
	From        string
	To          cli.StringSlice
	Cc          cli.StringSlice
	Bcc         cli.StringSlice
	Subject     string
	Body        string
	BodyFile    string
	Markdown    bool
	Attachments cli.StringSlice
	SaveSent    bool
	SentMailbox string
}

func RegisterCommand(app *cli.App) *cli.App {
	cfg := &Config{CliConfig: config.DefaultConfig()}

	flags := cfg.CliConfig.Parameters()
	flags = append(flags, cfg.SMTP.Parameters("smtp", true)...)
	flags = append(flags, cfg.IMAP.Parameters("imap", false)...)
	flags = append(flags,
		&cli.StringFlag{Name: "from", Usage: "sender address", EnvVars: []string{"MAILWIRE_FROM"}, Destination: &cfg.From, Required: true},
		&cli.StringSliceFlag{Name: "to", Usage: "recipient address", Destination: &cfg.To},
		&cli.StringSliceFlag{Name: "cc", Usage: "cc address", Destination: &cfg.Cc},
		&cli.StringSliceFlag{Name: "bcc", Usage: "bcc address", Destination: &cfg.Bcc},
		&cli.StringFlag{Name: "subject", Usage: "message subject", Destination: &cfg.Subject},
		&cli.StringFlag{Name: "body", Usage: "message body", Destination: &cfg.Body},
		&cli.StringFlag{Name: "body-file", Usage: "read the message body from a file", Destination: &cfg.BodyFile},
		&cli.BoolFlag{Name: "markdown", Usage: "treat the body as markdown and add an html part", Destination: &cfg.Markdown},
		&cli.StringSliceFlag{Name: "attach", Usage: "attach a file", Destination: &cfg.Attachments},
		&cli.BoolFlag{
			Name:        "save-sent",
			Usage:       "copy the message to the sent folder via imap",
			EnvVars:     []string{"MAILWIRE_SAVE_SENT"},
			Destination: &cfg.SaveSent,
			Value:       true,
		},
		&cli.StringFlag{
			Name:        "sent-mailbox",
			Usage:       "folder for sent messages; found automatically when empty",
			EnvVars:     []string{"MAILWIRE_SENT_MAILBOX"},
			Destination: &cfg.SentMailbox,
		},
	)

	app.Commands = append(app.Commands, &cli.Command{
		Name:   "send",
		Usage:  "Compose and deliver a message",
		Flags:  flags,
		Action: func(context *cli.Context) error { return send(context, cfg) },
	})
	return app
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, s := range list {
		addrs, err := mail.ParseAddressList(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// MarkdownToHTML renders a markdown body for the html alternative.
func MarkdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func loadAttachment(path string) (smtp.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return smtp.Attachment{}, err
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}

	return smtp.Attachment{
		Filename:    filepath.Base(path),
		ContentType: ct,
		Data:        data,
	}, nil
}

// Outgoing builds the message from the command line.
func (cfg *Config) Outgoing() (*smtp.Outgoing, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", cfg.From, err)
	}

	out := &smtp.Outgoing{From: from, Subject: cfg.Subject}

	if out.To, err = parseAddresses(cfg.To.Value()); err != nil {
		return nil, err
	}
	if out.Cc, err = parseAddresses(cfg.Cc.Value()); err != nil {
		return nil, err
	}
	if out.Bcc, err = parseAddresses(cfg.Bcc.Value()); err != nil {
		return nil, err
	}

	switch {
	case cfg.Body != "":
		out.Text = cfg.Body
	case cfg.BodyFile != "":
		b, err := os.ReadFile(cfg.BodyFile)
		if err != nil {
			return nil, err
		}
		out.Text = string(b)
	default:
		return nil, errNoBody
	}

	if cfg.Markdown {
		if out.HTML, err = MarkdownToHTML(out.Text); err != nil {
			return nil, err
		}
	}

	for _, path := range cfg.Attachments.Value() {
		a, err := loadAttachment(path)
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, a)
	}

	return out, nil
}

func send(ctx *cli.Context, cfg *Config) error {
	logger := cfg.SetupLogging()

	out, err := cfg.Outgoing()
	if err != nil {
		return err
	}

	res, err := cfg.NewResilience(logger)
	if err != nil {
		return err
	}

	smtpCfg, err := cfg.SMTP.ResolveSMTP(res, logger)
	if err != nil {
		return err
	}

	obCfg := outbox.Config{
		Sender:     &outbox.SMTPSender{Config: &smtpCfg},
		Resilience: res,
		Key:        resilience.Key{Account: smtpCfg.Account, Host: smtpCfg.Host},
		Logger:     logger,
	}

	if cfg.SaveSent && cfg.IMAP.URL != "" {
		cfg.IMAP.Transport = "standard"
		clientCfg, factory, _, err := cfg.IMAP.ResolveIMAP(res, logger)
		if err != nil {
			return err
		}

		ic, err := ingest.NewClient(&ingest.Config{
			ClientConfig: clientCfg,
			Mailbox:      cfg.SentMailbox,
			Logger:       logger,
		}, factory)
		if err != nil {
			return err
		}
		defer ic.Close()

		obCfg.Ingester = ic
	}

	ob, err := outbox.New(&obCfg)
	if err != nil {
		return err
	}

	receipt, err := ob.Submit(ctx.Context, out)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"id":       receipt.ID,
		"attempts": receipt.Attempts,
		"saved":    receipt.Ingested,
	}).Info("send_complete")

	return nil
}
