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

package fetch

import (
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vs49688/mailwire/cmd/config"
	"github.com/vs49688/mailwire/fetchplan"
	"github.com/vs49688/mailwire/imap"
)

const DefaultLimit = 20

type Config struct {
	config.CliConfig
	Query string
	Limit int
	Plans bool
}

func RegisterCommand(app *cli.App) *cli.App {
	cfg := &Config{CliConfig: config.DefaultConfig()}

	flags := cfg.CliConfig.Parameters()
	flags = append(flags, cfg.IMAP.Parameters("imap", true)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "query",
			Usage:       "uid search query",
			EnvVars:     []string{"MAILWIRE_FETCH_QUERY"},
			Destination: &cfg.Query,
			Value:       "ALL",
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "show at most this many of the newest messages",
			EnvVars:     []string{"MAILWIRE_FETCH_LIMIT"},
			Destination: &cfg.Limit,
			Value:       DefaultLimit,
		},
		&cli.BoolFlag{
			Name:        "plans",
			Usage:       "show the fetch plan of each message",
			Destination: &cfg.Plans,
		},
	)

	app.Commands = append(app.Commands, &cli.Command{
		Name:   "fetch",
		Usage:  "List the newest messages of a folder",
		Flags:  flags,
		Action: func(context *cli.Context) error { return fetch(context, cfg) },
	})
	return app
}

func fetch(ctx *cli.Context, cfg *Config) error {
	logger := cfg.SetupLogging()

	res, err := cfg.NewResilience(logger)
	if err != nil {
		return err
	}

	// One-shot listing, a reconnecting client buys nothing here.
	cfg.IMAP.Transport = "standard"
	clientCfg, factory, mailbox, err := cfg.IMAP.ResolveIMAP(res, logger)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"url":     cfg.IMAP.URL,
		"mailbox": mailbox,
		"query":   cfg.Query,
		"limit":   cfg.Limit,
	}).Info("fetch_starting")

	c, err := factory.NewClient(&clientCfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	return List(ctx.App.Writer, c, mailbox, cfg.Query, cfg.Limit, cfg.Plans)
}

// List prints the newest limit messages matching query, newest first.
func List(w io.Writer, c imap.Client, mailbox string, query string, limit int, plans bool) error {
	if _, err := c.Select(mailbox, true); err != nil {
		return err
	}

	uids, err := c.Search(query)
	if err != nil {
		return err
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	if len(uids) == 0 {
		_, err := fmt.Fprintln(w, "no messages")
		return err
	}

	envelopes, err := c.FetchEnvelopes(imap.NewSeqSet(uids...))
	if err != nil {
		return err
	}

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].UID > envelopes[j].UID })

	for _, env := range envelopes {
		flags := strings.Join(env.Flags, " ")
		fmt.Fprintf(w, "%-8d %-19s %-30.30s %s [%s]\n",
			env.UID, env.InternalDate.Format("2006-01-02 15:04:05"), env.From, env.Subject, flags)

		if !plans {
			continue
		}

		bs, err := c.FetchBodyStructure(env.UID)
		if err != nil {
			fmt.Fprintf(w, "         bodystructure: %v\n", err)
			continue
		}

		writePlan(w, fetchplan.Build(bs))
	}

	return nil
}

func writePlan(w io.Writer, plan *fetchplan.Plan) {
	for _, list := range [][]fetchplan.Section{plan.Sections, plan.DeferredSections} {
		for _, s := range list {
			name := s.Filename
			if s.IsBodyCandidate {
				name = "(body)"
			}

			fmt.Fprintf(w, "         %-6s %-10s %-28s %9d %s\n",
				s.PartID, s.Priority, s.MIMEType, s.ExpectedSize, name)
		}
	}
}
