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

package oauthlogin

import (
	"fmt"

	"github.com/99designs/keyring"
	"github.com/emersion/go-oauthdialog"
	"github.com/emersion/go-sasl"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"github.com/vs49688/mailwire/cmd/config"
)

type Config struct {
	OAuth2      config.OAuth2Config
	KeyringItem string
}

func RegisterCommand(app *cli.App) *cli.App {
	cfg := &Config{OAuth2: config.DefaultOAuth2Config()}

	flags := cfg.OAuth2.Parameters("")
	flags = append(flags, &cli.StringFlag{
		Name:        "keyring-item",
		Usage:       "store the refresh token in the keyring under this name",
		EnvVars:     []string{"MAILWIRE_KEYRING_ITEM"},
		Destination: &cfg.KeyringItem,
	})

	app.Commands = append(app.Commands, &cli.Command{
		Name:   "oauthlogin",
		Usage:  "Generate an OAuth2 Token",
		Flags:  flags,
		Action: func(context *cli.Context) error { return oauthlogin(context, cfg) },
	})
	return app
}

// StoreToken saves a refresh token for later use with keyring_item.
func StoreToken(ring keyring.Keyring, item string, token string) error {
	err := ring.Set(keyring.Item{
		Key:         item,
		Data:        []byte(token),
		Label:       "MailWire OAuth2 refresh token",
		Description: "oauth2 refresh token",
	})
	if err != nil {
		return fmt.Errorf("setting keyring item %q: %w", item, err)
	}
	return nil
}

func oauthlogin(ctx *cli.Context, cfg *Config) error {
	oc, err := cfg.OAuth2.Resolve()
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"auth_url":  oc.Endpoint.AuthURL,
		"token_url": oc.Endpoint.TokenURL,
		"client_id": oc.ClientID,
		"scopes":    oc.Scopes,
	}).Info("using_provider")

	code, err := oauthdialog.Open(oc)
	if err != nil {
		return err
	}

	tok, err := oc.Exchange(ctx.Context, code, oauth2.AccessTypeOffline)
	if err != nil {
		return err
	}

	if cfg.KeyringItem != "" {
		ring, err := config.OpenKeyring()
		if err != nil {
			return err
		}

		if err := StoreToken(ring, cfg.KeyringItem, tok.RefreshToken); err != nil {
			return err
		}

		log.WithField("keyring_item", cfg.KeyringItem).Info("token_stored")
		log.Infof("You may now pass --{imap,smtp}-keyring-item=%v with --{imap,smtp}-auth-method=%v\n", cfg.KeyringItem, sasl.OAuthBearer)
		return nil
	}

	log.Infof("Your OAuth2 token is:\n")
	log.Info()
	log.Infof("  %v\n", tok.RefreshToken)
	log.Info()
	log.Infof("You may now pass this via:\n")
	log.Infof("  --{imap,smtp}-auth-method=%v (MAILWIRE_{IMAP,SMTP}_AUTH_METHOD=%v), and\n", sasl.OAuthBearer, sasl.OAuthBearer)
	log.Infof("  --{imap,smtp}-password=<token> (MAILWIRE_{IMAP,SMTP}_PASSWORD=<token>)\n")
	log.Info()
	log.Infof("> Keep It Secret, Keep It Safe\n")
	log.Infof(">   - Gandalf\n")

	return nil
}
