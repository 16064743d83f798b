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

package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const ProviderGoogle = "google"

var googleScopes = []string{"https://mail.google.com/"}

func DefaultOAuth2Config() OAuth2Config {
	return OAuth2Config{
		Provider: ProviderGoogle,
	}
}

func (cfg *OAuth2Config) Parameters(lowerPrefix string) []cli.Flag {
	def := DefaultOAuth2Config()

	prefix := "oauth2"
	envPrefix := "MAILWIRE_OAUTH2"
	if lowerPrefix != "" {
		prefix = lowerPrefix + "-oauth2"
		envPrefix = "MAILWIRE_" + strings.ToUpper(lowerPrefix) + "_OAUTH2"
	}

	return []cli.Flag{
		&cli.StringFlag{
			Name:        prefix + "-provider",
			Usage:       "oauth2 provider (google, custom)",
			EnvVars:     []string{envPrefix + "_PROVIDER"},
			Destination: &cfg.Provider,
			Value:       def.Provider,
		},
		&cli.StringFlag{
			Name:        prefix + "-client-id",
			Usage:       "oauth2 client id",
			EnvVars:     []string{envPrefix + "_CLIENT_ID"},
			Destination: &cfg.ClientID,
		},
		&cli.StringFlag{
			Name:        prefix + "-client-secret",
			Usage:       "oauth2 client secret",
			EnvVars:     []string{envPrefix + "_CLIENT_SECRET"},
			Destination: &cfg.ClientSecret,
		},
		&cli.StringFlag{
			Name:        prefix + "-auth-url",
			Usage:       "oauth2 authorization url, for custom providers",
			EnvVars:     []string{envPrefix + "_AUTH_URL"},
			Destination: &cfg.AuthURL,
		},
		&cli.StringFlag{
			Name:        prefix + "-token-url",
			Usage:       "oauth2 token url, for custom providers",
			EnvVars:     []string{envPrefix + "_TOKEN_URL"},
			Destination: &cfg.TokenURL,
		},
	}
}

// Resolve returns the oauth2 client configuration for the provider.
func (cfg *OAuth2Config) Resolve() (*oauth2.Config, error) {
	if cfg.ClientID == "" {
		return nil, errNoOAuth2Client
	}

	c := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderGoogle, "":
		c.Endpoint = endpoints.Google
		if len(c.Scopes) == 0 {
			c.Scopes = googleScopes
		}
	case "custom":
		c.Endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	default:
		return nil, fmt.Errorf("%w: %v", errUnknownProvider, cfg.Provider)
	}

	return c, nil
}

// tokenSource refreshes access tokens from the configured password,
// which holds the refresh token.
func (cfg *ServerConfig) tokenSource(prefix string) (oauth2.TokenSource, error) {
	oc, err := cfg.OAuth2.Resolve()
	if err != nil {
		return nil, err
	}

	refresh, err := cfg.password(prefix)
	if err != nil {
		return nil, err
	}

	return oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh}), nil
}
