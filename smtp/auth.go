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
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/vs49688/mailwire/mailerr"
)

// Authenticator produces a fresh SASL client for every AUTH exchange.
type Authenticator interface {
	Client() (sasl.Client, error)
}

type loginAuthenticator struct {
	username string
	password string
}

// NewLoginAuthenticator uses AUTH LOGIN.
func NewLoginAuthenticator(username string, password string) Authenticator {
	return &loginAuthenticator{username: username, password: password}
}

func (a *loginAuthenticator) Client() (sasl.Client, error) {
	return sasl.NewLoginClient(a.username, a.password), nil
}

type plainAuthenticator struct {
	username string
	password string
}

func NewPlainAuthenticator(username string, password string) Authenticator {
	return &plainAuthenticator{username: username, password: password}
}

func (a *plainAuthenticator) Client() (sasl.Client, error) {
	return sasl.NewPlainClient("", a.username, a.password), nil
}

type oauthBearerAuthenticator struct {
	username    string
	tokenSource oauth2.TokenSource
}

func NewOAuthBearerAuthenticator(username string, ts oauth2.TokenSource) Authenticator {
	return &oauthBearerAuthenticator{username: username, tokenSource: ts}
}

func (a *oauthBearerAuthenticator) Client() (sasl.Client, error) {
	tok, err := a.tokenSource.Token()
	if err != nil {
		return nil, mailerr.New(mailerr.KindAuth, "oauth2 token", err)
	}

	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: a.username,
		Token:    tok.AccessToken,
	}), nil
}
