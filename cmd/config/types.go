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
	"errors"
	"time"

	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/transport"
)

var (
	errInvalidScheme    = errors.New("invalid uri scheme")
	errNoPassword       = errors.New("no password source configured")
	errNoOAuth2Client   = errors.New("oauth2 client id is required")
	errUnknownProvider  = errors.New("unknown oauth2 provider")
	errUnknownExtension = errors.New("unknown config file extension")
)

type OAuth2Config struct {
	Provider     string   `json:"provider"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
}

// ServerConfig is one IMAP or SMTP account.
type ServerConfig struct {
	URL            string        `json:"url"`
	Username       string        `json:"username"`
	AuthMethod     string        `json:"auth_method"`
	Password       string        `json:"-"`
	PasswordFile   string        `json:"password_file"`
	KeyringItem    string        `json:"keyring_item"`
	TLSSkipVerify  bool          `json:"tls_skip_verify"`
	Transport      string        `json:"transport"`
	Proxy          string        `json:"proxy"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`
	Debug          bool          `json:"debug"`
	OAuth2         OAuth2Config  `json:"oauth2"`
}

// FileConfig is the optional configuration file. It carries the settings
// that do not fit on a command line.
type FileConfig struct {
	Resilience *resilience.Config `json:"resilience" yaml:"resilience"`
}

type CliConfig struct {
	IMAP       ServerConfig
	SMTP       ServerConfig
	LogLevel   string
	LogFormat  string
	ConfigPath string
}

// Endpoint is a parsed server URL.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	TLSMode  transport.TLSMode
	Username string
	// Path is the mailbox for IMAP URLs.
	Path string
}
