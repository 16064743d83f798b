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
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-sasl"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/proxy"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/imap/client"
	"github.com/vs49688/mailwire/imap/persistentclient"
	"github.com/vs49688/mailwire/resilience"
	"github.com/vs49688/mailwire/smtp"
	"github.com/vs49688/mailwire/transport"
)

const (
	AuthLogin       = "LOGIN"
	AuthNone        = "NONE"
	keyringService  = "mailwire"
	defaultIMAPPath = "INBOX"
)

// OpenKeyring opens the credential store used for keyring_item.
var OpenKeyring = func() (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailwire/credentials",
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		AuthMethod:     AuthLogin,
		TLSSkipVerify:  false,
		Transport:      "persistent",
		ConnectTimeout: transport.DefaultConnectTimeout,
		CommandTimeout: transport.DefaultCommandTimeout,
		Debug:          false,
		OAuth2:         DefaultOAuth2Config(),
	}
}

func (cfg *ServerConfig) Parameters(lowerPrefix string, required bool) []cli.Flag {
	def := DefaultServerConfig()
	upperPrefix := strings.ToUpper(lowerPrefix)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-url", lowerPrefix),
			Usage:       fmt.Sprintf("%v server url", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_URL", upperPrefix)},
			Destination: &cfg.URL,
			Required:    required,
			Value:       def.URL,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-auth-method", lowerPrefix),
			Usage:       fmt.Sprintf("%v auth method (LOGIN, PLAIN, OAUTHBEARER, NONE)", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_AUTH_METHOD", upperPrefix)},
			Destination: &cfg.AuthMethod,
			Value:       def.AuthMethod,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-username", lowerPrefix),
			Usage:       fmt.Sprintf("%v username", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_USERNAME", upperPrefix)},
			Destination: &cfg.Username,
			Value:       def.Username,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-password", lowerPrefix),
			Usage:       fmt.Sprintf("%v password, or oauth2 refresh token", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_PASSWORD", upperPrefix)},
			Destination: &cfg.Password,
			Value:       def.Password,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-password-file", lowerPrefix),
			Usage:       fmt.Sprintf("%v password file", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_PASSWORD_FILE", upperPrefix)},
			Destination: &cfg.PasswordFile,
			Value:       def.PasswordFile,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-keyring-item", lowerPrefix),
			Usage:       fmt.Sprintf("%v password keyring item", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_KEYRING_ITEM", upperPrefix)},
			Destination: &cfg.KeyringItem,
			Value:       def.KeyringItem,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-tls-skip-verify", lowerPrefix),
			Usage:       fmt.Sprintf("skip %v tls verification", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_TLS_SKIP_VERIFY", upperPrefix)},
			Destination: &cfg.TLSSkipVerify,
			Value:       def.TLSSkipVerify,
		},
		&cli.StringFlag{
			Name:        fmt.Sprintf("%v-proxy", lowerPrefix),
			Usage:       fmt.Sprintf("%v socks5 proxy url", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_PROXY", upperPrefix)},
			Destination: &cfg.Proxy,
			Value:       def.Proxy,
		},
		&cli.DurationFlag{
			Name:        fmt.Sprintf("%v-connect-timeout", lowerPrefix),
			Usage:       fmt.Sprintf("%v connect timeout", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_CONNECT_TIMEOUT", upperPrefix)},
			Destination: &cfg.ConnectTimeout,
			Value:       def.ConnectTimeout,
		},
		&cli.DurationFlag{
			Name:        fmt.Sprintf("%v-command-timeout", lowerPrefix),
			Usage:       fmt.Sprintf("%v command timeout", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_COMMAND_TIMEOUT", upperPrefix)},
			Destination: &cfg.CommandTimeout,
			Value:       def.CommandTimeout,
		},
		&cli.BoolFlag{
			Name:        fmt.Sprintf("%v-debug", lowerPrefix),
			Usage:       fmt.Sprintf("display %v protocol traffic", lowerPrefix),
			EnvVars:     []string{fmt.Sprintf("MAILWIRE_%v_DEBUG", upperPrefix)},
			Destination: &cfg.Debug,
			Value:       def.Debug,
		},
	}

	if lowerPrefix == "imap" {
		flags = append(flags, &cli.StringFlag{
			Name:        "imap-transport",
			Usage:       "imap transport (persistent, standard)",
			EnvVars:     []string{"MAILWIRE_IMAP_TRANSPORT"},
			Destination: &cfg.Transport,
			Value:       def.Transport,
		})
	}

	return append(flags, cfg.OAuth2.Parameters(lowerPrefix)...)
}

// ParseURL reads imap, imaps, imap+starttls, smtp, smtps and
// smtp+starttls URLs.
func ParseURL(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{Host: u.Hostname()}

	var defaultPort int
	switch strings.ToLower(u.Scheme) {
	case "imap":
		ep.Protocol, ep.TLSMode, defaultPort = "imap", transport.TLSNone, 143
	case "imaps":
		ep.Protocol, ep.TLSMode, defaultPort = "imap", transport.TLSImplicit, 993
	case "imap+starttls":
		ep.Protocol, ep.TLSMode, defaultPort = "imap", transport.TLSStartTLS, 143
	case "smtp":
		ep.Protocol, ep.TLSMode, defaultPort = "smtp", transport.TLSNone, 25
	case "smtps":
		ep.Protocol, ep.TLSMode, defaultPort = "smtp", transport.TLSImplicit, 465
	case "smtp+starttls":
		ep.Protocol, ep.TLSMode, defaultPort = "smtp", transport.TLSStartTLS, 587
	default:
		return nil, fmt.Errorf("%w: %q", errInvalidScheme, u.Scheme)
	}

	ep.Port = defaultPort
	if p := u.Port(); p != "" {
		if ep.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
	}

	if u.User != nil {
		ep.Username = u.User.Username()
	}

	ep.Path = strings.TrimPrefix(u.Path, "/")
	if ep.Protocol == "imap" && ep.Path == "" {
		ep.Path = defaultIMAPPath
	}
	return ep, nil
}

func (cfg *ServerConfig) password(prefix string) (string, error) {
	switch {
	case cfg.Password != "":
		return cfg.Password, nil
	case cfg.PasswordFile != "":
		pass, err := os.ReadFile(cfg.PasswordFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(pass)), nil
	case cfg.KeyringItem != "":
		ring, err := OpenKeyring()
		if err != nil {
			return "", fmt.Errorf("opening keyring: %w", err)
		}

		item, err := ring.Get(cfg.KeyringItem)
		if err != nil {
			return "", fmt.Errorf("getting keyring item %q: %w", cfg.KeyringItem, err)
		}
		return string(item.Data), nil
	default:
		return "", fmt.Errorf("%w: one of \"%v-password\", \"%v-password-file\" or \"%v-keyring-item\" is required",
			errNoPassword, prefix, prefix, prefix)
	}
}

func (cfg *ServerConfig) dialer(timeout time.Duration) (transport.Dialer, error) {
	if cfg.Proxy == "" {
		return nil, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	d, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return contextDialer{d}, nil
}

type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.Dial(network, address)
}

func (cfg *ServerConfig) tlsConfig() *tls.Config {
	if !cfg.TLSSkipVerify {
		return nil
	}
	// #nosec G402
	return &tls.Config{InsecureSkipVerify: true}
}

func (cfg *ServerConfig) resolve(prefix string, protocol string) (*Endpoint, string, error) {
	ep, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, "", err
	}

	if ep.Protocol != protocol {
		return nil, "", fmt.Errorf("%w: \"%v-url\" must be an %v url", errInvalidScheme, prefix, protocol)
	}

	username := cfg.Username
	if username == "" {
		username = ep.Username
	}

	cfg.AuthMethod = strings.ToUpper(cfg.AuthMethod)
	if username == "" && cfg.AuthMethod != AuthNone {
		return nil, "", fmt.Errorf("\"%v-username\" is required when using %v auth", prefix, cfg.AuthMethod)
	}
	return ep, username, nil
}

// ResolveIMAP builds the client configuration and factory. The returned
// string is the mailbox named by the URL path.
func (cfg *ServerConfig) ResolveIMAP(res *resilience.Service, logger *log.Entry) (imap.ClientConfig, imap.ClientFactory, string, error) {
	ep, username, err := cfg.resolve("imap", "imap")
	if err != nil {
		return imap.ClientConfig{}, nil, "", err
	}

	clientCfg := imap.ClientConfig{
		Account:        username,
		Host:           ep.Host,
		Port:           ep.Port,
		TLSMode:        ep.TLSMode,
		TLSConfig:      cfg.tlsConfig(),
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
		Debug:          cfg.Debug,
		Logger:         logger,
	}

	if clientCfg.Dialer, err = cfg.dialer(cfg.ConnectTimeout); err != nil {
		return imap.ClientConfig{}, nil, "", err
	}

	switch cfg.AuthMethod {
	case AuthLogin, "NORMAL":
		pass, err := cfg.password("imap")
		if err != nil {
			return imap.ClientConfig{}, nil, "", err
		}
		clientCfg.Auth = imap.NewNormalAuthenticator(username, pass)
	case sasl.Plain:
		pass, err := cfg.password("imap")
		if err != nil {
			return imap.ClientConfig{}, nil, "", err
		}
		clientCfg.Auth = imap.NewSASLAuthenticator(sasl.NewPlainClient("", username, pass))
	case sasl.OAuthBearer:
		ts, err := cfg.tokenSource("imap")
		if err != nil {
			return imap.ClientConfig{}, nil, "", err
		}
		clientCfg.Auth = imap.NewOAuthBearerAuthenticator(username, ts)
	default:
		return imap.ClientConfig{}, nil, "", fmt.Errorf("unsupported auth method: %v", cfg.AuthMethod)
	}

	var factory imap.ClientFactory
	if cfg.Transport != "persistent" {
		factory = &client.Factory{Resilience: res}
	} else {
		factory = &persistentclient.Factory{
			Mailbox:    ep.Path,
			MaxDelay:   0,
			Resilience: res,
			Inner:      &client.Factory{Resilience: res},
		}
	}

	return clientCfg, factory, ep.Path, nil
}

func (cfg *ServerConfig) ResolveSMTP(res *resilience.Service, logger *log.Entry) (smtp.Config, error) {
	ep, username, err := cfg.resolve("smtp", "smtp")
	if err != nil {
		return smtp.Config{}, err
	}

	smtpCfg := smtp.Config{
		Account:        username,
		Host:           ep.Host,
		Port:           ep.Port,
		TLSMode:        ep.TLSMode,
		TLSConfig:      cfg.tlsConfig(),
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
		Debug:          cfg.Debug,
		Logger:         logger,
		Resilience:     res,
	}

	if smtpCfg.Dialer, err = cfg.dialer(cfg.ConnectTimeout); err != nil {
		return smtp.Config{}, err
	}

	switch cfg.AuthMethod {
	case AuthNone:
	case AuthLogin, "NORMAL":
		pass, err := cfg.password("smtp")
		if err != nil {
			return smtp.Config{}, err
		}
		smtpCfg.Auth = smtp.NewLoginAuthenticator(username, pass)
	case sasl.Plain:
		pass, err := cfg.password("smtp")
		if err != nil {
			return smtp.Config{}, err
		}
		smtpCfg.Auth = smtp.NewPlainAuthenticator(username, pass)
	case sasl.OAuthBearer:
		ts, err := cfg.tokenSource("smtp")
		if err != nil {
			return smtp.Config{}, err
		}
		smtpCfg.Auth = smtp.NewOAuthBearerAuthenticator(username, ts)
	default:
		return smtp.Config{}, fmt.Errorf("unsupported auth method: %v", cfg.AuthMethod)
	}

	return smtpCfg, nil
}
