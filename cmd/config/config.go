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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/vs49688/mailwire/resilience"
)

func DefaultConfig() CliConfig {
	return CliConfig{
		IMAP:      DefaultServerConfig(),
		SMTP:      DefaultServerConfig(),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Parameters are the flags shared by every command.
func (cfg *CliConfig) Parameters() []cli.Flag {
	def := DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "logging level",
			EnvVars:     []string{"MAILWIRE_LOG_LEVEL"},
			Destination: &cfg.LogLevel,
			Value:       def.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "logging format (text/json)",
			EnvVars:     []string{"MAILWIRE_LOG_FORMAT"},
			Destination: &cfg.LogFormat,
			Value:       def.LogFormat,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a json or yaml configuration file",
			EnvVars:     []string{"MAILWIRE_CONFIG"},
			Destination: &cfg.ConfigPath,
			Value:       def.ConfigPath,
		},
	}
}

// SetupLogging applies the level and format to the standard logger and
// returns an entry for it.
func (cfg *CliConfig) SetupLogging() *log.Entry {
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	return log.NewEntry(log.StandardLogger())
}

// LoadFile reads a configuration file. The format follows the extension;
// anything other than .yaml or .yml must be JSON.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Go through JSON so the json tags and duration encoding apply to both.
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}

		if raw, err = json.Marshal(doc); err != nil {
			return nil, err
		}
		fallthrough
	case ".json", "":
		if err := json.Unmarshal(raw, fc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", errUnknownExtension, filepath.Ext(path))
	}

	return fc, nil
}

// NewResilience builds the shared resilience service, applying the
// profiles from the configuration file if one was given.
func (cfg *CliConfig) NewResilience(logger *log.Entry) (*resilience.Service, error) {
	resCfg := resilience.DefaultConfig()

	if cfg.ConfigPath != "" {
		fc, err := LoadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}

		if fc.Resilience != nil {
			resCfg = *fc.Resilience
			if resCfg.Breaker == (resilience.BreakerConfig{}) {
				resCfg.Breaker = resilience.DefaultBreakerConfig()
			}
		}
	}

	resCfg.Logger = logger
	return resilience.NewService(&resCfg)
}
