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

package client

import (
	"context"
	"time"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/resilience"
)

// Factory dials and authenticates plain connections. With Resilience set
// it refuses to dial while the circuit for the endpoint is open and
// reports every protocol step to it.
type Factory struct {
	Resilience *resilience.Service
}

func (f *Factory) NewClient(cfg *imap.ClientConfig) (imap.Client, error) {
	ourCfg := *cfg

	if f.Resilience != nil {
		key := resilience.Key{Account: cfg.Account, Host: cfg.Host}
		if err := f.Resilience.Allow(key); err != nil {
			return nil, err
		}

		next := cfg.Observer
		ourCfg.Observer = func(step resilience.Step, took time.Duration, err error) {
			f.Resilience.Observe(key, step, took, err)
			if next != nil {
				next(step, took, err)
			}
		}
	}

	c, err := imap.Dial(context.Background(), &ourCfg)
	if err != nil {
		return nil, err
	}

	wantCleanup := true
	defer func() {
		if wantCleanup {
			_ = c.Logout()
		}
	}()

	if ourCfg.Auth != nil {
		if err := ourCfg.Auth.Authenticate(c); err != nil {
			return nil, err
		}
	}

	wantCleanup = false
	return c, nil
}
