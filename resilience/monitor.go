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

package resilience

import (
	"time"
)

// Snapshot is the externally visible health of one Key.
type Snapshot struct {
	Account       string
	Host          string
	Health        Health
	UptimePercent float64
	ErrorRate     float64
	Failures      uint64
	LatencyEMAs   map[Step]time.Duration
	CircuitOpen   bool
	UpdatedAt     time.Time
}

type Alert struct {
	Account   string
	Host      string
	Reason    string
	Health    Health
	ErrorRate float64
	At        time.Time
}

const (
	alertErrorRate   = 0.5
	alertMinFailures = 3
)

type uptime struct {
	health   Health
	since    time.Time
	ok       time.Duration
	total    time.Duration
	alerting bool
}

// Monitor tracks how long each Key has spent healthy and decides when to
// raise alerts. Accumulators start when the Monitor is created and are
// never reset.
type Monitor struct {
	started time.Time
	keys    map[Key]*uptime
}

func NewMonitor(now time.Time) *Monitor {
	return &Monitor{
		started: now,
		keys:    map[Key]*uptime{},
	}
}

func (m *Monitor) entry(key Key) *uptime {
	u, ok := m.keys[key]
	if !ok {
		u = &uptime{health: HealthOK, since: m.started}
		m.keys[key] = u
	}
	return u
}

func (u *uptime) accrue(now time.Time) {
	if elapsed := now.Sub(u.since); elapsed > 0 {
		u.total += elapsed
		if u.health == HealthOK {
			u.ok += elapsed
		}
	}
	u.since = now
}

func (u *uptime) percent() float64 {
	if u.total <= 0 {
		if u.health == HealthOK {
			return 100
		}
		return 0
	}
	return 100 * float64(u.ok) / float64(u.total)
}

// Update folds a new snapshot in, filling in UptimePercent. It returns an
// alert when the key has just become down, or its error rate has just
// crossed the alert threshold.
func (m *Monitor) Update(key Key, snap *Snapshot, now time.Time) *Alert {
	u := m.entry(key)
	u.accrue(now)
	u.health = snap.Health
	snap.UptimePercent = u.percent()

	var reason string
	switch {
	case snap.Health == HealthDown:
		reason = "health_down"
	case snap.ErrorRate > alertErrorRate && snap.Failures >= alertMinFailures:
		reason = "error_rate"
	}

	if reason == "" {
		u.alerting = false
		return nil
	}

	if u.alerting {
		return nil
	}

	u.alerting = true
	return &Alert{
		Account:   key.Account,
		Host:      key.Host,
		Reason:    reason,
		Health:    snap.Health,
		ErrorRate: snap.ErrorRate,
		At:        now,
	}
}

// Uptime returns the current uptime percentage of key, accruing up to now.
func (m *Monitor) Uptime(key Key, now time.Time) float64 {
	u := m.entry(key)
	u.accrue(now)
	return u.percent()
}
