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
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/vs49688/mailwire/mailerr"
)

// Profile is the backoff shape for one kind of failure.
type Profile struct {
	Base           time.Duration `json:"base"`
	Factor         float64       `json:"factor"`
	Max            time.Duration `json:"max"`
	JitterFraction float64       `json:"jitter_fraction"`
	// MaxAttempts is the retry ceiling. Zero means unlimited.
	MaxAttempts int `json:"max_attempts"`
}

func DefaultProfile() Profile {
	return Profile{
		Base:           time.Second,
		Factor:         2,
		Max:            2 * time.Minute,
		JitterFraction: 0.2,
		MaxAttempts:    8,
	}
}

// DefaultKindProfiles returns the built-in per-kind profiles. Kinds not
// listed use DefaultProfile.
func DefaultKindProfiles() map[mailerr.Kind]Profile {
	return map[mailerr.Kind]Profile{
		// flat
		mailerr.KindAuth: {
			Base:        5 * time.Second,
			Factor:      1,
			Max:         5 * time.Second,
			MaxAttempts: 1,
		},
		mailerr.KindDNS: {
			Base:           10 * time.Second,
			Factor:         1.5,
			Max:            5 * time.Minute,
			JitterFraction: 0.2,
			MaxAttempts:    10,
		},
		mailerr.KindTimeout: {
			Base:           2 * time.Second,
			Factor:         2,
			Max:            2 * time.Minute,
			JitterFraction: 0.2,
			MaxAttempts:    8,
		},
		mailerr.KindRefused: {
			Base:           5 * time.Second,
			Factor:         2,
			Max:            5 * time.Minute,
			JitterFraction: 0.2,
			MaxAttempts:    10,
		},
		mailerr.KindUnreachable: {
			Base:           10 * time.Second,
			Factor:         2,
			Max:            5 * time.Minute,
			JitterFraction: 0.2,
			MaxAttempts:    10,
		},
		mailerr.KindUnavailable: {
			Base:           5 * time.Second,
			Factor:         1.5,
			Max:            time.Minute,
			JitterFraction: 0.1,
		},
	}
}

type overrideKey struct {
	key  Key
	kind mailerr.Kind
}

// Policy maps failures to retry decisions and delays. It is safe for
// concurrent use.
type Policy struct {
	mu        sync.RWMutex
	def       Profile
	kinds     map[mailerr.Kind]Profile
	overrides map[overrideKey]Profile
	permanent map[mailerr.Kind]bool
	random    func() float64
}

func NewPolicy() *Policy {
	return &Policy{
		def:       DefaultProfile(),
		kinds:     DefaultKindProfiles(),
		overrides: map[overrideKey]Profile{},
		permanent: map[mailerr.Kind]bool{},
		random:    rand.Float64,
	}
}

func (p *Policy) SetDefault(prof Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.def = prof
}

func (p *Policy) SetProfile(kind mailerr.Kind, prof Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds[kind] = prof
}

// SetOverride installs a profile used only for kind failures of key.
func (p *Policy) SetOverride(key Key, kind mailerr.Kind, prof Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[overrideKey{key: key, kind: kind}] = prof
}

// SetPermanent overrides whether kind is ever retried.
func (p *Policy) SetPermanent(kind mailerr.Kind, permanent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permanent[kind] = permanent
}

// SetRandom replaces the jitter source. fn must return values in [0, 1).
func (p *Policy) SetRandom(fn func() float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.random = fn
}

func (p *Policy) Profile(key Key, kind mailerr.Kind) Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile(key, kind)
}

func (p *Policy) profile(key Key, kind mailerr.Kind) Profile {
	if prof, ok := p.overrides[overrideKey{key: key, kind: kind}]; ok {
		return prof
	}

	if prof, ok := p.kinds[kind]; ok {
		return prof
	}
	return p.def
}

func (p *Policy) IsPermanent(kind mailerr.Kind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if v, ok := p.permanent[kind]; ok {
		return v
	}
	return kind.Permanent()
}

// ShouldRetry reports whether retry number attempt (starting at 1) may
// go ahead after a kind failure.
func (p *Policy) ShouldRetry(key Key, kind mailerr.Kind, attempt int) bool {
	if p.IsPermanent(kind) {
		return false
	}

	prof := p.Profile(key, kind)
	return prof.MaxAttempts <= 0 || attempt <= prof.MaxAttempts
}

// Delay is min(max, base * factor^(attempt-1)) plus or minus a uniform
// jitter of at most JitterFraction of that value. The result is never
// negative and never exceeds max.
func (p *Policy) Delay(key Key, kind mailerr.Kind, attempt int) time.Duration {
	p.mu.RLock()
	prof := p.profile(key, kind)
	random := p.random
	p.mu.RUnlock()

	raw := prof.rawDelay(attempt)

	if prof.JitterFraction > 0 && random != nil {
		jitter := (random()*2 - 1) * prof.JitterFraction * float64(raw)
		raw += time.Duration(jitter)
	}

	if raw < 0 {
		raw = 0
	}

	if prof.Max > 0 && raw > prof.Max {
		raw = prof.Max
	}
	return raw
}

func (prof Profile) rawDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	factor := prof.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(prof.Base) * math.Pow(factor, float64(attempt-1))
	if prof.Max > 0 && d > float64(prof.Max) {
		return prof.Max
	}

	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
