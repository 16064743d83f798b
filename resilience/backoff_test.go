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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/mailerr"
)

var testKey = Key{Account: "alice", Host: "imap.example.com"}

func TestDelayMonotonicWithoutJitter(t *testing.T) {
	p := NewPolicy()
	p.SetRandom(func() float64 { return 0.5 })

	for _, kind := range mailerr.Kinds {
		prof := p.Profile(testKey, kind)
		prof.JitterFraction = 0
		p.SetProfile(kind, prof)

		var prev time.Duration
		for attempt := 1; attempt <= 64; attempt++ {
			d := p.Delay(testKey, kind, attempt)
			assert.GreaterOrEqual(t, d, prev, "kind=%v attempt=%v", kind, attempt)
			assert.LessOrEqual(t, d, prof.Max, "kind=%v attempt=%v", kind, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			prev = d
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := NewPolicy()
	p.SetProfile(mailerr.KindTimeout, Profile{Base: time.Second, Factor: 2, Max: time.Minute, JitterFraction: 0.5})

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
		p.SetRandom(func() float64 { return r })
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.Delay(testKey, mailerr.KindTimeout, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, time.Minute)
		}
	}

	p.SetRandom(func() float64 { return 0 })
	assert.Equal(t, 2*time.Second, p.Delay(testKey, mailerr.KindTimeout, 3))

	p.SetRandom(func() float64 { return 0.5 })
	assert.Equal(t, 4*time.Second, p.Delay(testKey, mailerr.KindTimeout, 3))
}

func TestDelayOversizedJitterNeverNegative(t *testing.T) {
	p := NewPolicy()
	p.SetProfile(mailerr.KindIO, Profile{Base: time.Second, Factor: 2, Max: time.Minute, JitterFraction: 3})
	p.SetRandom(func() float64 { return 0 })

	assert.Equal(t, time.Duration(0), p.Delay(testKey, mailerr.KindIO, 1))
}

func TestAuthDelayIsFlat(t *testing.T) {
	p := NewPolicy()
	first := p.Delay(testKey, mailerr.KindAuth, 1)
	assert.Equal(t, first, p.Delay(testKey, mailerr.KindAuth, 5))
}

func TestShouldRetry(t *testing.T) {
	p := NewPolicy()

	t.Run("permanent_kinds", func(t *testing.T) {
		for _, kind := range []mailerr.Kind{mailerr.KindAuth, mailerr.KindProtocol, mailerr.KindParse} {
			for attempt := 0; attempt < 5; attempt++ {
				assert.False(t, p.ShouldRetry(testKey, kind, attempt), "kind=%v", kind)
			}
		}
	})

	t.Run("ceiling", func(t *testing.T) {
		max := p.Profile(testKey, mailerr.KindTimeout).MaxAttempts
		assert.True(t, p.ShouldRetry(testKey, mailerr.KindTimeout, 1))
		assert.True(t, p.ShouldRetry(testKey, mailerr.KindTimeout, max))
		assert.False(t, p.ShouldRetry(testKey, mailerr.KindTimeout, max+1))
	})

	t.Run("set_permanent", func(t *testing.T) {
		p := NewPolicy()
		p.SetPermanent(mailerr.KindTimeout, true)
		assert.False(t, p.ShouldRetry(testKey, mailerr.KindTimeout, 1))

		p.SetPermanent(mailerr.KindParse, false)
		assert.True(t, p.ShouldRetry(testKey, mailerr.KindParse, 1))
	})
}

func TestOverridePerKey(t *testing.T) {
	p := NewPolicy()
	p.SetRandom(func() float64 { return 0.5 })

	other := Key{Account: "bob", Host: "imap.example.com"}
	p.SetOverride(testKey, mailerr.KindDNS, Profile{Base: time.Millisecond, Factor: 1, Max: time.Millisecond, MaxAttempts: 2})

	assert.Equal(t, time.Millisecond, p.Delay(testKey, mailerr.KindDNS, 4))
	assert.False(t, p.ShouldRetry(testKey, mailerr.KindDNS, 3))

	assert.Equal(t, 10*time.Second, p.Delay(other, mailerr.KindDNS, 1))
	assert.True(t, p.ShouldRetry(other, mailerr.KindDNS, 3))
}
