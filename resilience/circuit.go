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

// CircuitState is one of Closed, Open or HalfOpen.
type CircuitState interface {
	Name() string
	isCircuitState()
}

type Closed struct {
	Failures int
}

type Open struct {
	Until      time.Time
	Multiplier int
}

// HalfOpen admits at most Remaining trial calls at a time. Remaining is also
// the number of successes needed to close. A trial call that never reports
// back frees its slot once Base has passed since Probed.
type HalfOpen struct {
	Remaining  int
	Multiplier int
	InFlight   int
	Probed     time.Time
}

func (Closed) isCircuitState()   {}
func (Open) isCircuitState()     {}
func (HalfOpen) isCircuitState() {}

func (Closed) Name() string   { return "closed" }
func (Open) Name() string     { return "open" }
func (HalfOpen) Name() string { return "half_open" }

type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int `json:"threshold"`
	// Base is the open period for a multiplier of one.
	Base          time.Duration `json:"base"`
	MaxMultiplier int           `json:"max_multiplier"`
	// HalfOpenProbes is the number of trial calls admitted at once while half
	// open, and the number of successes needed to close again.
	HalfOpenProbes int `json:"half_open_probes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:      3,
		Base:           30 * time.Second,
		MaxMultiplier:  16,
		HalfOpenProbes: 1,
	}
}

// Breaker computes circuit transitions. It holds no state of its own;
// every method takes the current state and returns the next one.
type Breaker struct {
	cfg BreakerConfig
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}

	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}

	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = def.MaxMultiplier
	}

	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}

	return &Breaker{cfg: cfg}
}

func (b *Breaker) Config() BreakerConfig {
	return b.cfg
}

// Check reports whether an operation may be attempted at now. An Open
// circuit whose period has elapsed moves to HalfOpen.
func (b *Breaker) Check(state CircuitState, now time.Time) (CircuitState, bool) {
	switch s := state.(type) {
	case Open:
		if now.Before(s.Until) {
			return s, false
		}
		return HalfOpen{Remaining: b.cfg.HalfOpenProbes, Multiplier: s.Multiplier, InFlight: 1, Probed: now}, true
	case HalfOpen:
		if s.InFlight >= s.Remaining {
			if now.Before(s.Probed.Add(b.cfg.Base)) {
				return s, false
			}
			s.InFlight = 0
		}

		s.InFlight++
		s.Probed = now
		return s, true
	case Closed:
		return s, true
	default:
		return Closed{}, true
	}
}

func (b *Breaker) OnSuccess(state CircuitState) CircuitState {
	switch s := state.(type) {
	case HalfOpen:
		s.Remaining--
		if s.Remaining <= 0 {
			return Closed{}
		}

		if s.InFlight > 0 {
			s.InFlight--
		}
		return s
	case Open:
		// A success that raced with the circuit opening changes nothing.
		return s
	default:
		return Closed{}
	}
}

func (b *Breaker) OnFailure(state CircuitState, now time.Time) CircuitState {
	switch s := state.(type) {
	case Closed:
		s.Failures++
		if s.Failures < b.cfg.Threshold {
			return s
		}

		overrun := s.Failures - b.cfg.Threshold
		return b.open(now, 1+overrun)
	case HalfOpen:
		return b.open(now, s.Multiplier*2)
	case Open:
		return s
	default:
		return b.OnFailure(Closed{}, now)
	}
}

func (b *Breaker) open(now time.Time, multiplier int) Open {
	if multiplier < 1 {
		multiplier = 1
	}

	if multiplier > b.cfg.MaxMultiplier {
		multiplier = b.cfg.MaxMultiplier
	}

	return Open{
		Until:      now.Add(b.cfg.Base * time.Duration(multiplier)),
		Multiplier: multiplier,
	}
}
