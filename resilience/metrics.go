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

	"github.com/vs49688/mailwire/mailerr"
)

// Alpha is the EMA smoothing factor.
const Alpha = 0.3

const DefaultSoftLatency = 5 * time.Second

type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthDegraded:
		return "degraded"
	default:
		return "down"
	}
}

// EMA is an exponential moving average of durations. The first sample
// initialises it.
type EMA struct {
	Value   time.Duration
	Samples uint64
}

func (e *EMA) Add(d time.Duration) {
	if e.Samples == 0 {
		e.Value = d
	} else {
		e.Value = time.Duration(Alpha*float64(d) + (1-Alpha)*float64(e.Value))
	}
	e.Samples++
}

// Bucket accumulates outcomes for one Key.
type Bucket struct {
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures uint64
	Errors              map[mailerr.Kind]uint64
	Latency             map[Step]*EMA
	UpdatedAt           time.Time
}

func NewBucket() *Bucket {
	return &Bucket{
		Errors:  map[mailerr.Kind]uint64{},
		Latency: map[Step]*EMA{},
	}
}

func (b *Bucket) Record(step Step, took time.Duration, kind mailerr.Kind, failed bool, now time.Time) {
	ema, ok := b.Latency[step]
	if !ok {
		ema = &EMA{}
		b.Latency[step] = ema
	}
	ema.Add(took)

	if failed {
		b.Failures++
		b.ConsecutiveFailures++
		b.Errors[kind]++
	} else {
		b.Successes++
		b.ConsecutiveFailures = 0
	}
	b.UpdatedAt = now
}

// ErrorRate is failures over all outcomes, zero before any outcome.
func (b *Bucket) ErrorRate() float64 {
	total := b.Successes + b.Failures
	if total == 0 {
		return 0
	}
	return float64(b.Failures) / float64(total)
}

func (b *Bucket) Health(softLatency time.Duration) Health {
	switch {
	case b.ConsecutiveFailures >= 3:
		return HealthDown
	case b.ConsecutiveFailures > 0:
		return HealthDegraded
	}

	for _, step := range []Step{StepConnect, StepFetch} {
		if ema, ok := b.Latency[step]; ok && ema.Value > softLatency {
			return HealthDegraded
		}
	}
	return HealthOK
}

func (b *Bucket) latencies() map[Step]time.Duration {
	out := make(map[Step]time.Duration, len(b.Latency))
	for step, ema := range b.Latency {
		out[step] = ema.Value
	}
	return out
}

func (b *Bucket) clone() Bucket {
	c := *b
	c.Errors = make(map[mailerr.Kind]uint64, len(b.Errors))
	for k, v := range b.Errors {
		c.Errors[k] = v
	}

	c.Latency = make(map[Step]*EMA, len(b.Latency))
	for k, v := range b.Latency {
		ema := *v
		c.Latency[k] = &ema
	}
	return c
}
