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
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vs49688/mailwire/mailerr"
)

// Override is a per-endpoint backoff profile, as read from configuration.
type Override struct {
	Account string  `json:"account"`
	Host    string  `json:"host"`
	Kind    string  `json:"kind"`
	Profile Profile `json:"profile"`
}

type Config struct {
	Breaker     BreakerConfig      `json:"breaker"`
	SoftLatency time.Duration      `json:"soft_latency"`
	Default     *Profile           `json:"default,omitempty"`
	Kinds       map[string]Profile `json:"kinds,omitempty"`
	Overrides   []Override         `json:"overrides,omitempty"`
	Permanent   map[string]bool    `json:"permanent,omitempty"`

	Logger *log.Entry       `json:"-"`
	Now    func() time.Time `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Breaker:     DefaultBreakerConfig(),
		SoftLatency: DefaultSoftLatency,
	}
}

// Service is the process-wide resilience state. One is constructed at
// startup and handed to every session. All state sits behind a single
// mutex; subscribers and alert handlers are called without it held.
type Service struct {
	mu          sync.Mutex
	policy      *Policy
	breaker     *Breaker
	softLatency time.Duration
	circuits    map[Key]CircuitState
	buckets     map[Key]*Bucket
	monitor     *Monitor
	subscribers []func(Snapshot)
	alerts      []func(Alert)
	now         func() time.Time
	log         *log.Entry
}

func NewService(cfg *Config) (*Service, error) {
	policy := NewPolicy()

	if cfg.Default != nil {
		policy.SetDefault(*cfg.Default)
	}

	for name, prof := range cfg.Kinds {
		kind, err := mailerr.ParseKind(name)
		if err != nil {
			return nil, err
		}
		policy.SetProfile(kind, prof)
	}

	for _, o := range cfg.Overrides {
		kind, err := mailerr.ParseKind(o.Kind)
		if err != nil {
			return nil, err
		}
		policy.SetOverride(Key{Account: o.Account, Host: o.Host}, kind, o.Profile)
	}

	for name, permanent := range cfg.Permanent {
		kind, err := mailerr.ParseKind(name)
		if err != nil {
			return nil, err
		}
		policy.SetPermanent(kind, permanent)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	soft := cfg.SoftLatency
	if soft <= 0 {
		soft = DefaultSoftLatency
	}

	return &Service{
		policy:      policy,
		breaker:     NewBreaker(cfg.Breaker),
		softLatency: soft,
		circuits:    map[Key]CircuitState{},
		buckets:     map[Key]*Bucket{},
		monitor:     NewMonitor(now()),
		now:         now,
		log:         logger.WithField("component", "resilience"),
	}, nil
}

func (s *Service) Policy() *Policy {
	return s.policy
}

// Subscribe registers fn to receive a snapshot after every observation.
func (s *Service) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) OnAlert(fn func(Alert)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, fn)
}

// Allow returns a KindUnavailable error while the circuit for key is open.
// A nil return while half open takes one of the trial slots.
func (s *Service) Allow(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.circuit(key)
	next, ok := s.breaker.Check(state, s.now())
	s.setCircuit(key, state, next)
	return rejection(key, next, ok)
}

// Peek is Allow without taking a trial slot. It is for callers that
// hand the attempt on to something that calls Allow itself.
func (s *Service) Peek(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.breaker.Check(s.circuit(key), s.now())
	return rejection(key, next, ok)
}

func rejection(key Key, state CircuitState, ok bool) error {
	if ok {
		return nil
	}

	if open, isOpen := state.(Open); isOpen {
		return mailerr.Errorf(mailerr.KindUnavailable, "circuit", "%v temporarily unavailable until %v", key, open.Until.Format(time.RFC3339))
	}
	return mailerr.Errorf(mailerr.KindUnavailable, "circuit", "%v trial call already in flight", key)
}

// Observe records the outcome of one step against key. Unavailable
// errors are the circuit's own rejections and are ignored.
func (s *Service) Observe(key Key, step Step, took time.Duration, err error) {
	kind := mailerr.KindOf(err)
	if err != nil && kind == mailerr.KindUnavailable {
		return
	}

	s.mu.Lock()
	now := s.now()

	b := s.bucket(key)
	b.Record(step, took, kind, err != nil, now)

	state := s.circuit(key)
	if err == nil {
		s.setCircuit(key, state, s.breaker.OnSuccess(state))
	} else {
		s.setCircuit(key, state, s.breaker.OnFailure(state, now))
	}

	snap := s.snapshot(key, now)
	alert := s.monitor.Update(key, &snap, now)

	subscribers := s.subscribers
	handlers := s.alerts
	s.mu.Unlock()

	if err != nil {
		s.log.WithFields(log.Fields{
			"account": key.Account,
			"host":    key.Host,
			"step":    step,
			"kind":    kind,
			"health":  snap.Health,
		}).WithError(err).Debug("resilience_failure_observed")
	}

	for _, fn := range subscribers {
		fn(snap)
	}

	if alert != nil {
		s.log.WithFields(log.Fields{
			"account":    alert.Account,
			"host":       alert.Host,
			"reason":     alert.Reason,
			"error_rate": alert.ErrorRate,
		}).Error("resilience_alert")

		for _, fn := range handlers {
			fn(*alert)
		}
	}
}

func (s *Service) Circuit(key Key) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuit(key)
}

func (s *Service) Snapshot(key Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := s.snapshot(key, now)
	snap.UptimePercent = s.monitor.Uptime(key, now)
	return snap
}

// Snapshots returns a snapshot of every known key, ordered by key.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Snapshot, 0, len(s.buckets))
	for _, key := range s.keys() {
		snap := s.snapshot(key, now)
		snap.UptimePercent = s.monitor.Uptime(key, now)
		out = append(out, snap)
	}
	return out
}

type keyStats struct {
	Key     Key
	Bucket  Bucket
	Circuit CircuitState
	Uptime  float64
	Health  Health
}

func (s *Service) stats() []keyStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]keyStats, 0, len(s.buckets))
	for _, key := range s.keys() {
		b := s.bucket(key)
		out = append(out, keyStats{
			Key:     key,
			Bucket:  b.clone(),
			Circuit: s.circuit(key),
			Uptime:  s.monitor.Uptime(key, now),
			Health:  b.Health(s.softLatency),
		})
	}
	return out
}

func (s *Service) keys() []Key {
	seen := make(map[Key]struct{}, len(s.buckets)+len(s.circuits))
	for k := range s.buckets {
		seen[k] = struct{}{}
	}

	for k := range s.circuits {
		seen[k] = struct{}{}
	}

	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Account != keys[j].Account {
			return keys[i].Account < keys[j].Account
		}
		return keys[i].Host < keys[j].Host
	})
	return keys
}

func (s *Service) snapshot(key Key, now time.Time) Snapshot {
	b := s.bucket(key)
	_, open := s.circuit(key).(Open)

	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	return Snapshot{
		Account:     key.Account,
		Host:        key.Host,
		Health:      b.Health(s.softLatency),
		ErrorRate:   b.ErrorRate(),
		Failures:    b.Failures,
		LatencyEMAs: b.latencies(),
		CircuitOpen: open,
		UpdatedAt:   updated,
	}
}

func (s *Service) bucket(key Key) *Bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = NewBucket()
		s.buckets[key] = b
	}
	return b
}

func (s *Service) circuit(key Key) CircuitState {
	if c, ok := s.circuits[key]; ok {
		return c
	}
	return Closed{}
}

func (s *Service) setCircuit(key Key, prev CircuitState, next CircuitState) {
	s.circuits[key] = next

	if prev.Name() == next.Name() {
		return
	}

	fields := log.Fields{
		"account": key.Account,
		"host":    key.Host,
		"from":    prev.Name(),
		"to":      next.Name(),
	}

	if o, ok := next.(Open); ok {
		fields["until"] = o.Until
		fields["multiplier"] = o.Multiplier
	}

	s.log.WithFields(fields).Info("circuit_transition")
}
