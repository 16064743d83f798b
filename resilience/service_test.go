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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/vs49688/mailwire/mailerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	clock := &fakeClock{now: epoch}

	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{Threshold: 3, Base: time.Minute, MaxMultiplier: 8, HalfOpenProbes: 1}
	cfg.SoftLatency = time.Second
	cfg.Now = clock.Now

	svc, err := NewService(&cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return svc, clock
}

func timeoutErr() error {
	return mailerr.New(mailerr.KindTimeout, "read", errors.New("i/o timeout"))
}

func TestServiceCircuitLifecycle(t *testing.T) {
	svc, clock := newTestService(t)

	assert.NoError(t, svc.Allow(testKey))

	for i := 0; i < 3; i++ {
		svc.Observe(testKey, StepConnect, 10*time.Millisecond, timeoutErr())
	}

	err := svc.Allow(testKey)
	assert.Error(t, err)
	assert.Equal(t, mailerr.KindUnavailable, mailerr.KindOf(err))

	// Rejections are not failures.
	svc.Observe(testKey, StepConnect, 0, err)
	assert.Equal(t, uint64(3), svc.Snapshot(testKey).Failures)

	clock.Advance(time.Minute)
	assert.NoError(t, svc.Allow(testKey))
	assert.IsType(t, HalfOpen{}, svc.Circuit(testKey))

	// A second caller waits for the trial call.
	err = svc.Allow(testKey)
	assert.Error(t, err)
	assert.Equal(t, mailerr.KindUnavailable, mailerr.KindOf(err))

	svc.Observe(testKey, StepConnect, 10*time.Millisecond, nil)
	assert.Equal(t, Closed{}, svc.Circuit(testKey))
	assert.NoError(t, svc.Allow(testKey))
}

func TestServicePeekTakesNoSlot(t *testing.T) {
	svc, clock := newTestService(t)

	for i := 0; i < 3; i++ {
		svc.Observe(testKey, StepConnect, 10*time.Millisecond, timeoutErr())
	}
	assert.Error(t, svc.Peek(testKey))

	clock.Advance(time.Minute)
	assert.NoError(t, svc.Peek(testKey))
	assert.NoError(t, svc.Peek(testKey))
	assert.IsType(t, Open{}, svc.Circuit(testKey))

	assert.NoError(t, svc.Allow(testKey))
	err := svc.Peek(testKey)
	assert.Error(t, err)
	assert.Equal(t, mailerr.KindUnavailable, mailerr.KindOf(err))
}

func TestServiceKeysAreIndependent(t *testing.T) {
	svc, _ := newTestService(t)

	other := Key{Account: "bob", Host: "imap.example.com"}
	for i := 0; i < 3; i++ {
		svc.Observe(testKey, StepLogin, time.Millisecond, timeoutErr())
	}

	assert.Error(t, svc.Allow(testKey))
	assert.NoError(t, svc.Allow(other))
}

func TestServiceHealth(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Observe(testKey, StepConnect, 100*time.Millisecond, nil)
	assert.Equal(t, HealthOK, svc.Snapshot(testKey).Health)

	svc.Observe(testKey, StepFetch, 100*time.Millisecond, timeoutErr())
	assert.Equal(t, HealthDegraded, svc.Snapshot(testKey).Health)

	svc.Observe(testKey, StepFetch, 100*time.Millisecond, timeoutErr())
	svc.Observe(testKey, StepFetch, 100*time.Millisecond, timeoutErr())
	snap := svc.Snapshot(testKey)
	assert.Equal(t, HealthDown, snap.Health)
	assert.True(t, snap.CircuitOpen)
	assert.InDelta(t, 0.75, snap.ErrorRate, 0.0001)
}

func TestServiceSlowFetchDegrades(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Observe(testKey, StepFetch, 3*time.Second, nil)
	assert.Equal(t, HealthDegraded, svc.Snapshot(testKey).Health)

	svc2, _ := newTestService(t)
	svc2.Observe(testKey, StepSearch, 3*time.Second, nil)
	assert.Equal(t, HealthOK, svc2.Snapshot(testKey).Health)
}

func TestEMA(t *testing.T) {
	var e EMA
	e.Add(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, e.Value)

	e.Add(200 * time.Millisecond)
	assert.Equal(t, 130*time.Millisecond, e.Value)
}

func TestServiceAlertsAndSubscribers(t *testing.T) {
	svc, clock := newTestService(t)

	var (
		snaps  []Snapshot
		alerts []Alert
	)
	svc.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })
	svc.OnAlert(func(a Alert) {
		// Handlers run without the lock held.
		_ = svc.Snapshot(testKey)
		alerts = append(alerts, a)
	})

	svc.Observe(testKey, StepConnect, time.Millisecond, nil)
	clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		svc.Observe(testKey, StepConnect, time.Millisecond, timeoutErr())
		clock.Advance(time.Minute)
	}

	assert.Len(t, snaps, 4)
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, "health_down", alerts[0].Reason)
		assert.Equal(t, "alice", alerts[0].Account)
	}

	// No repeat while still down.
	svc.Observe(testKey, StepConnect, time.Millisecond, timeoutErr())
	assert.Len(t, alerts, 1)

	snap := svc.Snapshot(testKey)
	assert.True(t, snap.UptimePercent > 0 && snap.UptimePercent < 100, "%v", snap.UptimePercent)
}

func TestMonitorErrorRateAlert(t *testing.T) {
	m := NewMonitor(epoch)

	alert := m.Update(testKey, &Snapshot{Health: HealthDegraded, ErrorRate: 0.6, Failures: 2}, epoch)
	assert.Nil(t, alert)

	alert = m.Update(testKey, &Snapshot{Health: HealthDegraded, ErrorRate: 0.6, Failures: 3}, epoch)
	if assert.NotNil(t, alert) {
		assert.Equal(t, "error_rate", alert.Reason)
	}

	assert.Nil(t, m.Update(testKey, &Snapshot{Health: HealthDegraded, ErrorRate: 0.6, Failures: 4}, epoch))
	assert.Nil(t, m.Update(testKey, &Snapshot{Health: HealthOK, ErrorRate: 0.4, Failures: 4}, epoch))
	assert.NotNil(t, m.Update(testKey, &Snapshot{Health: HealthDown, ErrorRate: 0.4, Failures: 4}, epoch))
}

func TestMonitorUptime(t *testing.T) {
	m := NewMonitor(epoch)

	snap := &Snapshot{Health: HealthOK}
	m.Update(testKey, snap, epoch.Add(3*time.Minute))
	assert.Equal(t, 100.0, snap.UptimePercent)

	snap = &Snapshot{Health: HealthDown}
	m.Update(testKey, snap, epoch.Add(3*time.Minute))

	assert.InDelta(t, 75.0, m.Uptime(testKey, epoch.Add(4*time.Minute)), 0.0001)
}

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kinds = map[string]Profile{"dns": {Base: time.Second, Factor: 1, Max: time.Second}}
	cfg.Overrides = []Override{{Account: "alice", Host: "imap.example.com", Kind: "timeout", Profile: Profile{Base: 7 * time.Second, Max: 7 * time.Second}}}
	cfg.Permanent = map[string]bool{"io": true}

	svc, err := NewService(&cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, time.Second, svc.Policy().Delay(testKey, mailerr.KindDNS, 3))
	assert.Equal(t, 7*time.Second, svc.Policy().Delay(testKey, mailerr.KindTimeout, 3))
	assert.False(t, svc.Policy().ShouldRetry(testKey, mailerr.KindIO, 1))

	cfg.Permanent = map[string]bool{"bogus": true}
	_, err = NewService(&cfg)
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Observe(testKey, StepConnect, 250*time.Millisecond, nil)
	svc.Observe(testKey, StepFetch, 250*time.Millisecond, timeoutErr())

	c := NewCollector(svc)

	assert.Equal(t, 2, testutil.CollectAndCount(c, "mailwire_operations_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "mailwire_errors_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "mailwire_step_latency_seconds"))
	assert.Equal(t, 3, testutil.CollectAndCount(c, "mailwire_circuit_state"))

	expected := `
# HELP mailwire_errors_total Observed failures by error kind.
# TYPE mailwire_errors_total counter
mailwire_errors_total{account="alice",host="imap.example.com",kind="timeout"} 1
# HELP mailwire_health Endpoint health: 0 ok, 1 degraded, 2 down.
# TYPE mailwire_health gauge
mailwire_health{account="alice",host="imap.example.com"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected), "mailwire_errors_total", "mailwire_health")
	assert.NoError(t, err)
}
