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
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the state of a Service as prometheus metrics.
type Collector struct {
	svc *Service

	operations *prometheus.Desc
	errors     *prometheus.Desc
	latency    *prometheus.Desc
	health     *prometheus.Desc
	uptime     *prometheus.Desc
	circuit    *prometheus.Desc
}

func NewCollector(svc *Service) *Collector {
	labels := []string{"account", "host"}
	return &Collector{
		svc: svc,
		operations: prometheus.NewDesc("mailwire_operations_total",
			"Observed protocol steps by outcome.",
			append(labels, "outcome"), nil),
		errors: prometheus.NewDesc("mailwire_errors_total",
			"Observed failures by error kind.",
			append(labels, "kind"), nil),
		latency: prometheus.NewDesc("mailwire_step_latency_seconds",
			"Exponential moving average of step latency.",
			append(labels, "step"), nil),
		health: prometheus.NewDesc("mailwire_health",
			"Endpoint health: 0 ok, 1 degraded, 2 down.",
			labels, nil),
		uptime: prometheus.NewDesc("mailwire_uptime_percent",
			"Percentage of time spent healthy since startup.",
			labels, nil),
		circuit: prometheus.NewDesc("mailwire_circuit_state",
			"Circuit breaker state, 1 for the current state.",
			append(labels, "state"), nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.operations
	ch <- c.errors
	ch <- c.latency
	ch <- c.health
	ch <- c.uptime
	ch <- c.circuit
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.svc.stats() {
		account, host := st.Key.Account, st.Key.Host

		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(st.Bucket.Successes), account, host, "success")
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(st.Bucket.Failures), account, host, "failure")

		for kind, n := range st.Bucket.Errors {
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), account, host, kind.String())
		}

		for step, ema := range st.Bucket.Latency {
			ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, ema.Value.Seconds(), account, host, string(step))
		}

		ch <- prometheus.MustNewConstMetric(c.health, prometheus.GaugeValue, float64(st.Health), account, host)
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, st.Uptime, account, host)

		current := st.Circuit.Name()
		for _, state := range []string{Closed{}.Name(), Open{}.Name(), HalfOpen{}.Name()} {
			v := 0.0
			if state == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.circuit, prometheus.GaugeValue, v, account, host, state)
		}
	}
}
