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

package watch

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vs49688/mailwire/imap"
	"github.com/vs49688/mailwire/resilience"
)

const defaultPageSize = 50

// Lister returns cached envelopes, newest first.
type Lister interface {
	Recent(limit int, offset int) ([]imap.Envelope, error)
}

type endpointHealth struct {
	Account       string           `json:"account"`
	Host          string           `json:"host"`
	Health        string           `json:"health"`
	UptimePercent float64          `json:"uptime_percent"`
	ErrorRate     float64          `json:"error_rate"`
	Failures      uint64           `json:"failures"`
	CircuitOpen   bool             `json:"circuit_open"`
	LatencyMillis map[string]int64 `json:"latency_ms"`
}

type envelopeJSON struct {
	UID          uint32    `json:"uid"`
	Subject      string    `json:"subject"`
	From         string    `json:"from"`
	InternalDate time.Time `json:"internal_date"`
	Flags        []string  `json:"flags"`
}

func toEnvelopeJSON(env imap.Envelope) envelopeJSON {
	return envelopeJSON{
		UID:          env.UID,
		Subject:      env.Subject,
		From:         env.From,
		InternalDate: env.InternalDate,
		Flags:        env.Flags,
	}
}

// NewServer exposes /metrics, /healthz and /messages.
func NewServer(res *resilience.Service, lister Lister) *gin.Engine {
	registry := prometheus.NewRegistry()
	registry.MustRegister(resilience.NewCollector(res))

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		out := []endpointHealth{}
		for _, snap := range res.Snapshots() {
			if snap.Health == resilience.HealthDown {
				status = http.StatusServiceUnavailable
			}

			latency := map[string]int64{}
			for step, d := range snap.LatencyEMAs {
				latency[string(step)] = d.Milliseconds()
			}

			out = append(out, endpointHealth{
				Account:       snap.Account,
				Host:          snap.Host,
				Health:        snap.Health.String(),
				UptimePercent: snap.UptimePercent,
				ErrorRate:     snap.ErrorRate,
				Failures:      snap.Failures,
				CircuitOpen:   snap.CircuitOpen,
				LatencyMillis: latency,
			})
		}

		c.JSON(status, gin.H{"endpoints": out})
	})

	r.GET("/messages", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}

		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}

		envs, err := lister.Recent(limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]envelopeJSON, 0, len(envs))
		for _, env := range envs {
			out = append(out, toEnvelopeJSON(env))
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	})

	return r
}
