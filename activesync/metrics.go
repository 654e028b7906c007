/*
 * Omega is an advanced email service that supports Microsoft ActiveSync.
 *
 * Copyright (C) 2016, 2017 Kitae Kim <superkkt@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package activesync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics of command processing. All methods are
// nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// CommandsTotal counts processed commands, labeled by command and the
	// resulting protocol status ("http_<code>" for HTTP level failures).
	CommandsTotal *prometheus.CounterVec

	// CommandDuration observes command processing time in seconds.
	CommandDuration *prometheus.HistogramVec

	// PingWaiting tracks the number of Ping commands currently waiting for
	// changes.
	PingWaiting prometheus.Gauge

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited prometheus.Counter
}

// NewMetrics creates and registers the metrics with reg. If reg is nil,
// metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omega",
			Subsystem: "activesync",
			Name:      "commands_total",
			Help:      "Total number of processed ActiveSync commands",
		}, []string{"command", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omega",
			Subsystem: "activesync",
			Name:      "command_duration_seconds",
			Help:      "Processing time of ActiveSync commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"command"}),
		PingWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omega",
			Subsystem: "activesync",
			Name:      "ping_waiting",
			Help:      "Current number of Ping commands waiting for changes",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omega",
			Subsystem: "activesync",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.CommandsTotal,
			m.CommandDuration,
			m.PingWaiting,
			m.RateLimited,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return m
}

// RecordCommand records the outcome of one command.
func (m *Metrics) RecordCommand(cmd string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(cmd, strconv.Itoa(int(status))).Inc()
	m.CommandDuration.WithLabelValues(cmd).Observe(elapsed.Seconds())
}

// RecordHTTPFailure records a command that failed at the HTTP level.
func (m *Metrics) RecordHTTPFailure(cmd string, code int) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(cmd, "http_"+strconv.Itoa(code)).Inc()
}

func (m *Metrics) PingStarted() {
	if m == nil {
		return
	}
	m.PingWaiting.Inc()
}

func (m *Metrics) PingFinished() {
	if m == nil {
		return
	}
	m.PingWaiting.Dec()
}

func (m *Metrics) recordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
