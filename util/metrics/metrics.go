// Copyright (C) 2019-2024 Algorand, Inc.
// This file is part of go-concord
//
// go-concord is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// go-concord is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with go-concord.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics registers the replication service's counters and gauges
// on a process-wide Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry holds every metric the service exports.
var DefaultRegistry = prometheus.NewRegistry()

// MakeCounter registers and returns a new counter.
func MakeCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	DefaultRegistry.MustRegister(c)
	return c
}

// MakeGauge registers and returns a new gauge.
func MakeGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	DefaultRegistry.MustRegister(g)
	return g
}

// Handler serves the registry over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// Replication counters, incremented across the consensus, channel and kv
// layers.
var (
	MalformedMessagesDropped = MakeCounter("concord_malformed_messages_dropped_total", "frames dropped because they failed to decode or verify")
	StaleMessagesDropped     = MakeCounter("concord_stale_messages_dropped_total", "messages dropped for carrying an old term, view or index")
	AuthFailures             = MakeCounter("concord_channel_auth_failures_total", "AEAD or handshake verification failures")
	ReplayRejections         = MakeCounter("concord_channel_replay_rejections_total", "frames rejected by the per-lane counter check")
	CommitConflicts          = MakeCounter("concord_kv_commit_conflicts_total", "transactions that failed read-set validation")
	EntriesCommitted         = MakeCounter("concord_entries_committed_total", "replicated entries past the commit point")
	LedgerBytesWritten       = MakeCounter("concord_ledger_bytes_written_total", "payload bytes appended to the ledger")
	ViewChanges              = MakeCounter("concord_view_changes_total", "byzantine view changes entered")
	LeaderElections          = MakeCounter("concord_leader_elections_total", "elections called by this node")
	CommittedIndex           = MakeGauge("concord_commit_index", "highest committed log index")
)
