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

// Package config holds the per-node-instance configuration settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfigFilename is the name of the config.json file where we store
// per-instance settings.
const ConfigFilename = "config.json"

// ConfigVersion is the current version of the defaults, used to migrate
// configs written by older binaries.
const ConfigVersion = 1

// ConsensusMode selects which replication protocol the node runs.  The
// mode is fixed for the lifetime of the service.
type ConsensusMode string

const (
	// ModeCFT runs the crash-fault-tolerant leader-based protocol.
	ModeCFT ConsensusMode = "cft"
	// ModeBFT runs the byzantine-fault-tolerant ordering protocol.
	ModeBFT ConsensusMode = "bft"
)

// Local holds the per-node-instance configuration settings.
//
// Field defaults live in defaultLocal; a config.json on disk only needs to
// carry the fields it overrides.
type Local struct {
	// Version tracks the version of the defaults so we can migrate old -> new.
	Version uint32 `json:"Version"`

	// Mode selects "cft" or "bft" replication.
	Mode ConsensusMode `json:"Mode"`

	// NetAddress is the address and port on which the node listens for
	// incoming channel connections, or blank to ignore incoming connections.
	NetAddress string `json:"NetAddress"`

	// IncomingConnectionsLimit bounds concurrent inbound channels.
	IncomingConnectionsLimit int `json:"IncomingConnectionsLimit"`

	// ElectionTimeoutMs is the follower silence interval before calling an
	// election (cft).
	ElectionTimeoutMs int64 `json:"ElectionTimeoutMs"`

	// RequestTimeoutMs is the leader's AppendEntries heartbeat interval (cft).
	RequestTimeoutMs int64 `json:"RequestTimeoutMs"`

	// ViewChangeTimeoutMs bounds how long a request may sit unordered
	// before backups force a view change (bft).
	ViewChangeTimeoutMs int64 `json:"ViewChangeTimeoutMs"`

	// StatusIntervalMs is the period of Status heartbeats between peers.
	StatusIntervalMs int64 `json:"StatusIntervalMs"`

	// CheckpointInterval is the number of executed sequence numbers between
	// emitted checkpoints (bft).
	CheckpointInterval uint64 `json:"CheckpointInterval"`

	// MaxOutstanding is the bft sequence window beyond the last stable
	// checkpoint.
	MaxOutstanding uint64 `json:"MaxOutstanding"`

	// SignatureInterval is the number of committed versions between emitted
	// history signatures.
	SignatureInterval uint64 `json:"SignatureInterval"`

	// SnapshotInterval is the number of committed versions between KV
	// snapshots; 0 disables the snapshotter.
	SnapshotInterval uint64 `json:"SnapshotInterval"`

	// LedgerChunkThresholdBytes caps a ledger chunk before the next
	// committable entry seals it.
	LedgerChunkThresholdBytes uint64 `json:"LedgerChunkThresholdBytes"`

	// VerifyWorkers bounds the request-verification backlog; 0 uses the
	// CPU count.
	VerifyWorkers int `json:"VerifyWorkers"`

	// EnableMetrics exposes the prometheus registry over http.
	EnableMetrics bool `json:"EnableMetrics"`

	// MetricsAddress is where /metrics is served when EnableMetrics is set.
	MetricsAddress string `json:"MetricsAddress"`

	// BaseLoggerDebugLevel sets the logging level (logrus numeric levels).
	BaseLoggerDebugLevel uint32 `json:"BaseLoggerDebugLevel"`

	// LogSizeLimit caps node.log before it is archived, in bytes.
	LogSizeLimit uint64 `json:"LogSizeLimit"`
}

var defaultLocal = Local{
	Version:                   ConfigVersion,
	Mode:                      ModeCFT,
	NetAddress:                "",
	IncomingConnectionsLimit:  64,
	ElectionTimeoutMs:         1000,
	RequestTimeoutMs:          100,
	ViewChangeTimeoutMs:       5000,
	StatusIntervalMs:          1000,
	CheckpointInterval:        128,
	MaxOutstanding:            256,
	SignatureInterval:         100,
	SnapshotInterval:          0,
	LedgerChunkThresholdBytes: 5 * 1024 * 1024,
	VerifyWorkers:             0,
	EnableMetrics:             false,
	MetricsAddress:            "127.0.0.1:9106",
	BaseLoggerDebugLevel:      4,
	LogSizeLimit:              1 << 30,
}

// GetDefaultLocal returns a copy of the current defaultLocal config.
func GetDefaultLocal() Local {
	return defaultLocal
}

// LoadConfigFromDisk loads a Local from rootDir/config.json, merged over
// the defaults.  A missing file yields the defaults.
func LoadConfigFromDisk(rootDir string) (Local, error) {
	return loadConfigFromFile(filepath.Join(rootDir, ConfigFilename))
}

func loadConfigFromFile(configFile string) (Local, error) {
	c := defaultLocal
	f, err := os.Open(configFile)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(&c); err != nil {
		return defaultLocal, fmt.Errorf("config: cannot parse %s: %w", configFile, err)
	}
	c.fillDefaults()
	return c, nil
}

// fillDefaults migrates configs written before newer fields existed by
// filling zero values whose defaults are non-zero.
func (cfg *Local) fillDefaults() {
	if cfg.Mode == "" {
		cfg.Mode = defaultLocal.Mode
	}
	if cfg.ElectionTimeoutMs == 0 {
		cfg.ElectionTimeoutMs = defaultLocal.ElectionTimeoutMs
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = defaultLocal.RequestTimeoutMs
	}
	if cfg.ViewChangeTimeoutMs == 0 {
		cfg.ViewChangeTimeoutMs = defaultLocal.ViewChangeTimeoutMs
	}
	if cfg.StatusIntervalMs == 0 {
		cfg.StatusIntervalMs = defaultLocal.StatusIntervalMs
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = defaultLocal.CheckpointInterval
	}
	if cfg.MaxOutstanding == 0 {
		cfg.MaxOutstanding = defaultLocal.MaxOutstanding
	}
	if cfg.SignatureInterval == 0 {
		cfg.SignatureInterval = defaultLocal.SignatureInterval
	}
	if cfg.LedgerChunkThresholdBytes == 0 {
		cfg.LedgerChunkThresholdBytes = defaultLocal.LedgerChunkThresholdBytes
	}
	if cfg.LogSizeLimit == 0 {
		cfg.LogSizeLimit = defaultLocal.LogSizeLimit
	}
	cfg.Version = ConfigVersion
}

// SaveToDisk writes the Local settings into a root/ConfigFilename file.
func (cfg Local) SaveToDisk(rootDir string) error {
	configpath := filepath.Join(rootDir, ConfigFilename)
	return cfg.SaveToFile(configpath)
}

// SaveToFile saves the config to a specific filename, allowing overriding
// the default name.
func (cfg Local) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(data, '\n'), 0600)
}

// ElectionTimeout returns the election timeout as a duration.
func (cfg Local) ElectionTimeout() time.Duration {
	return time.Duration(cfg.ElectionTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the heartbeat interval as a duration.
func (cfg Local) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

// ViewChangeTimeout returns the view-change timeout as a duration.
func (cfg Local) ViewChangeTimeout() time.Duration {
	return time.Duration(cfg.ViewChangeTimeoutMs) * time.Millisecond
}

// StatusInterval returns the status heartbeat period as a duration.
func (cfg Local) StatusInterval() time.Duration {
	return time.Duration(cfg.StatusIntervalMs) * time.Millisecond
}
