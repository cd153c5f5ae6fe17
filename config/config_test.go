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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMissingConfigYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfigFromDisk(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, GetDefaultLocal(), cfg)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := GetDefaultLocal()
	cfg.Mode = ModeBFT
	cfg.NetAddress = "127.0.0.1:7700"
	cfg.ViewChangeTimeoutMs = 1234
	require.NoError(t, cfg.SaveToDisk(dir))

	got, err := LoadConfigFromDisk(dir)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
	require.Equal(t, 1234*time.Millisecond, got.ViewChangeTimeout())
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := []byte(`{"Version": 1, "Mode": "bft", "ElectionTimeoutMs": 250}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), partial, 0600))

	cfg, err := LoadConfigFromDisk(dir)
	require.NoError(t, err)
	require.Equal(t, ModeBFT, cfg.Mode)
	require.Equal(t, int64(250), cfg.ElectionTimeoutMs)
	// Unspecified fields keep their defaults.
	require.Equal(t, GetDefaultLocal().RequestTimeoutMs, cfg.RequestTimeoutMs)
	require.Equal(t, GetDefaultLocal().LedgerChunkThresholdBytes, cfg.LedgerChunkThresholdBytes)
}

func TestGarbageConfigRefused(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte("{not json"), 0600))
	_, err := LoadConfigFromDisk(dir)
	require.Error(t, err)
}
