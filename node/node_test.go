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

package node

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
)

// freePort reserves a localhost port for a replica.
func freePort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// writeDataDir lays out config.json, node.key and genesis.json for one
// replica.
func writeDataDir(t *testing.T, cfg config.Local, seed crypto.Seed, genesis []basics.NodeInfo) string {
	dir := t.TempDir()
	require.NoError(t, cfg.SaveToDisk(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node.key"), seed[:], 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, GenesisFilename), protocol.EncodeJSON(genesis), 0600))
	return dir
}

// appSchema registers the test application's maps.
func appSchema(store *kv.Store) {
	store.CreateMap("app.values", kv.Public, true)
}

func testSeed(b byte) crypto.Seed {
	var seed crypto.Seed
	seed[0] = b
	return seed
}

func fastConfig() config.Local {
	cfg := config.GetDefaultLocal()
	cfg.Mode = config.ModeCFT
	cfg.ElectionTimeoutMs = 150
	cfg.RequestTimeoutMs = 30
	cfg.StatusIntervalMs = 100
	cfg.SignatureInterval = 1
	return cfg
}

// TestSingleNodeCommit boots a one-replica network and commits a value:
// the node elects itself, the transaction lands at version 1, and the
// following signature advances the commit index.
func TestSingleNodeCommit(t *testing.T) {
	seed := testSeed(1)
	pk := crypto.GenerateSignatureSecrets(seed).SignatureVerifier
	genesis := []basics.NodeInfo{{ID: 1, SignPK: pk}}

	cfg := fastConfig()
	dir := writeDataDir(t, cfg, seed, genesis)

	n, err := MakeNode(dir, logging.TestingLog(t.Name()), appSchema)
	require.NoError(t, err)
	require.Equal(t, basics.NodeID(1), n.ID())
	require.NoError(t, n.Start())
	defer n.Stop()

	require.Eventually(t, func() bool {
		return n.Engine().IsPrimary()
	}, 5*time.Second, 10*time.Millisecond)

	tx := n.Store().NewTransaction()
	tx.GetView("app.values").Put("k", []byte("v"))
	require.Equal(t, kv.CommitOK, tx.Commit())
	require.GreaterOrEqual(t, n.Store().CurrentVersion(), basics.Version(1))
	require.NotEqual(t, crypto.Digest{}, n.History().ReplicatedStateRoot())

	// The signature loop emits a committable entry and the commit index
	// follows.
	require.Eventually(t, func() bool {
		return n.Engine().CommittedIndex() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

// TestThreeNodeReplication runs three replicas over TCP: a leader
// emerges, a committed value replicates everywhere, and the Merkle
// roots agree.
func TestThreeNodeReplication(t *testing.T) {
	seeds := []crypto.Seed{testSeed(1), testSeed(2), testSeed(3)}
	genesis := make([]basics.NodeInfo, 3)
	for i, seed := range seeds {
		genesis[i] = basics.NodeInfo{
			ID:      basics.NodeID(i + 1),
			Address: freePort(t),
			SignPK:  crypto.GenerateSignatureSecrets(seed).SignatureVerifier,
		}
	}

	nodes := make([]*Node, 3)
	for i, seed := range seeds {
		cfg := fastConfig()
		cfg.NetAddress = genesis[i].Address
		dir := writeDataDir(t, cfg, seed, genesis)
		n, err := MakeNode(dir, logging.TestingLog(t.Name()), appSchema)
		require.NoError(t, err)
		nodes[i] = n
	}
	for _, n := range nodes {
		require.NoError(t, n.Start())
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	var leader *Node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Engine().IsPrimary() {
				leader = n
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "no leader elected")

	tx := leader.Store().NewTransaction()
	tx.GetView("app.values").Put("shared", []byte("value"))
	require.Equal(t, kv.CommitOK, tx.Commit())

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			got, ok := n.Store().NewTransaction().GetView("app.values").Get("shared")
			return ok && string(got) == "value" && n.Engine().CommittedIndex() >= 2
		}, 10*time.Second, 20*time.Millisecond, "node %d never converged", n.ID())
	}

	v := leader.Store().CurrentVersion()
	root := leader.History().RootAt(v)
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			return n.Store().CurrentVersion() >= v && n.History().RootAt(v) == root
		}, 10*time.Second, 20*time.Millisecond)
	}
}

// TestRestartReplaysLedger restarts a single replica and checks that the
// committed state is rebuilt from the ledger alone.
func TestRestartReplaysLedger(t *testing.T) {
	seed := testSeed(7)
	pk := crypto.GenerateSignatureSecrets(seed).SignatureVerifier
	genesis := []basics.NodeInfo{{ID: 7, SignPK: pk}}
	dir := writeDataDir(t, fastConfig(), seed, genesis)

	n, err := MakeNode(dir, logging.TestingLog(t.Name()), appSchema)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	require.Eventually(t, func() bool { return n.Engine().IsPrimary() }, 5*time.Second, 10*time.Millisecond)
	tx := n.Store().NewTransaction()
	tx.GetView("app.values").Put("durable", []byte("yes"))
	require.Equal(t, kv.CommitOK, tx.Commit())
	require.Eventually(t, func() bool {
		return n.Engine().CommittedIndex() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	committed := n.Engine().CommittedIndex()
	n.Stop()

	n2, err := MakeNode(dir, logging.TestingLog(t.Name()), appSchema)
	require.NoError(t, err)
	require.NoError(t, n2.Start())
	defer n2.Stop()

	require.GreaterOrEqual(t, n2.Store().CurrentVersion(), committed)
	got, ok := n2.Store().NewTransaction().GetView("app.values").Get("durable")
	require.True(t, ok)
	require.Equal(t, []byte("yes"), got)
}
