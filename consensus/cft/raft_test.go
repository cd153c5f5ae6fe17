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

package cft

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/consensus"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/history"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/ledger"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
)

// cluster routes messages between engines in-process, with optional
// directional blocking to simulate partitions and crashes.
type cluster struct {
	t *testing.T

	mu      sync.Mutex
	nodes   map[basics.NodeID]*testNode
	blocked map[[2]basics.NodeID]bool
}

type testNode struct {
	id      basics.NodeID
	store   *kv.Store
	history *history.History
	ledger  *ledger.Ledger
	engine  *Engine
}

type busSender struct {
	c    *cluster
	self basics.NodeID
}

func (s busSender) Send(peer basics.NodeID, tag protocol.Tag, data []byte) error {
	s.c.mu.Lock()
	blocked := s.c.blocked[[2]basics.NodeID{s.self, peer}]
	n := s.c.nodes[peer]
	s.c.mu.Unlock()
	if blocked || n == nil {
		return errors.New("unreachable")
	}
	n.engine.HandleMessage(tag, s.self, data)
	return nil
}

func (s busSender) Connect(peer basics.NodeID) error { return nil }
func (s busSender) Disconnect(peer basics.NodeID)    {}

// storeSink adapts the engine to the store's replication contract.
type storeSink struct {
	e *Engine
}

func (s storeSink) Replicate(v basics.Version, term basics.Term, data []byte, committable bool) bool {
	return s.e.Replicate([]consensus.Entry{{Idx: v, Data: data, Committable: committable}}, term)
}

func testConfig() config.Local {
	cfg := config.GetDefaultLocal()
	cfg.ElectionTimeoutMs = 100
	cfg.RequestTimeoutMs = 10
	cfg.StatusIntervalMs = 50
	return cfg
}

func makeCluster(t *testing.T, ids ...basics.NodeID) *cluster {
	c := &cluster{
		t:       t,
		nodes:   make(map[basics.NodeID]*testNode),
		blocked: make(map[[2]basics.NodeID]bool),
	}
	for _, id := range ids {
		c.addNode(id, ids)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.engine.Stop()
			n.ledger.Close()
		}
	})
	return c
}

func (c *cluster) addNode(id basics.NodeID, ids []basics.NodeID) *testNode {
	log := logging.TestingLog(c.t.Name()).With("node", id)
	store := kv.MakeStore(log)
	store.CreateMap("app.values", kv.Public, true)
	store.CreateMap(kv.SignaturesMapName, kv.Public, true)
	store.CreateMap(kv.NodesMapName, kv.Public, true)

	var seed crypto.Seed
	seed[0] = byte(id)
	secrets := crypto.GenerateSignatureSecrets(seed)
	h := history.MakeHistory(store, id, secrets, log)
	store.SetHistory(h)

	led, err := ledger.Open(c.t.TempDir(), 1<<20, log)
	require.NoError(c.t, err)

	e := MakeEngine(id, testConfig(), led, store, h, busSender{c: c, self: id}, nil, ids, log)
	store.SetReplicator(storeSink{e: e})

	n := &testNode{id: id, store: store, history: h, ledger: led, engine: e}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	return n
}

func (c *cluster) block(from, to basics.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[[2]basics.NodeID{from, to}] = true
}

func (c *cluster) unblock(from, to basics.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, [2]basics.NodeID{from, to})
}

// isolate cuts a node off in both directions.
func (c *cluster) isolate(id basics.NodeID) {
	for other := range c.nodes {
		if other != id {
			c.block(id, other)
			c.block(other, id)
		}
	}
}

func (c *cluster) rejoin(id basics.NodeID) {
	for other := range c.nodes {
		if other != id {
			c.unblock(id, other)
			c.unblock(other, id)
		}
	}
}

// settle waits for queued sends to drain.
func (c *cluster) settle() {
	time.Sleep(50 * time.Millisecond)
}

func (n *testNode) put(t *testing.T, key, value string) kv.CommitResult {
	tx := n.store.NewTransaction()
	tx.GetView("app.values").Put(key, []byte(value))
	return tx.Commit()
}

// TestSingleNodeAutoCommit covers the single-replica scenario: one tx at
// version 1 commits immediately, the ledger holds one frame, and the
// Merkle root is non-empty.
func TestSingleNodeAutoCommit(t *testing.T) {
	c := makeCluster(t, 1)
	n := c.nodes[1]
	n.engine.ForceBecomeLeader()
	require.Equal(t, Leader, n.engine.Role())

	require.Equal(t, kv.CommitOK, n.put(t, "k", "v"))
	require.Equal(t, basics.Version(1), n.store.CurrentVersion())
	require.Equal(t, basics.Version(1), n.ledger.LastIndex())
	require.NotEqual(t, crypto.Digest{}, n.history.ReplicatedStateRoot())

	// A signature entry is committable and advances the commit index on
	// its own quorum of one.
	require.Equal(t, kv.CommitOK, n.history.EmitSignature())
	require.Eventually(t, func() bool {
		return n.engine.CommittedIndex() == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, basics.Version(2), n.ledger.CommittedIndex())
}

func TestLeaderElection(t *testing.T) {
	c := makeCluster(t, 1, 2, 3)

	// Node 1 times out first and wins the election.
	c.nodes[1].engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, c.nodes[1].engine.Role())
	require.Equal(t, basics.Term(1), c.nodes[1].engine.View())
	require.Equal(t, Follower, c.nodes[2].engine.Role())
	require.Equal(t, basics.NodeID(1), c.nodes[2].engine.Leader())
}

func TestReplicationAcrossCluster(t *testing.T) {
	c := makeCluster(t, 1, 2, 3)
	c.nodes[1].engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, c.nodes[1].engine.Role())

	require.Equal(t, kv.CommitOK, c.nodes[1].put(t, "k", "v"))
	require.Equal(t, kv.CommitOK, c.nodes[1].history.EmitSignature())
	c.settle()

	for _, id := range []basics.NodeID{2, 3} {
		n := c.nodes[id]
		require.Eventually(t, func() bool {
			return n.store.CurrentVersion() == 2 && n.engine.CommittedIndex() == 2
		}, 2*time.Second, 5*time.Millisecond, "node %d", id)
		got, ok := n.store.NewTransaction().GetView("app.values").Get("k")
		require.True(t, ok)
		require.Equal(t, []byte("v"), got)
		// Agreement: serialised entries are bitwise identical, so the
		// Merkle roots agree.
		require.Equal(t, c.nodes[1].history.ReplicatedStateRoot(), n.history.ReplicatedStateRoot())
	}
}

// TestRollbackOnLeaderChange covers the crash-rollback scenario: the old
// leader's unsigned tail is discarded by the new leader and overwritten
// on rejoin.
func TestRollbackOnLeaderChange(t *testing.T) {
	c := makeCluster(t, 1, 2, 3)
	a, b, cc := c.nodes[1], c.nodes[2], c.nodes[3]

	a.engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, a.engine.Role())

	// Entries 1..2 plus a signature at 3: all replicated everywhere.
	require.Equal(t, kv.CommitOK, a.put(t, "k1", "v1"))
	require.Equal(t, kv.CommitOK, a.put(t, "k2", "v2"))
	require.Equal(t, kv.CommitOK, a.history.EmitSignature())
	c.settle()
	require.Eventually(t, func() bool {
		return b.store.CurrentVersion() == 3 && cc.store.CurrentVersion() == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Node 3 stops hearing about entries 4..5 (unsigned).
	c.block(1, 3)
	require.Equal(t, kv.CommitOK, a.put(t, "k4", "v4"))
	require.Equal(t, kv.CommitOK, a.put(t, "k5", "v5"))
	c.settle()
	require.Eventually(t, func() bool {
		return b.store.CurrentVersion() == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, basics.Version(3), cc.store.CurrentVersion())

	// The leader crashes.
	c.isolate(1)

	// Node 2 elects itself; its first action is rolling back to the last
	// committable index.
	b.engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, b.engine.Role())
	require.Equal(t, basics.Version(3), b.engine.LastIndex())
	require.Equal(t, basics.Version(3), b.store.CurrentVersion())
	require.Equal(t, basics.Version(3), b.ledger.LastIndex())

	// The new leader appends its own entry 4; the old leader rejoins and
	// overwrites its unsigned tail.
	require.Equal(t, kv.CommitOK, b.put(t, "k4", "new"))
	c.rejoin(1)
	b.engine.Periodic(20 * time.Millisecond)
	c.settle()

	require.Eventually(t, func() bool {
		return a.engine.Role() == Follower && a.engine.LastIndex() == 4
	}, 2*time.Second, 5*time.Millisecond)
	got, ok := a.store.NewTransaction().GetView("app.values").Get("k4")
	require.True(t, ok)
	require.Equal(t, []byte("new"), got)
	_, ok = a.store.NewTransaction().GetView("app.values").Get("k5")
	require.False(t, ok)
}

func TestReplicateRejectsWrongTermAndGaps(t *testing.T) {
	c := makeCluster(t, 1)
	n := c.nodes[1]
	n.engine.ForceBecomeLeader()

	require.False(t, n.engine.Replicate([]consensus.Entry{{Idx: 1, Data: []byte("x")}}, n.engine.View()+1))
	require.False(t, n.engine.Replicate([]consensus.Entry{{Idx: 5, Data: []byte("x")}}, n.engine.View()))

	// A follower refuses Replicate outright.
	c2 := makeCluster(t, 7, 8)
	require.False(t, c2.nodes[7].engine.Replicate([]consensus.Entry{{Idx: 1, Data: []byte("x")}}, 0))
}

func TestVoteRefusedForStaleLog(t *testing.T) {
	c := makeCluster(t, 1, 2, 3)
	a := c.nodes[1]

	a.engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, kv.CommitOK, a.put(t, "k", "v"))
	require.Equal(t, kv.CommitOK, a.history.EmitSignature())
	c.settle()

	// A candidate whose committable log is behind is refused.
	msg := requestVoteMsg{Term: 5, LastCommittableIdx: 0, LastCommittableTerm: 0}
	a.engine.HandleMessage(protocol.RequestVoteTag, 3, protocol.Encode(&msg))
	c.settle()
	require.Equal(t, Follower, c.nodes[3].engine.Role())
	require.NotEqual(t, Leader, c.nodes[3].engine.Role())
	a.engine.mu.Lock()
	voted := a.engine.votedFor
	a.engine.mu.Unlock()
	require.NotEqual(t, basics.NodeID(3), voted)
}

func TestLeaderRejectsStaleTerm(t *testing.T) {
	c := makeCluster(t, 1, 2)
	a := c.nodes[1]
	a.engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, a.engine.Role())

	// A message from an older term is dropped without side effects.
	stale := appendEntriesMsg{Term: 0}
	before := a.engine.View()
	a.engine.HandleMessage(protocol.AppendEntriesTag, 2, protocol.Encode(&stale))
	require.Equal(t, before, a.engine.View())
	require.Equal(t, Leader, a.engine.Role())
}

func TestConfigurationChangeRetiresDepartedLeader(t *testing.T) {
	c := makeCluster(t, 1, 2, 3)
	a := c.nodes[1]
	a.engine.Periodic(200 * time.Millisecond)
	c.settle()
	require.Equal(t, Leader, a.engine.Role())

	// A new configuration without node 1, effective from the next index.
	next := a.engine.LastIndex() + 1
	for _, n := range c.nodes {
		n.engine.AddConfiguration(next, []basics.NodeID{2, 3})
	}

	// Committing past the configuration boundary drops node 1.
	require.Equal(t, kv.CommitOK, a.put(t, "k", "v"))
	require.Equal(t, kv.CommitOK, a.history.EmitSignature())
	c.settle()
	require.Eventually(t, func() bool {
		return a.engine.Role() == Retired
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatchSizeAdaptsToEntrySize(t *testing.T) {
	c := makeCluster(t, 1)
	e := c.nodes[1].engine

	e.mu.Lock()
	e.observeEntrySize(20000)
	require.Equal(t, 1, e.batchSizeLocked())
	for i := 0; i < 200; i++ {
		e.observeEntrySize(100)
	}
	require.Greater(t, e.batchSizeLocked(), 10)
	e.mu.Unlock()
}

func TestCommitOnlyAtCommittableEntries(t *testing.T) {
	c := makeCluster(t, 1)
	n := c.nodes[1]
	n.engine.ForceBecomeLeader()

	require.Equal(t, kv.CommitOK, n.put(t, "a", "1"))
	require.Equal(t, kv.CommitOK, n.put(t, "b", "2"))
	c.settle()
	// No signature yet: nothing commits.
	require.Equal(t, basics.Version(0), n.engine.CommittedIndex())

	require.Equal(t, kv.CommitOK, n.history.EmitSignature())
	require.Eventually(t, func() bool {
		return n.engine.CommittedIndex() == 3
	}, time.Second, 5*time.Millisecond)
	// Compaction followed the commit.
	require.Equal(t, basics.Version(3), n.store.CompactedVersion())
}
