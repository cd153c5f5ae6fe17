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

package bft

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

// appPayload is the test application's request body.
type appPayload struct {
	Key   string `codec:"k"`
	Value []byte `codec:"v"`
}

type cluster struct {
	t *testing.T

	mu       sync.Mutex
	replicas map[basics.NodeID]*testReplica
	blocked  map[[2]basics.NodeID]bool
	keys     map[basics.NodeID]crypto.SignatureVerifier

	clientMu sync.Mutex
	replies  map[basics.NodeID][]replyMsg
}

type testReplica struct {
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
	r := s.c.replicas[peer]
	s.c.mu.Unlock()
	if blocked {
		return errors.New("unreachable")
	}
	if r == nil {
		// Clients receive replies out of band.
		if tag == protocol.ReplyTag {
			var msg replyMsg
			if err := protocol.Decode(data, &msg); err != nil {
				return err
			}
			s.c.clientMu.Lock()
			s.c.replies[peer] = append(s.c.replies[peer], msg)
			s.c.clientMu.Unlock()
			return nil
		}
		return errors.New("unknown peer")
	}
	r.engine.HandleMessage(tag, s.self, data)
	return nil
}

func (s busSender) Connect(peer basics.NodeID) error { return nil }
func (s busSender) Disconnect(peer basics.NodeID)    {}

type storeSink struct {
	e *Engine
}

func (s storeSink) Replicate(v basics.Version, term basics.Term, data []byte, committable bool) bool {
	return s.e.Replicate([]consensus.Entry{{Idx: v, Data: data, Committable: committable}}, term)
}

func secretsFor(id basics.NodeID) *crypto.SignatureSecrets {
	var seed crypto.Seed
	seed[0] = byte(id)
	return crypto.GenerateSignatureSecrets(seed)
}

func testConfig() config.Local {
	cfg := config.GetDefaultLocal()
	cfg.Mode = config.ModeBFT
	cfg.ViewChangeTimeoutMs = 100
	cfg.StatusIntervalMs = 5000
	cfg.CheckpointInterval = 1 << 20 // effectively off unless a test lowers it
	cfg.MaxOutstanding = 64
	return cfg
}

func makeClusterWithConfig(t *testing.T, cfg config.Local, ids ...basics.NodeID) *cluster {
	c := &cluster{
		t:        t,
		replicas: make(map[basics.NodeID]*testReplica),
		blocked:  make(map[[2]basics.NodeID]bool),
		keys:     make(map[basics.NodeID]crypto.SignatureVerifier),
		replies:  make(map[basics.NodeID][]replyMsg),
	}
	for _, id := range ids {
		c.keys[id] = secretsFor(id).SignatureVerifier
	}
	lookup := func(id basics.NodeID) (crypto.SignatureVerifier, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		pk, ok := c.keys[id]
		return pk, ok
	}
	for _, id := range ids {
		id := id
		log := logging.TestingLog(t.Name()).With("node", id)
		store := kv.MakeStore(log)
		store.CreateMap("app.values", kv.Public, true)
		store.CreateMap(kv.SignaturesMapName, kv.Public, true)
		store.CreateMap(kv.NodesMapName, kv.Public, true)
		h := history.MakeHistory(store, id, secretsFor(id), log)
		store.SetHistory(h)
		led, err := ledger.Open(t.TempDir(), 1<<20, log)
		require.NoError(t, err)

		apply := func(data []byte) {
			var p appPayload
			if protocol.Decode(data, &p) != nil {
				return
			}
			tx := store.NewTransaction()
			tx.GetView("app.values").Put(p.Key, p.Value)
			tx.Commit()
		}
		e := MakeEngine(id, cfg, led, store, h, busSender{c: c, self: id}, nil, secretsFor(id), lookup, apply, ids, nil, log)
		store.SetReplicator(storeSink{e: e})
		c.replicas[id] = &testReplica{id: id, store: store, history: h, ledger: led, engine: e}
	}
	t.Cleanup(func() {
		for _, r := range c.replicas {
			r.engine.Stop()
			r.ledger.Close()
		}
	})
	return c
}

func makeCluster(t *testing.T, ids ...basics.NodeID) *cluster {
	return makeClusterWithConfig(t, testConfig(), ids...)
}

func (c *cluster) addClient(id basics.NodeID) *crypto.SignatureSecrets {
	secrets := secretsFor(id)
	c.mu.Lock()
	c.keys[id] = secrets.SignatureVerifier
	c.mu.Unlock()
	return secrets
}

func (c *cluster) block(from, to basics.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[[2]basics.NodeID{from, to}] = true
}

func (c *cluster) isolate(id basics.NodeID) {
	for other := range c.replicas {
		if other != id {
			c.block(id, other)
			c.block(other, id)
		}
	}
}

func (c *cluster) settle() {
	time.Sleep(100 * time.Millisecond)
}

// put commits a tx on the primary, entering the ordering pipeline.
func (r *testReplica) put(t *testing.T, key, value string) {
	tx := r.store.NewTransaction()
	tx.GetView("app.values").Put(key, []byte(value))
	require.Equal(t, kv.CommitOK, tx.Commit())
}

func (c *cluster) requireAgreement(t *testing.T, version basics.Version, ids ...basics.NodeID) {
	var root crypto.Digest
	for i, id := range ids {
		r := c.replicas[id]
		require.Eventually(t, func() bool {
			return r.store.CurrentVersion() >= version
		}, 5*time.Second, 5*time.Millisecond, "node %d never reached version %d", id, version)
		if i == 0 {
			root = r.history.RootAt(version)
		} else {
			require.Equal(t, root, r.history.RootAt(version), "node %d root differs", id)
		}
	}
}

func TestOrderingPipeline(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	primary := c.replicas[1]
	require.True(t, primary.engine.IsPrimary())

	primary.put(t, "k", "v")
	c.settle()

	c.requireAgreement(t, 1, 1, 2, 3, 4)
	for _, id := range []basics.NodeID{1, 2, 3, 4} {
		r := c.replicas[id]
		require.Eventually(t, func() bool {
			return r.engine.LastExecuted() == 1
		}, 5*time.Second, 5*time.Millisecond)
		// The nonce-reveal watermark surfaces the commit to the kv.
		require.Eventually(t, func() bool {
			return r.engine.CommittedIndex() == 1 && r.store.CompactedVersion() == 1
		}, 5*time.Second, 5*time.Millisecond, "node %d watermark", id)
		require.Equal(t, basics.Version(1), r.ledger.CommittedIndex())
	}
}

func TestBackupRefusesReplicate(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	backup := c.replicas[2]
	ok := backup.engine.Replicate([]consensus.Entry{{Idx: 1, Data: []byte("x")}}, 0)
	require.False(t, ok)
}

func TestClientRequestAndReplyCache(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	client := c.addClient(99)

	payload := protocol.Encode(&appPayload{Key: "greeting", Value: []byte("hello")})
	req := requestMsg{Client: 99, ReqID: 1, Data: payload}
	req.Sig = client.Sign(req)

	c.replicas[1].engine.HandleMessage(protocol.RequestTag, 99, protocol.Encode(&req))
	c.settle()

	c.requireAgreement(t, 1, 1, 2, 3, 4)
	require.Eventually(t, func() bool {
		c.clientMu.Lock()
		defer c.clientMu.Unlock()
		return len(c.replies[99]) >= 1
	}, 5*time.Second, 5*time.Millisecond)

	// A retransmitted request is answered from the reply cache without
	// re-execution.
	before := c.replicas[1].store.CurrentVersion()
	c.replicas[1].engine.HandleMessage(protocol.RequestTag, 99, protocol.Encode(&req))
	require.Eventually(t, func() bool {
		c.clientMu.Lock()
		defer c.clientMu.Unlock()
		return len(c.replies[99]) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, before, c.replicas[1].store.CurrentVersion())
}

func TestRequestWithBadSignatureDropped(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	c.addClient(99)
	other := secretsFor(98)

	payload := protocol.Encode(&appPayload{Key: "k", Value: []byte("v")})
	req := requestMsg{Client: 99, ReqID: 1, Data: payload}
	req.Sig = other.Sign(req) // wrong key

	c.replicas[1].engine.HandleMessage(protocol.RequestTag, 99, protocol.Encode(&req))
	c.settle()
	require.Equal(t, basics.Version(0), c.replicas[1].store.CurrentVersion())
}

// TestViewChangeOnPrimaryStall covers the stalled-primary scenario: the
// primary orders a batch and disappears before it can commit; the
// backups' timers expire, the next primary re-issues the batch in the
// new view, and it executes exactly once everywhere.
func TestViewChangeOnPrimaryStall(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	client := c.addClient(99)

	// The client's request reaches every replica; backups forward it to
	// the primary and arm their view-change timers.
	// The primary is already half-dark: only backup 2 will see its
	// pre-prepare, and nothing reaches it back.
	c.block(1, 3)
	c.block(1, 4)
	c.block(2, 1)
	c.block(3, 1)
	c.block(4, 1)

	payload := protocol.Encode(&appPayload{Key: "k", Value: []byte("v")})
	req := requestMsg{Client: 99, ReqID: 1, Data: payload}
	req.Sig = client.Sign(req)
	raw := protocol.Encode(&req)
	for _, id := range []basics.NodeID{2, 3, 4} {
		c.replicas[id].engine.HandleMessage(protocol.RequestTag, 99, raw)
	}
	c.settle()

	// The request reaches the primary directly; it orders the batch and
	// the pre-prepare reaches backup 2 alone.
	c.replicas[1].engine.HandleMessage(protocol.RequestTag, 99, raw)
	c.settle()
	c.isolate(1)

	// No commit certificate can form; the backups' timers expire.
	for _, id := range []basics.NodeID{2, 3, 4} {
		c.replicas[id].engine.Periodic(200 * time.Millisecond)
	}
	c.settle()

	newPrimary := c.replicas[2]
	require.Eventually(t, func() bool {
		return newPrimary.engine.View() == 1 && newPrimary.engine.IsPrimary()
	}, 5*time.Second, 5*time.Millisecond)

	// The re-issued batch commits in the new view on the live replicas.
	for _, id := range []basics.NodeID{2, 3, 4} {
		r := c.replicas[id]
		require.Eventually(t, func() bool {
			return r.engine.LastExecuted() >= 1 && r.store.CurrentVersion() == 1
		}, 5*time.Second, 5*time.Millisecond, "node %d", id)
		got, ok := r.store.NewTransaction().GetView("app.values").Get("k")
		require.True(t, ok)
		require.Equal(t, []byte("v"), got)
	}
	c.requireAgreement(t, 1, 2, 3, 4)
}

// TestExecutionMismatch covers a lying primary: a pre-prepare whose
// claimed root disagrees with tentative execution is rolled back and not
// prepared.
func TestExecutionMismatch(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	backup := c.replicas[2]

	// Build a valid entry against a scratch store with the same schema,
	// then claim a bogus root for it.
	log := logging.TestingLog(t.Name())
	scratch := kv.MakeStore(log)
	scratch.CreateMap("app.values", kv.Public, true)
	scratch.CreateMap(kv.SignaturesMapName, kv.Public, true)
	scratch.CreateMap(kv.NodesMapName, kv.Public, true)
	var entryData []byte
	scratch.SetReplicator(captureSink{&entryData})
	tx := scratch.NewTransaction()
	tx.GetView("app.values").Put("k", []byte("v"))
	require.Equal(t, kv.CommitOK, tx.Commit())

	pp := prePrepareMsg{
		View:        0,
		Seq:         1,
		FirstIdx:    1,
		Entries:     []batchEntry{{Idx: 1, Data: entryData}},
		StateRoot:   crypto.Hash([]byte("not the real root")),
		HashedNonce: hashNonce([32]byte{1}),
	}
	backup.engine.HandleMessage(protocol.PrePrepareTag, 1, protocol.Encode(&pp))
	c.settle()

	// The tentative execution was rolled back and no prepare was sent.
	require.Equal(t, basics.Version(0), backup.store.CurrentVersion())
	require.Equal(t, basics.SeqNo(0), backup.engine.LastExecuted())
	for _, id := range []basics.NodeID{3, 4} {
		require.Equal(t, basics.Version(0), c.replicas[id].store.CurrentVersion())
	}
}

type captureSink struct {
	out *[]byte
}

func (s captureSink) Replicate(v basics.Version, t basics.Term, data []byte, committable bool) bool {
	*s.out = append([]byte{}, data...)
	return true
}

func TestCheckpointsStabilise(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointInterval = 2
	c := makeClusterWithConfig(t, cfg, 1, 2, 3, 4)
	primary := c.replicas[1]

	for i := 0; i < 4; i++ {
		primary.put(t, "k", string(rune('a'+i)))
	}
	c.settle()

	for _, id := range []basics.NodeID{1, 2, 3, 4} {
		r := c.replicas[id]
		require.Eventually(t, func() bool {
			return r.engine.LastStable() >= 2
		}, 5*time.Second, 5*time.Millisecond, "node %d never stabilised", id)
	}
}

func TestStateTransfer(t *testing.T) {
	c := makeCluster(t, 1, 2, 3, 4)
	primary := c.replicas[1]

	// Replica 4 misses everything.
	c.isolate(4)
	for i := 0; i < 3; i++ {
		primary.put(t, "k", string(rune('a'+i)))
	}
	c.settle()
	c.requireAgreement(t, 3, 1, 2, 3)
	require.Eventually(t, func() bool {
		return primary.engine.CommittedIndex() == 3
	}, 5*time.Second, 5*time.Millisecond)

	// Back online, it fetches the committed state wholesale.
	c.rejoin(4)
	lagging := c.replicas[4]
	lagging.engine.StartFetch()
	c.settle()

	require.Eventually(t, func() bool {
		return lagging.store.CurrentVersion() == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, primary.history.RootAt(3), lagging.history.RootAt(3))
	got, ok := lagging.store.NewTransaction().GetView("app.values").Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("c"), got)
}

func (c *cluster) rejoin(id basics.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pair := range c.blocked {
		if pair[0] == id || pair[1] == id {
			delete(c.blocked, pair)
		}
	}
}
