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

// Package node wires the store, ledger, history, channels and the chosen
// replication engine into one running replica.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/consensus"
	"github.com/algorand/go-concord/consensus/bft"
	"github.com/algorand/go-concord/consensus/cft"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/history"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/ledger"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/network"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// GenesisFilename holds the initial replica set in the data directory.
const GenesisFilename = "genesis.json"

// keyFilename holds the node's 32-byte signing seed.
const keyFilename = "node.key"

// ledgerDirname is the ledger directory under the data dir.
const ledgerDirname = "ledger"

// periodicTick is the resolution of the engine's timer processing.
const periodicTick = 10 * time.Millisecond

// Node is one running replica.
type Node struct {
	log logging.Logger
	cfg config.Local

	rootDir string
	id      basics.NodeID
	secrets *crypto.SignatureSecrets

	genesis []basics.NodeInfo

	store    *kv.Store
	history  *history.History
	ledger   *ledger.Ledger
	channels *network.ChannelManager
	net      *network.Network
	engine   consensus.Engine

	// applyRequest executes a verified BFT client request payload; the
	// default applier writes it into the requests map.
	applyRequest func(data []byte)

	ctx       context.Context
	ctxCancel context.CancelFunc
	eg        errgroup.Group

	lastSigned basics.Version
}

// RequestsMapName is where the default request applier records payloads.
const RequestsMapName = "app.requests"

// MakeNode assembles a replica from a data directory holding config.json,
// genesis.json and the node key.  Schema callbacks register the
// application's maps; they run before the ledger is replayed, so the
// schema must match the one the entries were produced against.
func MakeNode(rootDir string, log logging.Logger, schema ...func(*kv.Store)) (*Node, error) {
	cfg, err := config.LoadConfigFromDisk(rootDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		log:     log,
		cfg:     cfg,
		rootDir: rootDir,
	}
	n.ctx, n.ctxCancel = context.WithCancel(context.Background())

	if err := n.loadIdentity(); err != nil {
		return nil, err
	}

	n.store = kv.MakeStore(log)
	n.store.CreateMap(kv.SignaturesMapName, kv.Public, true)
	n.store.CreateMap(kv.NodesMapName, kv.Public, true)
	n.store.CreateMap(kv.PrePreparesMapName, kv.Public, true)
	n.store.CreateMap(kv.NewViewsMapName, kv.Public, true)
	n.store.CreateMap(kv.BackupSignaturesMapName, kv.Public, true)
	n.store.CreateMap(kv.NoncesMapName, kv.Public, true)
	n.store.CreateMap(kv.SnapshotEvidenceMapName, kv.Public, true)
	n.store.CreateMap(RequestsMapName, kv.Public, true)
	for _, register := range schema {
		register(n.store)
	}

	n.history = history.MakeHistory(n.store, n.id, n.secrets, log)
	n.store.SetHistory(n.history)

	n.ledger, err = ledger.Open(filepath.Join(rootDir, ledgerDirname), cfg.LedgerChunkThresholdBytes, log)
	if err != nil {
		return nil, err
	}

	n.channels = network.MakeChannelManager(n.id, n.secrets, log)
	n.net = network.MakeNetwork(n.id, n.channels, n.resolvePeer, n, log)

	if err := n.replayLedger(); err != nil {
		n.ledger.Close()
		return nil, err
	}

	ids := make([]basics.NodeID, 0, len(n.genesis))
	for _, info := range n.genesis {
		ids = append(ids, info.ID)
	}

	snapshotter := MakeSnapshotter(n.store, cfg.SnapshotInterval, log)
	switch cfg.Mode {
	case config.ModeBFT:
		n.applyRequest = n.defaultApplier
		engine := bft.MakeEngine(n.id, cfg, n.ledger, n.store, n.history, n.net, snapshotter,
			n.secrets, n.lookupKey, func(data []byte) { n.applyRequest(data) }, ids, nil, log)
		n.engine = engine
	case config.ModeCFT, "":
		engine := cft.MakeEngine(n.id, cfg, n.ledger, n.store, n.history, n.net, snapshotter, ids, log)
		if err := engine.InitFromLedger(n.ledger.CommittedIndex()); err != nil {
			n.ledger.Close()
			return nil, err
		}
		n.engine = engine
		n.watchConfiguration(engine)
	default:
		n.ledger.Close()
		return nil, fmt.Errorf("node: unknown consensus mode %q", cfg.Mode)
	}

	n.store.SetReplicator(replicationSink{n: n})
	return n, nil
}

// loadIdentity reads the genesis replica set and the node key, and finds
// this node's id by its public key.
func (n *Node) loadIdentity() error {
	genesisPath := filepath.Join(n.rootDir, GenesisFilename)
	data, err := os.ReadFile(genesisPath)
	if err != nil {
		return fmt.Errorf("node: reading %s: %w", genesisPath, err)
	}
	if err := protocol.DecodeJSON(data, &n.genesis); err != nil {
		return fmt.Errorf("node: parsing %s: %w", genesisPath, err)
	}

	keyPath := filepath.Join(n.rootDir, keyFilename)
	seedBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("node: reading %s: %w", keyPath, err)
	}
	var seed crypto.Seed
	if len(seedBytes) != len(seed) {
		return fmt.Errorf("node: %s holds %d bytes, want %d", keyPath, len(seedBytes), len(seed))
	}
	copy(seed[:], seedBytes)
	n.secrets = crypto.GenerateSignatureSecrets(seed)

	for _, info := range n.genesis {
		if info.SignPK == n.secrets.SignatureVerifier {
			n.id = info.ID
			return nil
		}
	}
	return fmt.Errorf("node: this key is not in %s", genesisPath)
}

// replayLedger rebuilds kv and history state from the committed prefix,
// then drops the uncommitted tail: consensus re-replicates it.
func (n *Node) replayLedger() error {
	err := n.ledger.ForEachCommitted(func(idx basics.Version, data []byte) error {
		if res, _ := n.store.Deserialise(data, false); res == kv.ApplyFailed {
			return fmt.Errorf("node: ledger entry %d does not apply", idx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	committed := n.ledger.CommittedIndex()
	n.store.Compact(committed)
	if err := n.ledger.Init(committed); err != nil {
		return err
	}
	if committed > 0 {
		n.log.Infof("replayed ledger to version %d", committed)
	}
	return nil
}

// resolvePeer serves the channel layer: the nodes map is authoritative,
// the genesis set is the bootstrap fallback.
func (n *Node) resolvePeer(peer basics.NodeID) (basics.NodeInfo, bool) {
	tx := n.store.NewTransaction()
	if view := tx.GetView(kv.NodesMapName); view != nil {
		if data, ok := view.Get(basics.NodeKey(peer)); ok {
			var info basics.NodeInfo
			if protocol.Decode(data, &info) == nil {
				return info, true
			}
		}
	}
	for _, info := range n.genesis {
		if info.ID == peer {
			return info, true
		}
	}
	return basics.NodeInfo{}, false
}

// lookupKey resolves a replica or client verification key.
func (n *Node) lookupKey(id basics.NodeID) (crypto.SignatureVerifier, bool) {
	info, ok := n.resolvePeer(id)
	if !ok {
		return crypto.SignatureVerifier{}, false
	}
	return info.SignPK, true
}

// HandleMessage implements network.Handler by dispatching into the
// engine.
func (n *Node) HandleMessage(tag protocol.Tag, sender basics.NodeID, data []byte) {
	n.engine.HandleMessage(tag, sender, data)
}

// replicationSink feeds committed store entries into the engine.
type replicationSink struct {
	n *Node
}

func (s replicationSink) Replicate(v basics.Version, term basics.Term, data []byte, committable bool) bool {
	return s.n.engine.Replicate([]consensus.Entry{{Idx: v, Data: data, Committable: committable}}, term)
}

// watchConfiguration turns nodes-map commits into engine configuration
// changes: the new configuration takes effect from the next index.
func (n *Node) watchConfiguration(engine *cft.Engine) {
	m := n.store.GetMap(kv.NodesMapName)
	m.SetGlobalHook(func(v basics.Version, writes []kv.Write) {
		// The hook fires inside compaction; reconfigure off that path.
		go func() {
			ids := n.currentNodeIDs()
			if len(ids) > 0 {
				engine.AddConfiguration(v+1, ids)
			}
		}()
	})
}

func (n *Node) currentNodeIDs() []basics.NodeID {
	tx := n.store.NewTransaction()
	view := tx.GetView(kv.NodesMapName)
	if view == nil {
		return nil
	}
	var ids []basics.NodeID
	view.Foreach(func(key string, value []byte) bool {
		var info basics.NodeInfo
		if protocol.Decode(value, &info) == nil {
			ids = append(ids, info.ID)
		}
		return true
	})
	return ids
}

// defaultApplier writes a request payload into the requests map; real
// deployments install their own frontend with SetRequestApplier.
func (n *Node) defaultApplier(data []byte) {
	tx := n.store.NewTransaction()
	view := tx.GetView(RequestsMapName)
	if view == nil {
		return
	}
	view.Put(crypto.Hash(data).String(), data)
	if res := tx.Commit(); res != kv.CommitOK {
		n.log.Warnf("request apply returned %v", res)
	}
}

// SetRequestApplier installs the application's request executor (bft).
func (n *Node) SetRequestApplier(apply func(data []byte)) {
	n.applyRequest = apply
}

// Store exposes the transactional store to frontends.
func (n *Node) Store() *kv.Store {
	return n.store
}

// History exposes the Merkle history.
func (n *Node) History() *history.History {
	return n.history
}

// Engine exposes the replication engine.
func (n *Node) Engine() consensus.Engine {
	return n.engine
}

// ID returns this replica's node id.
func (n *Node) ID() basics.NodeID {
	return n.id
}

// Start brings up the transport, connects the genesis peers, and runs
// the periodic loops.
func (n *Node) Start() error {
	if err := n.net.Start(n.cfg.NetAddress); err != nil {
		return err
	}
	for _, info := range n.genesis {
		if info.ID != n.id && info.Address != "" {
			if err := n.net.Connect(info.ID); err != nil {
				n.log.Warnf("connect %d: %v", info.ID, err)
			}
		}
	}

	n.eg.Go(n.periodicLoop)

	if n.cfg.EnableMetrics {
		srv := &http.Server{Addr: n.cfg.MetricsAddress, Handler: metricsMux()}
		n.eg.Go(func() error {
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				err = nil
			}
			return err
		})
		n.eg.Go(func() error {
			<-n.ctx.Done()
			return srv.Close()
		})
	}

	n.log.With("id", n.id).Infof("node started (%s mode)", n.cfg.Mode)
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// periodicLoop drives engine timers, signature emission, and peer
// reconnection.
func (n *Node) periodicLoop() error {
	ticker := time.NewTicker(periodicTick)
	defer ticker.Stop()
	last := time.Now()
	var sinceConnect time.Duration
	for {
		select {
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			n.engine.Periodic(elapsed)
			n.maybeEmitSignature()
			sinceConnect += elapsed
			if sinceConnect >= n.cfg.StatusInterval() {
				sinceConnect = 0
				n.ensureConnections()
			}
		case <-n.ctx.Done():
			return nil
		}
	}
}

// ensureConnections re-dials genesis peers whose channels never came up.
func (n *Node) ensureConnections() {
	for _, info := range n.genesis {
		if info.ID == n.id || info.Address == "" {
			continue
		}
		ch := n.channels.Get(info.ID)
		if ch != nil && ch.State() == network.Established {
			continue
		}
		if err := n.net.Connect(info.ID); err != nil {
			n.log.Debugf("reconnect %d: %v", info.ID, err)
		}
	}
}

// maybeEmitSignature signs the history every SignatureInterval versions
// while this replica orders entries.
func (n *Node) maybeEmitSignature() {
	if n.cfg.SignatureInterval == 0 || !n.engine.IsPrimary() {
		return
	}
	cur := n.store.CurrentVersion()
	if cur >= n.lastSigned+basics.Version(n.cfg.SignatureInterval) {
		if n.history.EmitSignature() == kv.CommitOK {
			n.lastSigned = n.store.CurrentVersion()
		}
	}
}

// Stop shuts the node down in dependency order.
func (n *Node) Stop() {
	n.ctxCancel()
	n.eg.Wait()
	n.net.Stop()
	n.engine.Stop()
	if err := n.ledger.Close(); err != nil {
		n.log.Warnf("closing ledger: %v", err)
	}
	n.log.Infof("node stopped")
}
