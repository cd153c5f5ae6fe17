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
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/crypto/merklearray"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// fetchState accumulates one state transfer: the meta description, the
// Merkle leaves and the kv snapshot, installed together once complete.
type fetchState struct {
	target   basics.NodeID
	seq      basics.SeqNo
	root     crypto.Digest
	haveMeta bool
	leaves   []crypto.Digest
	snapshot []byte
}

// StartFetch begins state transfer from a peer attesting state beyond
// our execution point.  The view-change timer pauses while fetching and
// restarts when the fetched state is installed.
func (e *Engine) StartFetch() {
	e.mu.Lock()
	if e.fetching {
		e.mu.Unlock()
		return
	}

	// Prefer a peer that attested the newest checkpoint.
	target := basics.NoNode
	var best basics.SeqNo
	for seq, byNode := range e.checkpoints {
		if seq <= e.lastExecuted || seq < best {
			continue
		}
		for id := range byNode {
			if id != e.self {
				target = id
				best = seq
			}
		}
	}
	if target == basics.NoNode {
		for _, id := range e.membership {
			if id != e.self {
				target = id
				break
			}
		}
	}
	if target == basics.NoNode {
		e.mu.Unlock()
		return
	}

	e.fetching = true
	e.fetch = &fetchState{target: target}
	msg := fetchMsg{LastExecuted: e.lastExecuted, Level: 0, Index: 0}
	e.log.Infof("state transfer from %d (last executed %d)", target, e.lastExecuted)
	e.mu.Unlock()

	e.sendAsync(target, protocol.FetchTag, protocol.Encode(&msg))
}

// handleFetch serves the requested state at the responder's committed
// point: a meta description of it, the requested Merkle partition, and the
// kv snapshot.
func (e *Engine) handleFetch(sender basics.NodeID, msg *fetchMsg) {
	e.mu.Lock()
	seq := e.committedSeq
	version := e.committedVersion
	if seq <= msg.LastExecuted {
		e.mu.Unlock()
		return
	}
	root := e.history.RootAt(version)
	var hashes []crypto.Digest
	if msg.Level == 0 {
		hashes = e.history.LeafPrefix(version)
	}
	snapshot, err := e.store.SnapshotAt(version)
	e.mu.Unlock()
	if err != nil {
		e.log.Warnf("fetch from %d: %v", sender, err)
		return
	}

	e.sendAsync(sender, protocol.MetaDataTag, protocol.Encode(&metaDataMsg{Seq: seq, Root: root}))
	e.sendAsync(sender, protocol.MetaDataDTag, protocol.Encode(&metaDataDMsg{Seq: seq, Level: msg.Level, Index: msg.Index, Hashes: hashes}))
	e.sendAsync(sender, protocol.DataTag, protocol.Encode(&dataMsg{Seq: seq, Root: root, Snapshot: snapshot}))
}

func (e *Engine) handleMetaData(sender basics.NodeID, msg *metaDataMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetch == nil || sender != e.fetch.target {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	e.fetch.seq = msg.Seq
	e.fetch.root = msg.Root
	e.fetch.haveMeta = true
	e.tryInstallFetchedLocked()
}

func (e *Engine) handleMetaDataD(sender basics.NodeID, msg *metaDataDMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetch == nil || sender != e.fetch.target || msg.Level != 0 {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	e.fetch.leaves = msg.Hashes
	e.tryInstallFetchedLocked()
}

func (e *Engine) handleData(sender basics.NodeID, msg *dataMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetch == nil || sender != e.fetch.target {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	e.fetch.snapshot = msg.Snapshot
	if e.fetch.root.IsZero() {
		e.fetch.root = msg.Root
	}
	e.tryInstallFetchedLocked()
}

// tryInstallFetchedLocked installs the fetched state once the meta,
// leaves and snapshot all arrived and agree.
func (e *Engine) tryInstallFetchedLocked() {
	f := e.fetch
	if f == nil || !f.haveMeta || f.leaves == nil || f.snapshot == nil {
		return
	}

	// The transferred leaves must hash up to the attested root.
	if got := rootOfLeaves(f.leaves); got != f.root {
		e.log.Warnf("state transfer: leaves do not match root %s", f.root.TrimString())
		e.abortFetchLocked()
		return
	}
	// When the fetched seq carries checkpoint attestations, they must
	// agree with the transferred root.
	if byNode, ok := e.checkpoints[f.seq]; ok {
		for id, d := range byNode {
			if id != f.target && d != f.root {
				e.log.Warnf("state transfer: root disagrees with %d's checkpoint", id)
			}
		}
	}

	if err := e.store.ApplySnapshot(f.snapshot, false); err != nil {
		e.log.Warnf("state transfer: %v", err)
		e.abortFetchLocked()
		return
	}
	version := basics.Version(len(f.leaves))
	e.history.InstallLeaves(f.leaves)
	if err := e.ledger.Commit(version); err != nil {
		e.log.Errorf("state transfer: ledger commit: %v", err)
	}

	e.lastExecuted = f.seq
	e.lastExecutedVersion = version
	e.committedSeq = f.seq
	e.committedVersion = version
	e.lastStable = f.seq
	e.stableRoot = f.root
	e.slots = make(map[basics.SeqNo]*slot)
	e.log.Infof("state transfer installed at seq %d (version %d)", f.seq, version)

	e.abortFetchLocked()
	// The view-change timer restarts now that fetching is done.
	e.startVTimerLocked()
	e.stopVTimerIfIdleLocked()
}

func (e *Engine) abortFetchLocked() {
	e.fetch = nil
	e.fetching = false
}

// rootOfLeaves recomputes the tree root over a transferred leaf prefix.
func rootOfLeaves(leaves []crypto.Digest) crypto.Digest {
	return merklearray.RootOfLeaves(leaves)
}

// handleQueryStable answers with the stable checkpoint.
func (e *Engine) handleQueryStable(sender basics.NodeID, msg *queryStableMsg) {
	e.mu.Lock()
	reply := replyStableMsg{Nonce: msg.Nonce, Seq: e.lastStable, StateDigest: e.stableRoot}
	e.mu.Unlock()
	e.sendAsync(sender, protocol.ReplyStableTag, protocol.Encode(&reply))
}

// handleReplyStable counts peers attesting stable state beyond us and
// triggers a fetch at 2f+1.
func (e *Engine) handleReplyStable(sender basics.NodeID, msg *replyStableMsg) {
	e.mu.Lock()
	if msg.Seq <= e.lastExecuted {
		e.mu.Unlock()
		return
	}
	e.recordCheckpointLocked(sender, msg.Seq, msg.StateDigest)
	fetch := e.shouldFetchLocked(msg.Seq)
	e.mu.Unlock()
	if fetch {
		e.StartFetch()
	}
}
