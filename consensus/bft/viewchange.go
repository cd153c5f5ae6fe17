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
	"sort"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// ForceViewChange starts a view change to view+1, as the expired
// view-change timer does.
func (e *Engine) ForceViewChange() {
	e.mu.Lock()
	target := e.view + 1
	e.mu.Unlock()
	e.startViewChange(target)
}

func (e *Engine) startViewChange(target basics.View) {
	e.mu.Lock()

	if target <= e.view && e.inViewChange {
		e.mu.Unlock()
		return
	}
	e.inViewChange = true
	e.view = target
	e.vtimer = 0
	e.store.RaiseTerm(basics.Term(target))
	metrics.ViewChanges.Inc()
	e.log.Infof("view change to %d", target)

	msg := &viewChangeMsg{
		View:       target,
		LastStable: e.lastStable,
		StableRoot: e.stableRoot,
	}
	// Carry prepared certificates and in-flight pre-prepares so the new
	// primary can re-issue them.
	seqs := make([]basics.SeqNo, 0, len(e.slots))
	for seq := range e.slots {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		s := e.slots[seq]
		if s.pp == nil {
			continue
		}
		if s.prepared {
			msg.Prepared = append(msg.Prepared, preparedProof{Seq: seq, View: s.pp.View, Digest: s.ppDigest})
		}
		msg.PrePrepares = append(msg.PrePrepares, *s.pp)
	}

	e.recordViewChangeLocked(e.self, msg)
	data := protocol.Encode(msg)
	e.mu.Unlock()

	e.broadcastAsync(protocol.ViewChangeTag, data)
	e.tryMakeNewView(target)
}

func (e *Engine) handleViewChange(sender basics.NodeID, msg *viewChangeMsg) {
	e.mu.Lock()
	if msg.View < e.view {
		metrics.StaleMessagesDropped.Inc()
		e.mu.Unlock()
		return
	}
	e.recordViewChangeLocked(sender, msg)
	primary := e.primaryOfLocked(msg.View)
	view := msg.View
	e.mu.Unlock()

	if primary != e.self {
		ack := viewChangeAckMsg{View: view, Origin: sender}
		e.sendAsync(primary, protocol.ViewChangeAckTag, protocol.Encode(&ack))
		return
	}
	e.tryMakeNewView(view)
}

func (e *Engine) recordViewChangeLocked(sender basics.NodeID, msg *viewChangeMsg) {
	byNode, ok := e.viewChanges[msg.View]
	if !ok {
		byNode = make(map[basics.NodeID]*viewChangeMsg)
		e.viewChanges[msg.View] = byNode
	}
	byNode[sender] = msg
}

func (e *Engine) handleViewChangeAck(sender basics.NodeID, msg *viewChangeAckMsg) {
	e.mu.Lock()
	byOrigin, ok := e.vcAcks[msg.View]
	if !ok {
		byOrigin = make(map[basics.NodeID]map[basics.NodeID]bool)
		e.vcAcks[msg.View] = byOrigin
	}
	if byOrigin[msg.Origin] == nil {
		byOrigin[msg.Origin] = make(map[basics.NodeID]bool)
	}
	byOrigin[msg.Origin][sender] = true
	view := msg.View
	e.mu.Unlock()
	e.tryMakeNewView(view)
}

// tryMakeNewView assembles and installs a new view once this replica is
// its primary and holds 2f+1 view-change messages.
func (e *Engine) tryMakeNewView(view basics.View) {
	e.mu.Lock()

	if e.primaryOfLocked(view) != e.self || !e.inViewChange || view != e.view {
		e.mu.Unlock()
		return
	}
	vcs := e.viewChanges[view]
	if len(vcs) < 2*e.f()+1 {
		e.mu.Unlock()
		return
	}

	// min is the highest stable checkpoint among the view changes; max
	// the highest pre-prepared seq.
	min := e.lastStable
	max := min
	for _, vc := range vcs {
		if vc.LastStable > min {
			min = vc.LastStable
		}
		for i := range vc.PrePrepares {
			if vc.PrePrepares[i].Seq > max {
				max = vc.PrePrepares[i].Seq
			}
		}
	}

	// For each seq in (min, max]: re-issue a pre-prepare carrying the
	// same batch (preferring prepared certificates), or a null-op.
	chosen := make(map[basics.SeqNo]*prePrepareMsg)
	for _, vc := range vcs {
		preparedAt := make(map[basics.SeqNo]crypto.Digest)
		for _, p := range vc.Prepared {
			preparedAt[p.Seq] = p.Digest
		}
		for i := range vc.PrePrepares {
			pp := vc.PrePrepares[i]
			if pp.Seq <= min || pp.Seq > max {
				continue
			}
			cur, ok := chosen[pp.Seq]
			if !ok {
				chosen[pp.Seq] = &pp
				continue
			}
			// A prepared batch wins over an unprepared one.
			if _, curPrepared := preparedAt[cur.Seq]; !curPrepared {
				if d, nowPrepared := preparedAt[pp.Seq]; nowPrepared && pp.digest() == d {
					chosen[pp.Seq] = &pp
				}
			}
		}
	}

	nv := &newViewMsg{View: view, MinSeq: min, MaxSeq: max}
	for seq := min + 1; seq <= max; seq++ {
		src, ok := chosen[seq]
		reissue := prePrepareMsg{View: view, Seq: seq}
		if ok {
			reissue.FirstIdx = src.FirstIdx
			reissue.Entries = src.Entries
			reissue.StateRoot = src.StateRoot
		}
		nv.PrePrepares = append(nv.PrePrepares, reissue)
	}
	data := protocol.Encode(nv)
	e.mu.Unlock()

	e.broadcastAsync(protocol.NewViewTag, data)
	e.installNewView(e.self, nv)
}

func (e *Engine) handleNewView(sender basics.NodeID, msg *newViewMsg) {
	e.installNewView(sender, msg)
}

// installNewView enters the new view: the replica rolls back to the last
// globally committed seqno, re-executes the new primary's pre-prepares
// tentatively, and prepares on its behalf.
func (e *Engine) installNewView(sender basics.NodeID, msg *newViewMsg) {
	e.mu.Lock()

	if sender != e.primaryOfLocked(msg.View) || msg.View < e.view {
		metrics.StaleMessagesDropped.Inc()
		e.mu.Unlock()
		return
	}

	// Roll back tentative work above the commit-certified point.
	e.store.Rollback(e.lastExecutedVersion)
	e.history.Rollback(e.lastExecutedVersion)
	if err := e.ledger.Truncate(e.lastExecutedVersion); err != nil {
		e.log.Errorf("new view: ledger truncate: %v", err)
	}
	for seq := range e.slots {
		if seq > e.lastExecuted {
			delete(e.slots, seq)
		}
	}

	e.view = msg.View
	e.inViewChange = false
	e.vtimer = 0
	e.vtimerActive = false
	e.seqNext = msg.MaxSeq + 1
	e.store.RaiseTerm(basics.Term(msg.View))
	delete(e.viewChanges, msg.View)
	delete(e.vcAcks, msg.View)
	e.log.Infof("entering view %d (seqs %d..%d)", msg.View, msg.MinSeq+1, msg.MaxSeq)

	isPrimary := sender == e.self
	pps := make([]*prePrepareMsg, 0, len(msg.PrePrepares))
	for i := range msg.PrePrepares {
		pp := msg.PrePrepares[i]
		if pp.Seq <= e.lastExecuted {
			continue
		}
		pps = append(pps, &pp)
	}
	e.mu.Unlock()

	// The new primary re-executes and re-broadcasts each pre-prepare with
	// a fresh nonce commitment; backups re-execute and prepare when those
	// arrive.
	if isPrimary {
		for _, pp := range pps {
			e.installOwnPrePrepare(pp)
		}
	}
}

// installOwnPrePrepare is the new primary's side of re-issuing: execute
// the batch and hold the slot, as Replicate does for fresh entries.
func (e *Engine) installOwnPrePrepare(pp *prePrepareMsg) {
	e.mu.Lock()
	if _, ok := e.slots[pp.Seq]; ok {
		e.mu.Unlock()
		return
	}
	baseVersion := e.store.CurrentVersion()
	e.mu.Unlock()

	e.executeTentative(pp, func(root crypto.Digest, ok bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !ok || (pp.StateRoot != (crypto.Digest{}) && root != pp.StateRoot) {
			e.store.Rollback(baseVersion)
			e.history.Rollback(baseVersion)
			e.log.Warnf("re-issued pre-prepare %d does not re-execute", pp.Seq)
			return
		}
		for _, entry := range pp.Entries {
			if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, false); err != nil {
				e.log.Errorf("ledger append: %v", err)
			}
		}
		var nonce [32]byte
		crypto.RandBytes(nonce[:])
		pp.StateRoot = root
		pp.HashedNonce = hashNonce(nonce)
		pp.PrevDigest = e.prevDigestLocked(pp.Seq)
		s := makeSlot()
		s.pp = pp
		s.ppDigest = pp.digest()
		s.selfNonce = nonce
		s.hashedNonces[e.self] = pp.HashedNonce
		s.commits[e.self] = s.ppDigest
		e.slots[pp.Seq] = s
		e.startVTimerLocked()
		e.broadcastAsync(protocol.PrePrepareTag, protocol.Encode(pp))
	})
}
