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

// Package bft implements the byzantine-fault-tolerant ordering engine: a
// three-phase pre-prepare/prepare/commit pipeline with signed backup
// responses, nonce-reveal final commit, view changes, checkpoints and
// Merkle state transfer.
//
// A single reactor owns the canonical state: every handler runs under
// the engine lock, with only request signature verification offloaded to
// worker threads.  Tentative execution is driven through a continuation
// so the engine never assumes synchronous completion; messages arriving
// while execution is pending are queued and replayed afterwards.
package bft

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/consensus"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/execpool"
	"github.com/algorand/go-concord/util/metrics"
)

// replyCacheTTL bounds how long a client's last reply is retained for
// retransmission.
const replyCacheTTL = 10 * time.Minute

// nonceCommitment domain-separates nonce hashing.
type nonceCommitment [32]byte

// ToBeHashed implements crypto.Hashable.
func (n nonceCommitment) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.NonceCommitment, n[:]
}

func hashNonce(n [32]byte) crypto.Digest {
	return crypto.HashObj(nonceCommitment(n))
}

// replyTarget correlates a batch entry with the client awaiting its
// reply.
type replyTarget struct {
	client basics.NodeID
	reqID  uint64
}

// slot is the per-seqno ordering state.
type slot struct {
	pp       *prePrepareMsg
	ppDigest crypto.Digest

	selfNonce [32]byte

	prepares     map[basics.NodeID]crypto.Digest
	hashedNonces map[basics.NodeID]crypto.Digest
	commits      map[basics.NodeID]crypto.Digest
	signedResps  map[basics.NodeID]bool
	reveals      map[basics.NodeID]bool

	prepared      bool
	committed     bool
	executed      bool
	ackSent       bool
	selfRevealed  bool
	nonceComplete bool

	replies []replyTarget
}

func makeSlot() *slot {
	return &slot{
		prepares:     make(map[basics.NodeID]crypto.Digest),
		hashedNonces: make(map[basics.NodeID]crypto.Digest),
		commits:      make(map[basics.NodeID]crypto.Digest),
		signedResps:  make(map[basics.NodeID]bool),
		reveals:      make(map[basics.NodeID]bool),
	}
}

// inbound is a message queued while tentative execution is pending.
type inbound struct {
	tag    protocol.Tag
	sender basics.NodeID
	data   []byte
}

type outboundMsg struct {
	peer basics.NodeID
	tag  protocol.Tag
	data []byte
}

// cachedReply is the per-client at-most-once record.
type cachedReply struct {
	reqID uint64
	msg   []byte
}

// Engine is the BFT ordering engine for one replica.
type Engine struct {
	mu  deadlock.Mutex
	log logging.Logger

	self  basics.NodeID
	local config.Local

	ledger      consensus.LedgerWriter
	store       consensus.Store
	history     consensus.History
	sender      consensus.Sender
	snapshotter consensus.Snapshotter
	secrets     *crypto.SignatureSecrets
	lookup      func(basics.NodeID) (crypto.SignatureVerifier, bool)

	// apply hands a verified client request payload to the application;
	// on the primary it re-enters the engine through Replicate.
	apply func(data []byte)

	membership []basics.NodeID
	view       basics.View
	open       bool

	seqNext      basics.SeqNo // next seq this primary assigns
	lastExecuted basics.SeqNo
	lastStable   basics.SeqNo
	stableRoot   crypto.Digest

	// lastExecutedVersion is the kv version at lastExecuted; view-change
	// rollback returns here.
	lastExecutedVersion basics.Version
	// committedSeq/Version is the nonce-complete final watermark the kv
	// compacts to.
	committedSeq     basics.SeqNo
	committedVersion basics.Version

	slots       map[basics.SeqNo]*slot
	checkpoints map[basics.SeqNo]map[basics.NodeID]crypto.Digest

	inViewChange bool
	viewChanges  map[basics.View]map[basics.NodeID]*viewChangeMsg
	vcAcks       map[basics.View]map[basics.NodeID]map[basics.NodeID]bool

	vtimer        time.Duration
	vtimerActive  bool
	fetching      bool
	fetch         *fetchState
	statusElapsed time.Duration

	execPending bool
	pendingMsgs []inbound

	pendingForceChunk bool

	// applyMu serialises request application across verify workers;
	// curReply names the client whose request apply() is running for.
	applyMu  deadlock.Mutex
	curReply *replyTarget

	replyCache *ttlcache.Cache
	verifyPool execpool.BacklogPool
	ownsPool   bool

	outbox chan outboundMsg
	quit   chan struct{}
	done   chan struct{}
}

// MakeEngine creates a replica.  membership is the fixed-order replica
// list; primary(view) = membership[view mod N].  lookup resolves replica
// and client verification keys (normally the nodes map).  apply executes
// a verified request payload on the primary.
func MakeEngine(self basics.NodeID, local config.Local, ledger consensus.LedgerWriter, store consensus.Store, history consensus.History, sender consensus.Sender, snapshotter consensus.Snapshotter, secrets *crypto.SignatureSecrets, lookup func(basics.NodeID) (crypto.SignatureVerifier, bool), apply func(data []byte), membership []basics.NodeID, verifyPool execpool.BacklogPool, log logging.Logger) *Engine {
	if snapshotter == nil {
		snapshotter = consensus.NullSnapshotter{}
	}
	e := &Engine{
		log:         log.With("engine", "bft"),
		self:        self,
		local:       local,
		ledger:      ledger,
		store:       store,
		history:     history,
		sender:      sender,
		snapshotter: snapshotter,
		secrets:     secrets,
		lookup:      lookup,
		apply:       apply,
		membership:  append([]basics.NodeID(nil), membership...),
		open:        true,
		seqNext:     1,
		slots:       make(map[basics.SeqNo]*slot),
		checkpoints: make(map[basics.SeqNo]map[basics.NodeID]crypto.Digest),
		viewChanges: make(map[basics.View]map[basics.NodeID]*viewChangeMsg),
		vcAcks:      make(map[basics.View]map[basics.NodeID]map[basics.NodeID]bool),
		replyCache:  ttlcache.NewCache(),
		outbox:      make(chan outboundMsg, 4096),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.replyCache.SetTTL(replyCacheTTL)
	if verifyPool == nil {
		e.verifyPool = execpool.MakeBacklog(nil, local.VerifyWorkers, execpool.HighPriority, e)
		e.ownsPool = true
	} else {
		e.verifyPool = verifyPool
	}
	go e.sendLoop()
	return e
}

// Stop implements consensus.Engine.
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
	if e.ownsPool {
		e.verifyPool.Shutdown()
	}
	e.replyCache.Close()
}

func (e *Engine) sendLoop() {
	defer close(e.done)
	for {
		select {
		case m := <-e.outbox:
			if m.peer == basics.NoNode {
				for _, peer := range e.peers() {
					if err := e.sender.Send(peer, m.tag, m.data); err != nil {
						e.log.Debugf("send %v to %d: %v", m.tag, peer, err)
					}
				}
			} else if err := e.sender.Send(m.peer, m.tag, m.data); err != nil {
				e.log.Debugf("send %v to %d: %v", m.tag, m.peer, err)
			}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) peers() []basics.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]basics.NodeID, 0, len(e.membership)-1)
	for _, id := range e.membership {
		if id != e.self {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) sendAsync(peer basics.NodeID, tag protocol.Tag, data []byte) {
	select {
	case e.outbox <- outboundMsg{peer: peer, tag: tag, data: data}:
	default:
		e.log.Warnf("outbox full, dropping %v", tag)
	}
}

func (e *Engine) broadcastAsync(tag protocol.Tag, data []byte) {
	e.sendAsync(basics.NoNode, tag, data)
}

// f returns the tolerated fault count.
func (e *Engine) f() int {
	return (len(e.membership) - 1) / 3
}

func (e *Engine) primaryOfLocked(v basics.View) basics.NodeID {
	if len(e.membership) == 0 {
		return basics.NoNode
	}
	return e.membership[int(uint64(v)%uint64(len(e.membership)))]
}

// IsPrimary implements consensus.Engine.
func (e *Engine) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryOfLocked(e.view) == e.self && !e.inViewChange
}

// View returns the current view.
func (e *Engine) View() basics.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// CommittedIndex implements consensus.Engine: the nonce-complete final
// watermark, as surfaced to the kv.
func (e *Engine) CommittedIndex() basics.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedVersion
}

// LastExecuted returns the highest commit-certified seqno.
func (e *Engine) LastExecuted() basics.SeqNo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastExecuted
}

// LastStable returns the stable checkpoint.
func (e *Engine) LastStable() basics.SeqNo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStable
}

// OpenNetwork starts accepting requests and announces it.
func (e *Engine) OpenNetwork() {
	e.mu.Lock()
	e.open = true
	view := e.view
	e.mu.Unlock()
	e.broadcastAsync(protocol.NetworkOpenTag, protocol.Encode(&networkOpenMsg{View: view}))
}

// Replicate appends entries for ordering; primary only, and only while
// the sequence window has room.  Each entry becomes one pre-prepare.
func (e *Engine) Replicate(entries []consensus.Entry, term basics.Term) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.primaryOfLocked(e.view) != e.self || e.inViewChange || !e.open || term != basics.Term(e.view) {
		return false
	}
	if e.seqNext+basics.SeqNo(len(entries))-1 > e.lastStable+basics.SeqNo(e.local.MaxOutstanding) {
		return false
	}

	var batchData [][]byte
	for _, entry := range entries {
		force := e.pendingForceChunk && entry.Committable
		if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, force); err != nil {
			e.log.Errorf("replicate: ledger append: %v", err)
			return false
		}
		if force {
			e.pendingForceChunk = false
		}
		seq := e.seqNext
		e.seqNext++

		// The claimed root is the post-execution root: the store applies
		// this entry only after Replicate returns.
		batchData = append(batchData, entry.Data)
		var nonce [32]byte
		crypto.RandBytes(nonce[:])
		pp := &prePrepareMsg{
			View:        e.view,
			Seq:         seq,
			FirstIdx:    entry.Idx,
			Entries:     []batchEntry{{Idx: entry.Idx, Data: entry.Data, Committable: entry.Committable}},
			StateRoot:   e.history.RootAfterAppend(batchData...),
			HashedNonce: hashNonce(nonce),
			PrevDigest:  e.prevDigestLocked(seq),
		}
		s := makeSlot()
		s.pp = pp
		s.ppDigest = pp.digest()
		s.selfNonce = nonce
		s.hashedNonces[e.self] = pp.HashedNonce
		s.commits[e.self] = s.ppDigest
		if e.curReply != nil {
			s.replies = append(s.replies, *e.curReply)
		}
		e.slots[seq] = s
		e.broadcastAsync(protocol.PrePrepareTag, protocol.Encode(pp))
		e.startVTimerLocked()
	}
	return true
}

func (e *Engine) prevDigestLocked(seq basics.SeqNo) crypto.Digest {
	if prev, ok := e.slots[seq-1]; ok {
		return prev.ppDigest
	}
	return e.stableRoot
}

// Periodic drives the view-change timer and status heartbeats.
func (e *Engine) Periodic(elapsed time.Duration) {
	e.mu.Lock()

	// Re-assert the compaction watermark; a nonce certificate completing
	// while the primary's own store apply was still in flight leaves the
	// kv one compaction behind.
	if e.committedVersion > 0 {
		e.store.Compact(e.committedVersion)
	}

	e.statusElapsed += elapsed
	if e.statusElapsed >= e.local.StatusInterval() {
		e.statusElapsed = 0
		msg := statusMsg{View: e.view, LastExecuted: e.lastExecuted, LastStable: e.lastStable}
		data := protocol.Encode(&msg)
		e.mu.Unlock()
		e.broadcastAsync(protocol.StatusTag, data)
		e.mu.Lock()
	}

	var fire bool
	if e.vtimerActive && !e.fetching && !e.inViewChange {
		e.vtimer += elapsed
		if e.vtimer >= e.local.ViewChangeTimeout() {
			fire = true
		}
	}
	e.mu.Unlock()
	if fire {
		e.ForceViewChange()
	}
}

// startVTimerLocked arms the view-change timer if there is outstanding
// work; cancellation is implicit when progress passes it.
func (e *Engine) startVTimerLocked() {
	if !e.vtimerActive {
		e.vtimerActive = true
		e.vtimer = 0
	}
}

func (e *Engine) stopVTimerIfIdleLocked() {
	if e.lastExecuted >= e.seqHighLocked() {
		e.vtimerActive = false
		e.vtimer = 0
	} else {
		// Outstanding work remains; restart the wait.
		e.vtimer = 0
	}
}

// seqHighLocked returns the highest seq with an accepted pre-prepare.
func (e *Engine) seqHighLocked() basics.SeqNo {
	high := e.lastExecuted
	for seq := range e.slots {
		if seq > high && e.slots[seq].pp != nil {
			high = seq
		}
	}
	return high
}

// HandleMessage dispatches one authenticated message.  While a tentative
// execution is pending, ordering messages queue and replay when it
// completes.
func (e *Engine) HandleMessage(tag protocol.Tag, sender basics.NodeID, data []byte) {
	e.mu.Lock()
	if e.execPending {
		e.pendingMsgs = append(e.pendingMsgs, inbound{tag: tag, sender: sender, data: data})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.handleNow(tag, sender, data)
}

func (e *Engine) handleNow(tag protocol.Tag, sender basics.NodeID, data []byte) {
	switch tag {
	case protocol.RequestTag:
		e.handleRequest(sender, data)
	case protocol.PrePrepareTag:
		decodeInto(e, sender, data, e.handlePrePrepare)
	case protocol.PrepareTag:
		decodeInto(e, sender, data, e.handlePrepare)
	case protocol.CommitTag:
		decodeInto(e, sender, data, e.handleCommit)
	case protocol.CheckpointTag:
		decodeInto(e, sender, data, e.handleCheckpoint)
	case protocol.SignedAppendEntriesResponseTag:
		decodeInto(e, sender, data, e.handleSignedResponse)
	case protocol.SignaturesReceivedAckTag:
		decodeInto(e, sender, data, e.handleSigAck)
	case protocol.NonceRevealTag:
		decodeInto(e, sender, data, e.handleNonceReveal)
	case protocol.ViewChangeTag:
		decodeInto(e, sender, data, e.handleViewChange)
	case protocol.ViewChangeAckTag:
		decodeInto(e, sender, data, e.handleViewChangeAck)
	case protocol.NewViewTag:
		decodeInto(e, sender, data, e.handleNewView)
	case protocol.FetchTag:
		decodeInto(e, sender, data, e.handleFetch)
	case protocol.MetaDataTag:
		decodeInto(e, sender, data, e.handleMetaData)
	case protocol.MetaDataDTag:
		decodeInto(e, sender, data, e.handleMetaDataD)
	case protocol.DataTag:
		decodeInto(e, sender, data, e.handleData)
	case protocol.QueryStableTag:
		decodeInto(e, sender, data, e.handleQueryStable)
	case protocol.ReplyStableTag:
		decodeInto(e, sender, data, e.handleReplyStable)
	case protocol.StatusTag:
		decodeInto(e, sender, data, e.handleStatus)
	case protocol.StateAppendEntriesTag:
		decodeInto(e, sender, data, e.handleStateAppendEntries)
	case protocol.NewPrincipalTag:
		decodeInto(e, sender, data, e.handleNewPrincipal)
	case protocol.NetworkOpenTag:
		decodeInto(e, sender, data, e.handleNetworkOpen)
	default:
		metrics.MalformedMessagesDropped.Inc()
	}
}

// decodeInto decodes a message body and runs the handler; malformed
// messages are dropped silently.
func decodeInto[M any](e *Engine, sender basics.NodeID, data []byte, handler func(basics.NodeID, *M)) {
	var msg M
	if protocol.Decode(data, &msg) != nil {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	handler(sender, &msg)
}

// drainPending replays messages queued during tentative execution.
func (e *Engine) drainPending() {
	for {
		e.mu.Lock()
		if e.execPending || len(e.pendingMsgs) == 0 {
			e.mu.Unlock()
			return
		}
		m := e.pendingMsgs[0]
		e.pendingMsgs = e.pendingMsgs[1:]
		e.mu.Unlock()
		e.handleNow(m.tag, m.sender, m.data)
	}
}

// ------------------------------------------------------------------
// Requests and replies

func (e *Engine) handleRequest(sender basics.NodeID, data []byte) {
	var req requestMsg
	if protocol.Decode(data, &req) != nil {
		metrics.MalformedMessagesDropped.Inc()
		return
	}

	// Offload the signature check to the worker pool; only verified
	// requests re-enter the reactor.
	e.verifyPool.EnqueueBacklog(context.Background(), func(arg interface{}) interface{} {
		r := arg.(*requestMsg)
		pk, ok := e.lookup(r.Client)
		if !ok || !pk.Verify(*r, r.Sig) {
			metrics.AuthFailures.Inc()
			e.log.Warnf("request from %d: bad signature", r.Client)
			return nil
		}
		e.onVerifiedRequest(r, data)
		return nil
	}, &req, nil)
}

func (e *Engine) onVerifiedRequest(req *requestMsg, raw []byte) {
	e.mu.Lock()
	if cached, exists := e.replyCache.Get(basics.NodeKey(req.Client)); exists {
		if cr := cached.(cachedReply); cr.reqID == req.ReqID {
			// Retransmitted request: re-send the cached reply instead of
			// re-executing.
			data := cr.msg
			e.mu.Unlock()
			e.sendAsync(req.Client, protocol.ReplyTag, data)
			return
		}
	}
	isPrimary := e.primaryOfLocked(e.view) == e.self && !e.inViewChange
	open := e.open
	primary := e.primaryOfLocked(e.view)
	e.mu.Unlock()

	if !open {
		return
	}
	if !isPrimary {
		// Forward to the primary and wait for ordering to reach us.
		e.sendAsync(primary, protocol.RequestTag, raw)
		e.mu.Lock()
		e.startVTimerLocked()
		e.mu.Unlock()
		return
	}

	// The application applies the payload through the kv, which re-enters
	// Replicate on this engine with the assigned version.
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.mu.Lock()
	e.curReply = &replyTarget{client: req.Client, reqID: req.ReqID}
	e.mu.Unlock()
	if e.apply != nil {
		e.apply(req.Data)
	}
	e.mu.Lock()
	e.curReply = nil
	e.mu.Unlock()
}

// ------------------------------------------------------------------
// Ordering phases

func (e *Engine) handlePrePrepare(sender basics.NodeID, pp *prePrepareMsg) {
	e.mu.Lock()

	if pp.View != e.view || e.inViewChange {
		metrics.StaleMessagesDropped.Inc()
		e.mu.Unlock()
		return
	}
	if sender != e.primaryOfLocked(pp.View) {
		metrics.MalformedMessagesDropped.Inc()
		e.mu.Unlock()
		return
	}
	if pp.Seq <= e.lastStable || pp.Seq > e.lastStable+basics.SeqNo(e.local.MaxOutstanding) {
		metrics.StaleMessagesDropped.Inc()
		e.mu.Unlock()
		return
	}
	if s, ok := e.slots[pp.Seq]; ok && s.pp != nil {
		if s.ppDigest != pp.digest() {
			e.log.Warnf("conflicting pre-prepare at (%d,%d)", pp.View, pp.Seq)
		}
		e.mu.Unlock()
		return
	}
	// The chain check applies when the predecessor is still in the log;
	// below the stable checkpoint the certificate already vouches for it.
	if prev, ok := e.slots[pp.Seq-1]; ok && prev.pp != nil && pp.PrevDigest != prev.ppDigest {
		e.log.Warnf("pre-prepare (%d,%d) does not chain from its predecessor", pp.View, pp.Seq)
		e.mu.Unlock()
		return
	}
	if pp.Seq != e.lastExecuted+e.pendingSeqSpanLocked()+1 {
		// Out of order: wait for retransmission of the gap.
		e.mu.Unlock()
		return
	}
	if len(pp.Entries) > 0 && pp.Entries[0].Idx != e.store.CurrentVersion()+1 {
		e.log.Warnf("pre-prepare (%d,%d) starts at %d, store at %d", pp.View, pp.Seq, pp.Entries[0].Idx, e.store.CurrentVersion())
		e.mu.Unlock()
		return
	}

	e.startVTimerLocked()
	e.execPending = true
	baseVersion := e.store.CurrentVersion()
	e.mu.Unlock()

	// Tentative execution runs as a continuation: the engine does not
	// assume it completes synchronously, and queues messages meanwhile.
	e.executeTentative(pp, func(root crypto.Digest, ok bool) {
		e.onTentativeDone(sender, pp, baseVersion, root, ok)
		e.drainPending()
	})
}

// pendingSeqSpanLocked counts accepted-but-unexecuted slots, so in-order
// acceptance admits exactly the next seq.
func (e *Engine) pendingSeqSpanLocked() basics.SeqNo {
	var span basics.SeqNo
	for seq := e.lastExecuted + 1; ; seq++ {
		if s, ok := e.slots[seq]; ok && s.pp != nil {
			span++
		} else {
			break
		}
	}
	return span
}

// executeTentative applies the batch through the kv and passes the
// resulting replicated-state root to the continuation.
func (e *Engine) executeTentative(pp *prePrepareMsg, onDone func(root crypto.Digest, ok bool)) {
	for _, entry := range pp.Entries {
		res, _ := e.store.Deserialise(entry.Data, false)
		if res == kv.ApplyFailed {
			onDone(crypto.Digest{}, false)
			return
		}
	}
	onDone(e.history.ReplicatedStateRoot(), true)
}

func (e *Engine) onTentativeDone(sender basics.NodeID, pp *prePrepareMsg, baseVersion basics.Version, root crypto.Digest, ok bool) {
	e.mu.Lock()
	e.execPending = false

	if !ok || root != pp.StateRoot {
		// Execution disagreement: roll back the tentative work, do not
		// prepare, and leave the view-change timer running.
		e.store.Rollback(baseVersion)
		e.history.Rollback(baseVersion)
		e.vtimer = 0
		e.mu.Unlock()
		if !ok {
			e.log.Warnf("pre-prepare (%d,%d): entry failed to apply", pp.View, pp.Seq)
		} else {
			e.log.Warnf("pre-prepare (%d,%d): root mismatch, local %s claimed %s", pp.View, pp.Seq, root.TrimString(), pp.StateRoot.TrimString())
		}
		return
	}

	for _, entry := range pp.Entries {
		force := e.pendingForceChunk && entry.Committable
		if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, force); err != nil {
			e.log.Errorf("ledger append: %v", err)
		}
		if force {
			e.pendingForceChunk = false
		}
	}

	s, okSlot := e.slots[pp.Seq]
	if !okSlot {
		s = makeSlot()
		e.slots[pp.Seq] = s
	}
	s.pp = pp
	s.ppDigest = pp.digest()
	crypto.RandBytes(s.selfNonce[:])
	hashed := hashNonce(s.selfNonce)
	s.hashedNonces[e.self] = hashed
	s.hashedNonces[sender] = pp.HashedNonce
	s.prepares[e.self] = s.ppDigest
	s.commits[e.self] = s.ppDigest

	prepare := prepareMsg{View: pp.View, Seq: pp.Seq, Digest: s.ppDigest, HashedNonce: hashed}
	resp := signedResponse{
		View:        pp.View,
		Seq:         pp.Seq,
		Digest:      s.ppDigest,
		HashedNonce: hashed,
		Sig:         e.secrets.Sign(signedClaim{View: pp.View, Seq: pp.Seq, Digest: s.ppDigest}),
	}
	primary := e.primaryOfLocked(pp.View)
	e.checkPreparedLocked(pp.Seq, s)
	e.mu.Unlock()

	e.broadcastAsync(protocol.PrepareTag, protocol.Encode(&prepare))
	e.sendAsync(primary, protocol.SignedAppendEntriesResponseTag, protocol.Encode(&resp))
}

func (e *Engine) handlePrepare(sender basics.NodeID, msg *prepareMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.View != e.view || msg.Seq <= e.lastStable {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	s, ok := e.slots[msg.Seq]
	if !ok {
		s = makeSlot()
		e.slots[msg.Seq] = s
	}
	if s.pp != nil && msg.Digest != s.ppDigest {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	s.prepares[sender] = msg.Digest
	s.hashedNonces[sender] = msg.HashedNonce
	e.checkPreparedLocked(msg.Seq, s)
}

// checkPreparedLocked forms the prepared certificate: a pre-prepare plus
// 2f matching prepares.
func (e *Engine) checkPreparedLocked(seq basics.SeqNo, s *slot) {
	if s.prepared || s.pp == nil {
		return
	}
	// The primary does not prepare; its pre-prepare stands in.  Only
	// prepares matching the accepted digest count.
	count := 0
	for id, d := range s.prepares {
		if id != e.primaryOfLocked(e.view) && d == s.ppDigest {
			count++
		}
	}
	if count < 2*e.f() {
		return
	}
	s.prepared = true
	commit := commitMsg{View: e.view, Seq: seq, Digest: s.ppDigest}
	e.broadcastAsync(protocol.CommitTag, protocol.Encode(&commit))
	e.checkCommittedLocked(seq, s)
}

func (e *Engine) handleCommit(sender basics.NodeID, msg *commitMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.View != e.view || msg.Seq <= e.lastStable {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	s, ok := e.slots[msg.Seq]
	if !ok {
		s = makeSlot()
		e.slots[msg.Seq] = s
	}
	if s.pp != nil && msg.Digest != s.ppDigest {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	s.commits[sender] = msg.Digest
	e.checkCommittedLocked(msg.Seq, s)
}

// checkCommittedLocked forms the commit certificate (2f+1 matching
// commits) and executes in order.
func (e *Engine) checkCommittedLocked(seq basics.SeqNo, s *slot) {
	if s.committed || !s.prepared || s.pp == nil {
		return
	}
	count := 0
	for _, d := range s.commits {
		if d == s.ppDigest {
			count++
		}
	}
	if count < 2*e.f()+1 {
		return
	}
	s.committed = true
	e.executeInOrderLocked()
}

// executeInOrderLocked walks committed slots from lastExecuted+1: the
// batch's writes are already tentatively applied, so execution here is
// the ordering side effects — ledger commit, replies, checkpoints.
func (e *Engine) executeInOrderLocked() {
	for {
		seq := e.lastExecuted + 1
		s, ok := e.slots[seq]
		if !ok || !s.committed || s.executed {
			return
		}
		s.executed = true
		e.lastExecuted = seq
		if len(s.pp.Entries) > 0 {
			last := s.pp.lastIdx()
			e.lastExecutedVersion = last
			if err := e.ledger.Commit(last); err != nil {
				e.log.Errorf("ledger commit(%d): %v", last, err)
			}
		}

		for _, rt := range s.replies {
			reply := replyMsg{View: e.view, Client: rt.client, ReqID: rt.reqID, Digest: s.ppDigest}
			data := protocol.Encode(&reply)
			e.replyCache.Set(basics.NodeKey(rt.client), cachedReply{reqID: rt.reqID, msg: data})
			e.sendAsync(rt.client, protocol.ReplyTag, data)
		}

		if e.local.CheckpointInterval > 0 && uint64(seq)%e.local.CheckpointInterval == 0 {
			e.emitCheckpointLocked(seq)
		}
		e.stopVTimerIfIdleLocked()
		e.maybeCompleteNonceLocked(seq, s)
	}
}

// ------------------------------------------------------------------
// Signed responses, acks and nonce reveal

func (e *Engine) handleSignedResponse(sender basics.NodeID, msg *signedResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.View != e.view || e.primaryOfLocked(e.view) != e.self {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	s, ok := e.slots[msg.Seq]
	if !ok || s.pp == nil || msg.Digest != s.ppDigest {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	pk, found := e.lookup(sender)
	if !found || !pk.Verify(signedClaim{View: msg.View, Seq: msg.Seq, Digest: msg.Digest}, msg.Sig) {
		metrics.AuthFailures.Inc()
		e.log.Warnf("signed response from %d fails verification", sender)
		return
	}
	s.signedResps[sender] = true
	s.hashedNonces[sender] = msg.HashedNonce

	// With signature acks from 2f peers the primary releases the nonce
	// reveals, starting with its own.
	if !s.ackSent && len(s.signedResps) >= 2*e.f() {
		s.ackSent = true
		ack := sigAckMsg{View: e.view, Seq: msg.Seq}
		e.broadcastAsync(protocol.SignaturesReceivedAckTag, protocol.Encode(&ack))
		e.revealNonceLocked(msg.Seq, s)
	}
}

func (e *Engine) handleSigAck(sender basics.NodeID, msg *sigAckMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.View != e.view || sender != e.primaryOfLocked(e.view) {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	s, ok := e.slots[msg.Seq]
	if !ok || s.pp == nil {
		return
	}
	e.revealNonceLocked(msg.Seq, s)
}

func (e *Engine) revealNonceLocked(seq basics.SeqNo, s *slot) {
	if s.selfRevealed {
		return
	}
	s.selfRevealed = true
	s.reveals[e.self] = true
	reveal := nonceRevealMsg{View: e.view, Seq: seq, Nonce: s.selfNonce}
	e.broadcastAsync(protocol.NonceRevealTag, protocol.Encode(&reveal))
	e.maybeCompleteNonceLocked(seq, s)
}

func (e *Engine) handleNonceReveal(sender basics.NodeID, msg *nonceRevealMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.View != e.view || msg.Seq <= e.lastStable {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	s, ok := e.slots[msg.Seq]
	if !ok {
		return
	}
	committed, have := s.hashedNonces[sender]
	if !have || hashNonce(msg.Nonce) != committed {
		metrics.AuthFailures.Inc()
		e.log.Warnf("nonce reveal from %d does not match its commitment", sender)
		return
	}
	s.reveals[sender] = true
	e.maybeCompleteNonceLocked(msg.Seq, s)
}

// maybeCompleteNonceLocked advances the final commit watermark once 2f+1
// consistent revelations arrive for an executed slot; the kv compacts to
// the new watermark, firing global hooks.
func (e *Engine) maybeCompleteNonceLocked(seq basics.SeqNo, s *slot) {
	if s.nonceComplete || !s.executed || len(s.reveals) < 2*e.f()+1 {
		return
	}
	s.nonceComplete = true
	for {
		next := e.committedSeq + 1
		ns, ok := e.slots[next]
		if !ok || !ns.nonceComplete {
			return
		}
		e.committedSeq = next
		if len(ns.pp.Entries) > 0 {
			last := ns.pp.lastIdx()
			e.committedVersion = last
			e.store.Compact(last)
			metrics.EntriesCommitted.Add(float64(len(ns.pp.Entries)))
			metrics.CommittedIndex.Set(float64(last))
			if e.snapshotter.Tick(last) {
				e.pendingForceChunk = true
			}
		}
	}
}

// ------------------------------------------------------------------
// Checkpoints

func (e *Engine) emitCheckpointLocked(seq basics.SeqNo) {
	// The digest is the root at the checkpointed version, not the live
	// root: tentative execution may already be ahead of seq.
	digest := e.history.RootAt(e.lastExecutedVersion)
	e.recordCheckpointLocked(e.self, seq, digest)
	msg := checkpointMsg{Seq: seq, StateDigest: digest}
	e.broadcastAsync(protocol.CheckpointTag, protocol.Encode(&msg))
}

func (e *Engine) handleCheckpoint(sender basics.NodeID, msg *checkpointMsg) {
	e.mu.Lock()
	if msg.Seq <= e.lastStable {
		metrics.StaleMessagesDropped.Inc()
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

func (e *Engine) recordCheckpointLocked(sender basics.NodeID, seq basics.SeqNo, digest crypto.Digest) {
	byNode, ok := e.checkpoints[seq]
	if !ok {
		byNode = make(map[basics.NodeID]crypto.Digest)
		e.checkpoints[seq] = byNode
	}
	byNode[sender] = digest

	matching := 0
	for _, d := range byNode {
		if d == digest {
			matching++
		}
	}
	// f+1 matching checkpoints stabilise the seqno.
	if matching >= e.f()+1 && seq > e.lastStable && seq <= e.lastExecuted {
		e.stabiliseLocked(seq, digest)
	}
}

// stabiliseLocked truncates ordering state below the new stable
// checkpoint; the corresponding ledger chunk is now firm.  The final
// commit watermark never trails the stable point: f+1 attestations
// outrank an incomplete nonce certificate.
func (e *Engine) stabiliseLocked(seq basics.SeqNo, digest crypto.Digest) {
	e.lastStable = seq
	e.stableRoot = digest
	if e.committedSeq < seq {
		e.committedSeq = seq
		if s, ok := e.slots[seq]; ok && s.pp != nil && len(s.pp.Entries) > 0 {
			e.committedVersion = s.pp.lastIdx()
		} else if e.committedVersion < e.lastExecutedVersion {
			e.committedVersion = e.lastExecutedVersion
		}
		e.store.Compact(e.committedVersion)
	}
	for s := range e.slots {
		if s <= seq {
			delete(e.slots, s)
		}
	}
	for s := range e.checkpoints {
		if s < seq {
			delete(e.checkpoints, s)
		}
	}
	e.log.Infof("checkpoint stable at %d", seq)
}

// shouldFetchLocked reports whether 2f+1 replicas attest stable state
// above our execution point.
func (e *Engine) shouldFetchLocked(seq basics.SeqNo) bool {
	if e.fetching || seq <= e.lastExecuted {
		return false
	}
	byNode := e.checkpoints[seq]
	return len(byNode) >= 2*e.f()+1
}

// ------------------------------------------------------------------
// Status and retransmission

func (e *Engine) handleStatus(sender basics.NodeID, msg *statusMsg) {
	e.mu.Lock()
	var resend []outboundMsg
	if msg.View == e.view && msg.LastExecuted < e.lastExecuted {
		// Retransmit the certificates the peer is missing.
		for seq := msg.LastExecuted + 1; seq <= e.lastExecuted; seq++ {
			s, ok := e.slots[seq]
			if !ok || s.pp == nil {
				continue
			}
			resend = append(resend, outboundMsg{peer: sender, tag: protocol.PrePrepareTag, data: protocol.Encode(s.pp)})
			commit := commitMsg{View: e.view, Seq: seq, Digest: s.ppDigest}
			resend = append(resend, outboundMsg{peer: sender, tag: protocol.CommitTag, data: protocol.Encode(&commit)})
		}
	}
	e.mu.Unlock()
	for _, m := range resend {
		e.sendAsync(m.peer, m.tag, m.data)
	}
}

func (e *Engine) handleStateAppendEntries(sender basics.NodeID, msg *stateAppendEntriesMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range msg.Entries {
		if entry.Idx != e.store.CurrentVersion()+1 {
			continue
		}
		res, _ := e.store.Deserialise(entry.Data, false)
		if res == kv.ApplyFailed {
			return
		}
		if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, false); err != nil {
			e.log.Errorf("ledger append: %v", err)
			return
		}
	}
}

// ------------------------------------------------------------------
// Membership

func (e *Engine) handleNewPrincipal(sender basics.NodeID, msg *newPrincipalMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.membership {
		if id == msg.Info.ID {
			return
		}
	}
	e.membership = append(e.membership, msg.Info.ID)
	e.log.Infof("new principal %d", msg.Info.ID)
}

func (e *Engine) handleNetworkOpen(sender basics.NodeID, msg *networkOpenMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		e.log.Infof("network open at view %d", msg.View)
		e.open = true
	}
}

// SetOpen configures whether the engine accepts requests; MakeEngine
// starts an engine open.
func (e *Engine) SetOpen(open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = open
}
