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

// Package cft implements the crash-fault-tolerant leader-based
// replication engine.  A single leader per term orders entries; the
// commit index advances when a majority of every active configuration
// holds an entry of the current term; a new leader first rolls its log
// back to the last committable (signature-bearing) index.
package cft

import (
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/config"
	"github.com/algorand/go-concord/consensus"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// Role is the engine's place in the current term.
type Role int

const (
	// Follower replicates the leader's log.
	Follower Role = iota
	// Candidate is soliciting votes after an election timeout.
	Candidate
	// Leader orders entries in the current term.
	Leader
	// Retired has left the configuration and takes no further part.
	Retired
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// sendBudgetBytes is the per-AppendEntries batch budget; the batch size
// adapts to it by an exponential moving average of entry sizes.
const sendBudgetBytes = 20000

// emaAlpha weighs the latest entry size into the moving average.
const emaAlpha = 0.2

// nodeState is the leader's view of one peer's progress.
type nodeState struct {
	sentIdx  basics.Version // highest index sent
	matchIdx basics.Version // highest index known replicated
}

// Engine is the CFT replication engine.  One lock protects all volatile
// state; it is acquired at the start of every public operation and every
// inbound-message handler, and is not held across channel sends.
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

	role   Role
	view   basics.Term
	leader basics.NodeID

	votedFor     basics.NodeID
	votedInTerm  basics.Term
	votesGranted map[basics.NodeID]bool

	entries []logEntry // in-memory log, entries[i] holds index i+1

	commitIdx          basics.Version
	lastCommittableIdx basics.Version
	pendingForceChunk  bool

	// outbox serialises channel sends so per-lane counters stay ordered;
	// the engine lock is never held across a send.
	outbox chan outboundMsg
	quit   chan struct{}
	done   chan struct{}

	configs consensus.Configurations
	nodes   map[basics.NodeID]*nodeState

	emaEntrySize float64

	electionElapsed  time.Duration
	heartbeatElapsed time.Duration
	statusElapsed    time.Duration
}

// MakeEngine creates a follower with the given initial configuration.
func MakeEngine(self basics.NodeID, local config.Local, ledger consensus.LedgerWriter, store consensus.Store, history consensus.History, sender consensus.Sender, snapshotter consensus.Snapshotter, initial []basics.NodeID, log logging.Logger) *Engine {
	if snapshotter == nil {
		snapshotter = consensus.NullSnapshotter{}
	}
	e := &Engine{
		log:          log.With("engine", "cft"),
		self:         self,
		local:        local,
		ledger:       ledger,
		store:        store,
		history:      history,
		sender:       sender,
		snapshotter:  snapshotter,
		role:         Follower,
		leader:       basics.NoNode,
		votedFor:     basics.NoNode,
		votesGranted: make(map[basics.NodeID]bool),
		nodes:        make(map[basics.NodeID]*nodeState),
		outbox:       make(chan outboundMsg, 1024),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	e.configs.Add(0, initial)
	e.reconcileNodesLocked()
	go e.sendLoop()
	return e
}

type outboundMsg struct {
	peer basics.NodeID
	tag  protocol.Tag
	data []byte
}

func (e *Engine) sendLoop() {
	defer close(e.done)
	for {
		select {
		case m := <-e.outbox:
			if err := e.sender.Send(m.peer, m.tag, m.data); err != nil {
				e.log.Debugf("send %v to %d: %v", m.tag, m.peer, err)
			}
		case <-e.quit:
			return
		}
	}
}

// Stop implements consensus.Engine.
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

// Role returns the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// IsPrimary implements consensus.Engine.
func (e *Engine) IsPrimary() bool {
	return e.Role() == Leader
}

// View returns the current term.
func (e *Engine) View() basics.Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Leader returns the node believed to lead the current term.
func (e *Engine) Leader() basics.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// CommittedIndex implements consensus.Engine.
func (e *Engine) CommittedIndex() basics.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitIdx
}

// LastIndex returns the index of the engine's latest log entry.
func (e *Engine) LastIndex() basics.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIdxLocked()
}

// InitFromLedger rebuilds the in-memory log from a replayed ledger: the
// caller has already deserialised entries 1..last into the store.  The
// engine adopts the ledger's committed boundary and the terms recorded
// in the entries themselves.
func (e *Engine) InitFromLedger(committed basics.Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.ledger.LastIndex()
	for idx := basics.Version(1); idx <= last; idx++ {
		data, err := e.ledger.GetEntry(idx)
		if err != nil {
			return err
		}
		id, committable, err := kv.EntryInfo(data)
		if err != nil {
			return err
		}
		e.entries = append(e.entries, logEntry{Idx: idx, Term: id.Term, Data: data, Committable: committable})
		if committable {
			e.lastCommittableIdx = idx
		}
		if id.Term > e.view {
			e.view = id.Term
		}
		e.observeEntrySize(len(data))
	}
	if committed > last {
		committed = last
	}
	e.commitIdx = committed
	e.store.RaiseTerm(e.view)
	return nil
}

// ForceBecomeLeader bootstraps a single-node network: with no peers, a
// node elects itself without traffic.
func (e *Engine) ForceBecomeLeader() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.becomeCandidateLocked()
}

// Replicate appends entries at contiguous indices; leader-only.  The
// supplied term must equal the current view.  It implements the store's
// replication sink contract through the node glue.
func (e *Engine) Replicate(entries []consensus.Entry, term basics.Term) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != Leader || term != e.view {
		return false
	}
	for _, entry := range entries {
		if entry.Idx != e.lastIdxLocked()+1 {
			e.log.Warnf("replicate: entry at %d, log ends at %d", entry.Idx, e.lastIdxLocked())
			return false
		}
		force := e.pendingForceChunk && entry.Committable
		if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, force); err != nil {
			e.log.Errorf("replicate: ledger append: %v", err)
			return false
		}
		if force {
			e.pendingForceChunk = false
		}
		e.entries = append(e.entries, logEntry{
			Idx:         entry.Idx,
			Term:        e.view,
			Data:        entry.Data,
			Committable: entry.Committable,
		})
		if entry.Committable {
			e.lastCommittableIdx = entry.Idx
		}
		e.observeEntrySize(len(entry.Data))
	}
	e.advanceCommitLocked()
	e.broadcastAppendEntriesLocked()
	return true
}

// AddConfiguration enqueues a configuration effective from idx.  The
// node glue calls this from the nodes-map global hook.
func (e *Engine) AddConfiguration(idx basics.Version, nodes []basics.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs.Add(idx, nodes)
	e.reconcileNodesLocked()
}

// Periodic drives the engine's timers.
func (e *Engine) Periodic(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role == Retired {
		return
	}

	e.statusElapsed += elapsed
	if e.statusElapsed >= e.local.StatusInterval() {
		e.statusElapsed = 0
		e.broadcastStatusLocked()
	}

	switch e.role {
	case Leader:
		e.heartbeatElapsed += elapsed
		if e.heartbeatElapsed >= e.local.RequestTimeout() {
			e.heartbeatElapsed = 0
			e.broadcastAppendEntriesLocked()
		}
	case Follower, Candidate:
		e.electionElapsed += elapsed
		if e.electionElapsed >= e.electionTimeoutLocked() {
			e.becomeCandidateLocked()
		}
	}
}

// HandleMessage dispatches one authenticated message by tag.
func (e *Engine) HandleMessage(tag protocol.Tag, sender basics.NodeID, data []byte) {
	switch tag {
	case protocol.AppendEntriesTag:
		var msg appendEntriesMsg
		if protocol.Decode(data, &msg) != nil {
			metrics.MalformedMessagesDropped.Inc()
			return
		}
		e.handleAppendEntries(sender, msg)
	case protocol.AppendEntriesResponseTag:
		var msg appendEntriesRespMsg
		if protocol.Decode(data, &msg) != nil {
			metrics.MalformedMessagesDropped.Inc()
			return
		}
		e.handleAppendEntriesResponse(sender, msg)
	case protocol.RequestVoteTag:
		var msg requestVoteMsg
		if protocol.Decode(data, &msg) != nil {
			metrics.MalformedMessagesDropped.Inc()
			return
		}
		e.handleRequestVote(sender, msg)
	case protocol.RequestVoteResponseTag:
		var msg requestVoteRespMsg
		if protocol.Decode(data, &msg) != nil {
			metrics.MalformedMessagesDropped.Inc()
			return
		}
		e.handleRequestVoteResponse(sender, msg)
	case protocol.StatusTag:
		var msg statusMsg
		if protocol.Decode(data, &msg) != nil {
			metrics.MalformedMessagesDropped.Inc()
			return
		}
		e.handleStatus(sender, msg)
	default:
		metrics.MalformedMessagesDropped.Inc()
		e.log.Debugf("unexpected tag %v from %d", tag, sender)
	}
}

// electionTimeoutLocked staggers the timeout per node id so simultaneous
// restarts do not trade split votes forever.
func (e *Engine) electionTimeoutLocked() time.Duration {
	base := e.local.ElectionTimeout()
	return base + time.Duration(uint64(e.self)%5)*base/5
}

func (e *Engine) lastIdxLocked() basics.Version {
	return basics.Version(len(e.entries))
}

func (e *Engine) termAtLocked(idx basics.Version) basics.Term {
	if idx == 0 || idx > e.lastIdxLocked() {
		return 0
	}
	return e.entries[idx-1].Term
}

func (e *Engine) observeEntrySize(n int) {
	if e.emaEntrySize == 0 {
		e.emaEntrySize = float64(n)
		return
	}
	e.emaEntrySize = emaAlpha*float64(n) + (1-emaAlpha)*e.emaEntrySize
}

// batchSizeLocked adapts the per-send entry count to the byte budget.
func (e *Engine) batchSizeLocked() int {
	if e.emaEntrySize <= 0 {
		return 1
	}
	n := int(sendBudgetBytes / e.emaEntrySize)
	if n < 1 {
		n = 1
	}
	return n
}

// becomeCandidateLocked starts an election for view+1.
func (e *Engine) becomeCandidateLocked() {
	e.view++
	e.role = Candidate
	e.leader = basics.NoNode
	e.votedFor = e.self
	e.votedInTerm = e.view
	e.votesGranted = map[basics.NodeID]bool{e.self: true}
	e.electionElapsed = 0
	e.store.RaiseTerm(e.view)
	metrics.LeaderElections.Inc()
	e.log.Infof("calling election for term %d", e.view)

	if e.hasQuorumLocked(e.votesGranted) {
		e.becomeLeaderLocked()
		return
	}

	msg := requestVoteMsg{
		Term:                e.view,
		LastCommittableIdx:  e.lastCommittableIdx,
		LastCommittableTerm: e.termAtLocked(e.lastCommittableIdx),
	}
	data := protocol.Encode(&msg)
	for _, peer := range e.peerIDsLocked() {
		e.sendAsync(peer, protocol.RequestVoteTag, data)
	}
}

// becomeLeaderLocked takes leadership of the current term.  The log is
// first rolled back to the last committable index, discarding unsigned
// uncommitted work.
func (e *Engine) becomeLeaderLocked() {
	e.role = Leader
	e.leader = e.self
	e.heartbeatElapsed = 0
	e.log.Infof("elected leader for term %d", e.view)

	e.rollbackLocked(e.lastCommittableIdx)

	for _, st := range e.nodes {
		st.sentIdx = e.lastIdxLocked()
		st.matchIdx = 0
	}
	e.broadcastAppendEntriesLocked()
}

func (e *Engine) becomeFollowerLocked(term basics.Term, leader basics.NodeID) {
	if term > e.view {
		e.view = term
		e.votedFor = basics.NoNode
		e.store.RaiseTerm(term)
	}
	if e.role != Retired {
		e.role = Follower
	}
	e.leader = leader
	e.electionElapsed = 0
}

// rollbackLocked truncates log, ledger, store and history above idx.
func (e *Engine) rollbackLocked(idx basics.Version) {
	if idx >= e.lastIdxLocked() {
		return
	}
	if idx < e.commitIdx {
		e.log.Panicf("rollback(%d) below commit index %d", idx, e.commitIdx)
	}
	e.log.Infof("rolling back from %d to %d", e.lastIdxLocked(), idx)
	e.entries = e.entries[:idx]
	if err := e.ledger.Truncate(idx); err != nil {
		e.log.Errorf("rollback: ledger truncate: %v", err)
	}
	e.store.Rollback(idx)
	e.history.Rollback(idx)
	e.configs.Rollback(idx)
	if e.lastCommittableIdx > idx {
		e.lastCommittableIdx = 0
		for i := idx; i >= 1; i-- {
			if e.entries[i-1].Committable {
				e.lastCommittableIdx = i
				break
			}
		}
	}
}

// hasQuorumLocked checks a vote set against every active configuration.
func (e *Engine) hasQuorumLocked(granted map[basics.NodeID]bool) bool {
	for _, c := range e.configs.Active() {
		count := 0
		for _, n := range c.Nodes {
			if granted[n] {
				count++
			}
		}
		if count < c.Quorum() {
			return false
		}
	}
	return len(e.configs.Active()) > 0
}

func (e *Engine) peerIDsLocked() []basics.NodeID {
	var out []basics.NodeID
	for _, n := range e.configs.AllNodes() {
		if n != e.self {
			out = append(out, n)
		}
	}
	return out
}

// sendAsync enqueues a message for the send loop; a full outbox drops
// the message, and the progress trackers re-derive the transfer later.
func (e *Engine) sendAsync(peer basics.NodeID, tag protocol.Tag, data []byte) {
	select {
	case e.outbox <- outboundMsg{peer: peer, tag: tag, data: data}:
	default:
		e.log.Warnf("outbox full, dropping %v to %d", tag, peer)
	}
}

func (e *Engine) broadcastStatusLocked() {
	msg := statusMsg{Term: e.view, LastIdx: e.lastIdxLocked(), CommitIdx: e.commitIdx}
	data := protocol.Encode(&msg)
	for _, peer := range e.peerIDsLocked() {
		e.sendAsync(peer, protocol.StatusTag, data)
	}
}

// broadcastAppendEntriesLocked schedules a batched AppendEntries to every
// peer from its send pointer.
func (e *Engine) broadcastAppendEntriesLocked() {
	if e.role != Leader {
		return
	}
	for peer, st := range e.nodes {
		if peer == e.self {
			continue
		}
		e.sendAppendEntriesLocked(peer, st)
	}
}

func (e *Engine) sendAppendEntriesLocked(peer basics.NodeID, st *nodeState) {
	start := st.sentIdx + 1
	if start > e.lastIdxLocked()+1 {
		start = e.lastIdxLocked() + 1
	}
	batch := e.batchSizeLocked()
	end := start + basics.Version(batch) - 1
	if end > e.lastIdxLocked() {
		end = e.lastIdxLocked()
	}

	msg := appendEntriesMsg{
		Term:      e.view,
		PrevIdx:   start - 1,
		PrevTerm:  e.termAtLocked(start - 1),
		CommitIdx: e.commitIdx,
	}
	for idx := start; idx <= end; idx++ {
		msg.Entries = append(msg.Entries, e.entries[idx-1])
	}
	if end >= start {
		st.sentIdx = end
	}
	e.sendAsync(peer, protocol.AppendEntriesTag, protocol.Encode(&msg))
}

func (e *Engine) handleAppendEntries(sender basics.NodeID, msg appendEntriesMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term < e.view {
		metrics.StaleMessagesDropped.Inc()
		e.replyAppendLocked(sender, false, e.commitIdx)
		return
	}
	e.becomeFollowerLocked(msg.Term, sender)
	if e.role == Retired {
		return
	}

	// Log matching: prev_idx must exist locally with prev_term.
	if msg.PrevIdx > e.lastIdxLocked() {
		e.replyAppendLocked(sender, false, e.lastIdxLocked())
		return
	}
	if e.termAtLocked(msg.PrevIdx) != msg.PrevTerm {
		e.replyAppendLocked(sender, false, e.commitIdx)
		return
	}

	for _, entry := range msg.Entries {
		if entry.Idx <= e.lastIdxLocked() {
			if e.termAtLocked(entry.Idx) == entry.Term {
				continue // already have it
			}
			e.rollbackLocked(entry.Idx - 1)
		}
		if entry.Idx != e.lastIdxLocked()+1 {
			e.replyAppendLocked(sender, false, e.lastIdxLocked())
			return
		}
		res, _ := e.store.Deserialise(entry.Data, false)
		if res == kv.ApplyFailed {
			e.log.Warnf("rejecting undecodable entry %d from %d", entry.Idx, sender)
			e.replyAppendLocked(sender, false, e.lastIdxLocked())
			return
		}
		force := e.pendingForceChunk && entry.Committable
		if _, err := e.ledger.PutEntry(entry.Data, entry.Committable, force); err != nil {
			e.log.Errorf("ledger append: %v", err)
			e.replyAppendLocked(sender, false, e.lastIdxLocked())
			return
		}
		if force {
			e.pendingForceChunk = false
		}
		e.entries = append(e.entries, entry)
		if entry.Committable {
			e.lastCommittableIdx = entry.Idx
		}
		e.observeEntrySize(len(entry.Data))
	}

	if msg.CommitIdx > e.commitIdx {
		target := msg.CommitIdx
		if target > e.lastIdxLocked() {
			target = e.lastIdxLocked()
		}
		e.applyCommitLocked(target)
	}
	e.replyAppendLocked(sender, true, e.lastIdxLocked())
}

func (e *Engine) replyAppendLocked(peer basics.NodeID, success bool, matchIdx basics.Version) {
	msg := appendEntriesRespMsg{Term: e.view, Success: success, MatchIdx: matchIdx}
	e.sendAsync(peer, protocol.AppendEntriesResponseTag, protocol.Encode(&msg))
}

func (e *Engine) handleAppendEntriesResponse(sender basics.NodeID, msg appendEntriesRespMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term > e.view {
		e.becomeFollowerLocked(msg.Term, basics.NoNode)
		return
	}
	if e.role != Leader || msg.Term < e.view {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	st, ok := e.nodes[sender]
	if !ok {
		return
	}
	if msg.MatchIdx > e.lastIdxLocked() {
		// A follower can never be ahead of its leader.
		e.log.Panicf("follower %d reports match %d beyond last index %d", sender, msg.MatchIdx, e.lastIdxLocked())
	}

	if !msg.Success {
		// Resend from the follower's reported position.
		st.sentIdx = msg.MatchIdx
		e.sendAppendEntriesLocked(sender, st)
		return
	}
	if msg.MatchIdx > st.matchIdx {
		st.matchIdx = msg.MatchIdx
	}
	if st.sentIdx < st.matchIdx {
		st.sentIdx = st.matchIdx
	}
	e.advanceCommitLocked()
	if st.sentIdx < e.lastIdxLocked() {
		e.sendAppendEntriesLocked(sender, st)
	}
}

// advanceCommitLocked moves the commit index to the highest committable
// index replicated on a majority of each active configuration, provided
// that entry's term equals the current view.  Only committable
// (signature-bearing) entries delimit safe commit boundaries.
func (e *Engine) advanceCommitLocked() {
	if e.role != Leader {
		return
	}
	for idx := e.lastCommittableIdx; idx > e.commitIdx; idx-- {
		if !e.entries[idx-1].Committable {
			continue
		}
		if e.termAtLocked(idx) != e.view {
			break
		}
		holds := map[basics.NodeID]bool{e.self: true}
		for peer, st := range e.nodes {
			if st.matchIdx >= idx {
				holds[peer] = true
			}
		}
		if e.hasQuorumLocked(holds) {
			e.applyCommitLocked(idx)
			break
		}
	}
}

// applyCommitLocked performs the commit side effects for every index up
// to target: ledger commit, kv compaction, snapshotter tick, and
// configuration advancement.
func (e *Engine) applyCommitLocked(target basics.Version) {
	if target <= e.commitIdx {
		return
	}
	metrics.EntriesCommitted.Add(float64(target - e.commitIdx))
	metrics.CommittedIndex.Set(float64(target))
	e.commitIdx = target

	if err := e.ledger.Commit(target); err != nil {
		e.log.Errorf("ledger commit(%d): %v", target, err)
	}
	e.store.Compact(target)
	if e.snapshotter.Tick(target) {
		e.pendingForceChunk = true
	}

	if e.configs.Advance(target) {
		e.reconcileNodesLocked()
	}

	// Followers learn the new commit index with the next AppendEntries;
	// push one immediately instead of waiting out the heartbeat.
	e.broadcastAppendEntriesLocked()
}

// reconcileNodesLocked aligns per-peer state and channels with the
// active configurations.  A leader discovering itself absent retires.
func (e *Engine) reconcileNodesLocked() {
	want := make(map[basics.NodeID]bool)
	for _, n := range e.configs.AllNodes() {
		want[n] = true
	}

	for peer := range e.nodes {
		if !want[peer] {
			delete(e.nodes, peer)
			if e.sender != nil {
				peer := peer
				go e.sender.Disconnect(peer)
			}
		}
	}
	for peer := range want {
		if peer == e.self {
			continue
		}
		if _, ok := e.nodes[peer]; !ok {
			e.nodes[peer] = &nodeState{sentIdx: e.lastIdxLocked(), matchIdx: 0}
			if e.sender != nil {
				peer := peer
				go func() {
					if err := e.sender.Connect(peer); err != nil {
						e.log.Debugf("connect %d: %v", peer, err)
					}
				}()
			}
		}
	}

	if !want[e.self] {
		e.log.Infof("absent from configuration, retiring")
		e.role = Retired
		e.leader = basics.NoNode
	}
}

func (e *Engine) handleRequestVote(sender basics.NodeID, msg requestVoteMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term > e.view {
		e.becomeFollowerLocked(msg.Term, basics.NoNode)
	}

	granted := false
	if msg.Term == e.view && e.role != Retired {
		alreadyVoted := e.votedInTerm == e.view && e.votedFor != basics.NoNode && e.votedFor != sender
		upToDate := msg.LastCommittableTerm > e.termAtLocked(e.lastCommittableIdx) ||
			(msg.LastCommittableTerm == e.termAtLocked(e.lastCommittableIdx) &&
				msg.LastCommittableIdx >= e.lastCommittableIdx)
		if !alreadyVoted && upToDate {
			granted = true
			e.votedFor = sender
			e.votedInTerm = e.view
			e.electionElapsed = 0
		}
	} else if msg.Term < e.view {
		metrics.StaleMessagesDropped.Inc()
	}

	resp := requestVoteRespMsg{Term: e.view, Granted: granted}
	e.sendAsync(sender, protocol.RequestVoteResponseTag, protocol.Encode(&resp))
}

func (e *Engine) handleRequestVoteResponse(sender basics.NodeID, msg requestVoteRespMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term > e.view {
		e.becomeFollowerLocked(msg.Term, basics.NoNode)
		return
	}
	if e.role != Candidate || msg.Term < e.view || !msg.Granted {
		return
	}
	e.votesGranted[sender] = true
	if e.hasQuorumLocked(e.votesGranted) {
		e.becomeLeaderLocked()
	}
}

func (e *Engine) handleStatus(sender basics.NodeID, msg statusMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term > e.view {
		e.becomeFollowerLocked(msg.Term, basics.NoNode)
		return
	}
	if e.role != Leader {
		return
	}
	// A lagging peer re-derives its missing transfer from here: rewind
	// the send pointer and push.
	if st, ok := e.nodes[sender]; ok && msg.LastIdx < e.lastIdxLocked() {
		if st.sentIdx > msg.LastIdx {
			st.sentIdx = msg.LastIdx
		}
		e.sendAppendEntriesLocked(sender, st)
	}
}
