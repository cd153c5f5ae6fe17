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

package kv

import (
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/util/metrics"
)

// pendingEntry retains a committed version's writes until compaction
// fires the global hooks for it.
type pendingEntry struct {
	segments []pendingSegment
}

type pendingSegment struct {
	m      *Map
	writes []Write
}

// Store is the multi-map transactional store.  It owns the version clock:
// at most one writer per version, assigned under the store lock at commit
// or deserialisation.
type Store struct {
	// commitMu orders writer commits so reserved versions reach the
	// replication sink in sequence; mu guards the state and is never
	// held across the sink call.
	commitMu deadlock.Mutex
	mu       deadlock.Mutex
	log      logging.Logger

	maps map[string]*Map

	version   basics.Version
	term      basics.Term
	compacted basics.Version

	// compactTarget remembers a requested compaction ahead of the applied
	// version; it completes as soon as the version lands.
	compactTarget basics.Version

	encryptor Encryptor
	history   HistoryAppender
	sink      ReplicationSink

	pending map[basics.Version]*pendingEntry
}

// MakeStore creates an empty store with a null encryptor.
func MakeStore(log logging.Logger) *Store {
	return &Store{
		log:       log,
		maps:      make(map[string]*Map),
		encryptor: NullEncryptor{},
		pending:   make(map[basics.Version]*pendingEntry),
	}
}

// CreateMap registers a named map.  The schema must be identical on every
// replica before any entry is exchanged.
func (s *Store) CreateMap(name string, domain SecurityDomain, replicated bool) *Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.maps[name]; ok {
		return m
	}
	m := makeMap(name, domain, replicated)
	s.maps[name] = m
	return m
}

// GetMap returns a registered map, or nil.
func (s *Store) GetMap(name string) *Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps[name]
}

// SetEncryptor installs the segment encryptor used from the next commit.
func (s *Store) SetEncryptor(e Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = e
}

// SetHistory installs the Merkle history extended with every applied
// entry.
func (s *Store) SetHistory(h HistoryAppender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// SetReplicator installs the replication sink consulted at commit.  The
// sink runs outside the store's state lock.
func (s *Store) SetReplicator(r ReplicationSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = r
}

// CurrentVersion returns the version of the latest applied write.
func (s *Store) CurrentVersion() basics.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// CompactedVersion returns the compaction point.
func (s *Store) CompactedVersion() basics.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacted
}

// CurrentTerm returns the term stamped on new entries.
func (s *Store) CurrentTerm() basics.Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// CurrentTxID returns the id of the latest applied write.
func (s *Store) CurrentTxID() basics.TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return basics.TxID{Term: s.term, Version: s.version}
}

// RaiseTerm moves the store into a newer term; terms never go backwards.
func (s *Store) RaiseTerm(t basics.Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.term {
		s.term = t
	}
}

// NewTransaction returns a transaction reading at the current version.
func (s *Store) NewTransaction() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Transaction{
		store:       s,
		readVersion: s.version,
		views:       make(map[string]*TxView),
	}
}

func (s *Store) commit(tx *Transaction) CommitResult {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if tx.done {
		s.log.Panicf("kv: commit of a finished transaction")
	}
	tx.done = true

	for _, view := range tx.views {
		for key := range view.reads {
			if view.m.latestVersion(key) > tx.readVersion {
				s.mu.Unlock()
				metrics.CommitConflicts.Inc()
				return CommitConflict
			}
		}
	}

	if !tx.hasWrites() {
		s.mu.Unlock()
		return CommitOK
	}

	// Reserve the next version; released again if replication refuses.
	next := s.version + 1
	s.version = next
	term := s.term
	views := tx.orderedViews()

	e := entry{
		Version:     next,
		Term:        term,
		Committable: tx.committable,
	}
	for _, view := range views {
		if len(view.writes) == 0 {
			continue
		}
		if view.m.name == SignaturesMapName {
			e.Committable = true
		}
		e.Segments = append(e.Segments, segment{
			Name:       view.m.name,
			Version:    next,
			Domain:     view.m.domain,
			Replicated: view.m.replicated,
			Writes:     view.orderedWrites(),
		})
	}
	data := encodeEntry(&e, s.encryptor)
	sink := s.sink
	s.mu.Unlock()

	// The sink is consulted without the state lock: replication may take
	// its own engine lock and call back into the store from its message
	// handlers.
	if sink != nil && !sink.Replicate(next, term, data, e.Committable) {
		s.mu.Lock()
		if s.version == next {
			s.version = next - 1
		}
		s.mu.Unlock()
		return CommitNoReplicate
	}

	s.mu.Lock()
	s.applyLocked(next, views, data)
	s.mu.Unlock()
	return CommitOK
}

// applyLocked appends the writes of version v into the maps, fires local
// hooks, retains the writes for the global hooks, and extends the
// history.  Caller holds the store lock.
func (s *Store) applyLocked(v basics.Version, views []*TxView, data []byte) {
	pe := &pendingEntry{}
	for _, view := range views {
		if len(view.writes) == 0 {
			continue
		}
		writes := view.orderedWrites()
		view.m.apply(v, writes)
		pe.segments = append(pe.segments, pendingSegment{m: view.m, writes: writes})
	}
	s.pending[v] = pe
	if s.history != nil {
		s.history.Append(data)
	}
	if s.compactTarget > s.compacted {
		s.compactLocked(s.compactTarget)
	}
}

// Deserialise applies a replicated entry produced by another replica at
// the same schema.  It returns the classification of the applied entry
// and the version it was applied at; a FAILED result leaves the store
// unchanged.
func (s *Store) Deserialise(data []byte, publicOnly bool) (ApplyResult, basics.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := decodeEntry(data, s.encryptor, publicOnly)
	if err != nil {
		s.log.Warnf("kv: deserialise: %v", err)
		return ApplyFailed, 0
	}
	if e.Version != s.version+1 {
		s.log.Warnf("kv: deserialise: entry version %d, expected %d", e.Version, s.version+1)
		return ApplyFailed, 0
	}

	// Resolve the schema before mutating anything: an entry either
	// applies completely or not at all.
	type apply struct {
		m      *Map
		writes []Write
	}
	applies := make([]apply, 0, len(e.Segments))
	for i := range e.Segments {
		seg := &e.Segments[i]
		m, ok := s.maps[seg.Name]
		if !ok {
			s.log.Warnf("kv: deserialise: unknown map %q", seg.Name)
			return ApplyFailed, 0
		}
		if seg.Domain == Private && publicOnly {
			continue
		}
		applies = append(applies, apply{m: m, writes: seg.Writes})
	}

	s.version = e.Version
	if e.Term > s.term {
		s.term = e.Term
	}
	pe := &pendingEntry{}
	for _, a := range applies {
		a.m.apply(e.Version, a.writes)
		pe.segments = append(pe.segments, pendingSegment{m: a.m, writes: a.writes})
	}
	s.pending[e.Version] = pe
	if s.history != nil {
		s.history.Append(data)
	}
	if s.compactTarget > s.compacted {
		s.compactLocked(s.compactTarget)
	}
	return classify(e), e.Version
}

// Compact fires every global hook between the previous compaction point
// and v in version order, then coalesces each key's chain at or below v
// into a single committed value.  A target beyond the applied version is
// remembered and completed when that version lands.
func (s *Store) Compact(v basics.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.compactTarget {
		s.compactTarget = v
	}
	s.compactLocked(v)
}

func (s *Store) compactLocked(v basics.Version) {
	if v > s.version {
		v = s.version
	}
	if v <= s.compacted {
		return
	}

	for ver := s.compacted + 1; ver <= v; ver++ {
		pe, ok := s.pending[ver]
		if !ok {
			continue
		}
		for _, seg := range pe.segments {
			if seg.m.globalHook != nil {
				seg.m.globalHook(ver, seg.writes)
			}
		}
		delete(s.pending, ver)
	}

	for _, name := range s.sortedMapNames() {
		s.maps[name].compact(v)
	}
	s.compacted = v
}

// Rollback truncates every map's versioned chain above v and moves the
// current version back to v.  It never crosses the compaction point.
func (s *Store) Rollback(v basics.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < s.compacted {
		v = s.compacted
	}
	if v >= s.version {
		return
	}

	for _, name := range s.sortedMapNames() {
		s.maps[name].rollback(v)
	}
	for ver := v + 1; ver <= s.version; ver++ {
		delete(s.pending, ver)
	}
	s.version = v
	if s.compactTarget > v {
		s.compactTarget = v
	}
}

func (s *Store) sortedMapNames() []string {
	names := make([]string, 0, len(s.maps))
	for name := range s.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
