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
	"fmt"

	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/protocol"
)

// snapshotMap is one map's coalesced contents at the snapshot version.
type snapshotMap struct {
	Name       string         `codec:"n"`
	Domain     SecurityDomain `codec:"d"`
	Replicated bool           `codec:"r"`
	Writes     []Write        `codec:"w,allocbound=-"`
	Sealed     []byte         `codec:"e"`
}

// snapshot is a serialisable image of the store at one version.  Applying
// it to an empty store with equal schema reproduces the state at that
// version exactly.
type snapshot struct {
	Version basics.Version `codec:"v"`
	Term    basics.Term    `codec:"t"`
	Maps    []snapshotMap  `codec:"m,allocbound=-"`
}

// SnapshotAt serialises the state at version v.  v must not exceed the
// current version nor precede the compaction point.
func (s *Store) SnapshotAt(v basics.Version) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v > s.version {
		return nil, fmt.Errorf("kv: snapshot at %d beyond current version %d", v, s.version)
	}
	if v < s.compacted {
		return nil, fmt.Errorf("kv: snapshot at %d below compaction point %d", v, s.compacted)
	}

	snap := snapshot{Version: v, Term: s.term}
	id := basics.TxID{Term: s.term, Version: v}
	for _, name := range s.sortedMapNames() {
		m := s.maps[name]
		sm := snapshotMap{
			Name:       m.name,
			Domain:     m.domain,
			Replicated: m.replicated,
			Writes:     m.snapshotContents(v),
		}
		if m.domain == Private {
			if _, null := s.encryptor.(NullEncryptor); !null {
				plain := protocol.Encode(sm.Writes)
				sm.Sealed = s.encryptor.Encrypt(id, []byte(m.name), plain)
				sm.Writes = nil
			}
		}
		snap.Maps = append(snap.Maps, sm)
	}
	return protocol.Encode(&snap), nil
}

// ApplySnapshot installs a snapshot into a store with equal schema,
// replacing all contents.  The store's version, term and compaction point
// move to the snapshot's.  PUBLIC maps are always applied; PRIVATE maps
// are emptied instead when publicOnly is set.
func (s *Store) ApplySnapshot(data []byte, publicOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap snapshot
	if err := protocol.Decode(data, &snap); err != nil {
		return fmt.Errorf("kv: undecodable snapshot: %w", err)
	}

	type install struct {
		m      *Map
		values map[string][]byte
	}
	installs := make([]install, 0, len(snap.Maps))
	id := basics.TxID{Term: snap.Term, Version: snap.Version}
	for i := range snap.Maps {
		sm := &snap.Maps[i]
		m, ok := s.maps[sm.Name]
		if !ok {
			return fmt.Errorf("kv: snapshot carries unknown map %q", sm.Name)
		}
		writes := sm.Writes
		if sm.Domain == Private && publicOnly {
			writes = nil
		} else if len(sm.Sealed) > 0 {
			plain, err := s.encryptor.Decrypt(id, []byte(sm.Name), sm.Sealed)
			if err != nil {
				return fmt.Errorf("kv: snapshot map %q: %w", sm.Name, err)
			}
			writes = nil
			if err := protocol.Decode(plain, &writes); err != nil {
				return fmt.Errorf("kv: snapshot map %q body: %w", sm.Name, err)
			}
		}
		values := make(map[string][]byte, len(writes))
		for _, w := range writes {
			if !w.Deleted {
				values[w.Key] = w.Value
			}
		}
		installs = append(installs, install{m: m, values: values})
	}

	for _, in := range installs {
		in.m.replaceContents(in.values)
	}
	s.version = snap.Version
	s.compacted = snap.Version
	s.compactTarget = snap.Version
	if snap.Term > s.term {
		s.term = snap.Term
	}
	s.pending = make(map[basics.Version]*pendingEntry)
	return nil
}
