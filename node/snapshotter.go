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
	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/consensus"
	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
)

// Snapshotter emits a kv snapshot every interval committed versions.
// The engine's commit path ticks it; a due snapshot both records
// evidence in the store and asks the engine to force a ledger chunk at
// the next committable entry.
type Snapshotter struct {
	mu       deadlock.Mutex
	log      logging.Logger
	store    *kv.Store
	interval basics.Version
	lastSnap basics.Version

	// Latest holds the most recent snapshot for state transfer or
	// operator retrieval.
	latest        []byte
	latestVersion basics.Version
}

// snapshotEvidence records a taken snapshot in the store, binding its
// version and digest.
type snapshotEvidence struct {
	Version basics.Version `codec:"v"`
	Digest  []byte         `codec:"d"`
}

// MakeSnapshotter builds a Snapshotter; interval 0 disables it.
func MakeSnapshotter(store *kv.Store, interval uint64, log logging.Logger) consensus.Snapshotter {
	if interval == 0 {
		return consensus.NullSnapshotter{}
	}
	return &Snapshotter{
		log:      log,
		store:    store,
		interval: basics.Version(interval),
	}
}

// Tick implements consensus.Snapshotter.
func (s *Snapshotter) Tick(committed basics.Version) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if committed < s.lastSnap+s.interval {
		return false
	}
	snap, err := s.store.SnapshotAt(committed)
	if err != nil {
		s.log.Warnf("snapshotter: %v", err)
		return false
	}
	s.lastSnap = committed
	s.latest = snap
	s.latestVersion = committed
	s.log.Infof("snapshot taken at version %d (%d bytes)", committed, len(snap))

	// Record the evidence asynchronously: Tick runs on the engine's
	// commit path.
	go s.recordEvidence(committed, snap)
	return true
}

func (s *Snapshotter) recordEvidence(v basics.Version, snap []byte) {
	tx := s.store.NewTransaction()
	view := tx.GetView(kv.SnapshotEvidenceMapName)
	if view == nil {
		return
	}
	ev := snapshotEvidence{Version: v, Digest: hashBytes(snap)}
	view.Put(basics.NodeKey(basics.NodeID(v)), protocol.Encode(&ev))
	if res := tx.Commit(); res != kv.CommitOK {
		s.log.Warnf("snapshot evidence commit returned %v", res)
	}
}

// Latest returns the most recent snapshot and its version.
func (s *Snapshotter) Latest() ([]byte, basics.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latestVersion
}

func hashBytes(data []byte) []byte {
	d := crypto.Hash(data)
	return d[:]
}
