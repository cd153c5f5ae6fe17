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

// Package consensus defines the capability sets the replication engines
// consume — ledger, store, history, transport, snapshotter — and the
// configuration bookkeeping shared by both engines.  Production and test
// implementations satisfy the same contracts.
package consensus

import (
	"time"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/protocol"
)

// LedgerWriter is the slice of the ledger the engines drive.
type LedgerWriter interface {
	PutEntry(data []byte, committable bool, forceChunk bool) (basics.Version, error)
	GetEntry(idx basics.Version) ([]byte, error)
	Truncate(v basics.Version) error
	Commit(v basics.Version) error
	LastIndex() basics.Version
}

// Store is the slice of the kv store the engines drive.
type Store interface {
	Deserialise(data []byte, publicOnly bool) (kv.ApplyResult, basics.Version)
	Compact(v basics.Version)
	Rollback(v basics.Version)
	CurrentVersion() basics.Version
	RaiseTerm(t basics.Term)
	SnapshotAt(v basics.Version) ([]byte, error)
	ApplySnapshot(data []byte, publicOnly bool) error
}

// History is the slice of the Merkle history the engines drive.
type History interface {
	ReplicatedStateRoot() crypto.Digest
	Version() basics.Version
	Rollback(v basics.Version)
	Reset(v basics.Version)
	EmitSignature() kv.CommitResult

	// RootAfterAppend predicts the root after appending entries, letting
	// a primary claim the post-execution root before the store applies
	// the batch.
	RootAfterAppend(entries ...[]byte) crypto.Digest

	// State transfer surface: past roots, leaf prefixes, and wholesale
	// installation of a transferred leaf set.
	RootAt(v basics.Version) crypto.Digest
	LeafPrefix(v basics.Version) []crypto.Digest
	InstallLeaves(leaves []crypto.Digest)
}

// Sender abstracts the channel layer for consensus messages.
type Sender interface {
	Send(peer basics.NodeID, tag protocol.Tag, data []byte) error
	Connect(peer basics.NodeID) error
	Disconnect(peer basics.NodeID)
}

// Snapshotter decides when a kv snapshot is due.  Tick is called with
// every advanced commit index and takes the snapshot itself; when it
// returns true the engine forces a ledger chunk boundary at the next
// committable entry.
type Snapshotter interface {
	Tick(committed basics.Version) bool
}

// NullSnapshotter never schedules snapshots.
type NullSnapshotter struct{}

// Tick implements Snapshotter.
func (NullSnapshotter) Tick(committed basics.Version) bool { return false }

// An Engine is one of the two replication protocols, fixed at
// construction.
type Engine interface {
	// Replicate appends application entries at the given term; leader or
	// primary only.
	Replicate(entries []Entry, term basics.Term) bool

	// Periodic drives timers; elapsed is the time since the previous call.
	Periodic(elapsed time.Duration)

	// HandleMessage dispatches one authenticated message by tag.
	HandleMessage(tag protocol.Tag, sender basics.NodeID, data []byte)

	// IsPrimary reports whether this replica currently orders requests.
	IsPrimary() bool

	// CommittedIndex returns the engine's committed watermark.
	CommittedIndex() basics.Version

	// Stop releases engine resources.
	Stop()
}

// Entry is one replicated log item as handed to Replicate.
type Entry struct {
	Idx         basics.Version `codec:"i"`
	Data        []byte         `codec:"d"`
	Committable bool           `codec:"c"`
}
