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

// Package kv implements the multi-version, multi-map transactional store
// backing replication.  Transactions read at a snapshot version and
// validate their read-set at commit; committed writes are serialised into
// replicated entries, applied to versioned per-key chains, and later
// coalesced by compaction.
package kv

import (
	"github.com/algorand/go-concord/data/basics"
)

// SecurityDomain classifies a map's data for recovery and on-disk
// encryption.
type SecurityDomain uint8

const (
	// Public maps are serialised in the clear and deserialised even in
	// public-only recovery.
	Public SecurityDomain = iota
	// Private maps are encrypted on their way to the ledger and skipped in
	// public-only recovery.
	Private
)

func (d SecurityDomain) String() string {
	switch d {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// CommitResult is the outcome of committing a transaction.
type CommitResult int

const (
	// CommitOK: the transaction was accepted and its writes applied.
	CommitOK CommitResult = iota
	// CommitConflict: a read-set key changed after the transaction's read
	// version.  The caller may retry with a fresh transaction.
	CommitConflict
	// CommitNoReplicate: the replication layer refused the entry.
	CommitNoReplicate
)

func (r CommitResult) String() string {
	switch r {
	case CommitOK:
		return "OK"
	case CommitConflict:
		return "CONFLICT"
	case CommitNoReplicate:
		return "NO_REPLICATE"
	default:
		return "unknown"
	}
}

// ApplyResult is the outcome of deserialising a replicated entry.
type ApplyResult int

const (
	// ApplyFailed: the entry did not decode or decrypt; the replication
	// layer treats this as "reject and request retransmission".
	ApplyFailed ApplyResult = iota
	// ApplyPass: an ordinary entry was applied.
	ApplyPass
	// ApplyPassSignature: the entry carries a history signature.
	ApplyPassSignature
	// ApplyPassPrePrepare: the entry carries an ordered pre-prepare record.
	ApplyPassPrePrepare
	// ApplyPassNewView: the entry carries a new-view record.
	ApplyPassNewView
	// ApplyPassBackupSignature: the entry carries a backup's signed response.
	ApplyPassBackupSignature
	// ApplyPassNonces: the entry carries revealed nonces.
	ApplyPassNonces
	// ApplyPassSnapshotEvidence: the entry carries snapshot evidence.
	ApplyPassSnapshotEvidence
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyFailed:
		return "FAILED"
	case ApplyPass:
		return "PASS"
	case ApplyPassSignature:
		return "PASS_SIGNATURE"
	case ApplyPassPrePrepare:
		return "PASS_PRE_PREPARE"
	case ApplyPassNewView:
		return "PASS_NEW_VIEW"
	case ApplyPassBackupSignature:
		return "PASS_BACKUP_SIGNATURE"
	case ApplyPassNonces:
		return "PASS_NONCES"
	case ApplyPassSnapshotEvidence:
		return "PASS_SNAPSHOT_EVIDENCE"
	default:
		return "unknown"
	}
}

// Well-known map names.  Writes to these maps classify the entry carrying
// them; all are public and replicated.
const (
	// SignaturesMapName holds history signatures; an entry writing it is
	// committable.
	SignaturesMapName = "internal.signatures"
	// NodesMapName holds replica identities: addresses and public keys.
	NodesMapName = "internal.nodes"
	// PrePreparesMapName holds ordered pre-prepare records.
	PrePreparesMapName = "internal.pre_prepares"
	// NewViewsMapName holds new-view records.
	NewViewsMapName = "internal.new_views"
	// BackupSignaturesMapName holds backups' signed responses.
	BackupSignaturesMapName = "internal.backup_signatures"
	// NoncesMapName holds revealed commit nonces.
	NoncesMapName = "internal.nonces"
	// SnapshotEvidenceMapName holds snapshot evidence records.
	SnapshotEvidenceMapName = "internal.snapshot_evidence"
)

var classifiedMaps = map[string]ApplyResult{
	SignaturesMapName:       ApplyPassSignature,
	PrePreparesMapName:      ApplyPassPrePrepare,
	NewViewsMapName:         ApplyPassNewView,
	BackupSignaturesMapName: ApplyPassBackupSignature,
	NoncesMapName:           ApplyPassNonces,
	SnapshotEvidenceMapName: ApplyPassSnapshotEvidence,
}

// A Write is one key mutation inside a committed transaction.  Deleted
// writes are tombstones.
type Write struct {
	Key     string `codec:"k"`
	Value   []byte `codec:"v"`
	Deleted bool   `codec:"d"`
}

// LocalHook observes a map's writes as each transaction commits locally,
// in commit order.  Hooks run on the store's commit path and must not
// call back into the store; hand work needing a transaction to another
// goroutine.
type LocalHook func(v basics.Version, writes []Write)

// GlobalHook observes a map's writes once the replication layer has
// committed the version globally; hooks fire in compaction order, under
// the same constraint as LocalHook.
type GlobalHook func(v basics.Version, writes []Write)

// ReplicationSink accepts serialised entries for replication.  Replicate
// returns false to refuse the entry, surfacing CommitNoReplicate to the
// committer.
type ReplicationSink interface {
	Replicate(version basics.Version, term basics.Term, data []byte, committable bool) bool
}

// HistoryAppender extends the Merkle history with each serialised entry in
// version order.
type HistoryAppender interface {
	Append(data []byte)
}
