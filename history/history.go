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

// Package history maintains the Merkle tree over replicated state and the
// signed checkpoints the replication protocols emit and verify.  Two
// replicas that applied the same prefix of serialised entries hold
// bitwise-equal roots.
package history

import (
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/crypto/merklearray"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
)

// SignatureKey is the signatures-map key under which the latest signature
// record lives.
const SignatureKey = "latest"

// entryLeaf wraps a serialised entry's bytes for leaf hashing.
type entryLeaf []byte

// ToBeHashed implements crypto.Hashable.
func (e entryLeaf) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.MerkleLeaf, e
}

// rootClaim is the payload a signature record commits to.
type rootClaim struct {
	Term    basics.Term    `codec:"t"`
	Version basics.Version `codec:"v"`
	Root    crypto.Digest  `codec:"r"`
}

// ToBeHashed implements crypto.Hashable.
func (c rootClaim) ToBeHashed() (protocol.HashID, []byte) {
	return protocol.StateRootSig, protocol.Encode(&c)
}

// A SignatureRecord binds (term, version, root, signer, signature); it is
// written through a reserved kv transaction and replicated like any other
// entry.
type SignatureRecord struct {
	Term      basics.Term      `codec:"t"`
	Version   basics.Version   `codec:"v"`
	Root      crypto.Digest    `codec:"r"`
	Signer    basics.NodeID    `codec:"n"`
	Signature crypto.Signature `codec:"s"`
}

// History owns the hash chain over serialised transaction digests.  The
// store holds it as its HistoryAppender; consensus reads roots from it
// and asks it to emit signatures.
type History struct {
	mu  deadlock.Mutex
	log logging.Logger

	tree merklearray.Tree
	// base is the version the tree starts after; leaf i commits version
	// base+i+1.  Non-zero after installing a snapshot.
	base basics.Version

	store   *kv.Store
	self    basics.NodeID
	secrets *crypto.SignatureSecrets
}

// MakeHistory builds the history for one replica.
func MakeHistory(store *kv.Store, self basics.NodeID, secrets *crypto.SignatureSecrets, log logging.Logger) *History {
	return &History{
		log:     log,
		store:   store,
		self:    self,
		secrets: secrets,
	}
}

// Append extends the tree with the hash of the serialised entry at the
// current version.  It implements kv.HistoryAppender and is called by the
// store with every applied entry, in version order.
func (h *History) Append(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tree.Append(crypto.HashObj(entryLeaf(data)))
}

// ReplicatedStateRoot returns the root over every appended entry.
func (h *History) ReplicatedStateRoot() crypto.Digest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Root()
}

// Version returns the version of the last entry the tree commits to.
func (h *History) Version() basics.Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base + basics.Version(h.tree.NumLeaves())
}

// Rollback discards tree leaves above version v, mirroring a store
// rollback.
func (h *History) Rollback(v basics.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v < h.base {
		h.log.Panicf("history: rollback(%d) below tree base %d", v, h.base)
	}
	h.tree.TruncateTo(uint64(v - h.base))
}

// Reset re-bases the tree after installing a snapshot at version v: the
// tree forgets all leaves and subsequent appends extend from v.
func (h *History) Reset(v basics.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tree.TruncateTo(0)
	h.base = v
}

// RootAfterAppend returns the root the tree will have once the given
// serialised entries are appended, without mutating it.  The ordering
// primary uses this to claim the post-execution root before the store
// has applied the entry.
func (h *History) RootAfterAppend(entries ...[]byte) crypto.Digest {
	h.mu.Lock()
	defer h.mu.Unlock()
	leaves := h.tree.LeafPrefix(h.tree.NumLeaves())
	for _, data := range entries {
		leaves = append(leaves, crypto.HashObj(entryLeaf(data)))
	}
	return merklearray.RootOfLeaves(leaves)
}

// RootAt returns the root the tree had at version v; zero when v
// precedes the tree's base.
func (h *History) RootAt(v basics.Version) crypto.Digest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v < h.base {
		return crypto.Digest{}
	}
	return h.tree.RootAt(uint64(v - h.base))
}

// LeafPrefix returns the leaf digests covering versions up to v, for
// state transfer.
func (h *History) LeafPrefix(v basics.Version) []crypto.Digest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v < h.base {
		return nil
	}
	return h.tree.LeafPrefix(uint64(v - h.base))
}

// InstallLeaves replaces the tree with a transferred leaf set covering
// versions 1..len(leaves).
func (h *History) InstallLeaves(leaves []crypto.Digest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.base = 0
	h.tree.SetLeaves(leaves)
}

// Node exposes one interior hash for state transfer.
func (h *History) Node(level, index uint64) (crypto.Digest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Node(level, index)
}

// Layer exposes one whole tree layer for state transfer metadata.
func (h *History) Layer(level uint64) ([]crypto.Digest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Layer(level)
}

// EmitSignature signs (term, version, root) with the node key and writes
// the record through a reserved kv transaction.  The resulting entry is
// committable.
func (h *History) EmitSignature() kv.CommitResult {
	h.mu.Lock()
	claim := rootClaim{
		Term:    h.store.CurrentTerm(),
		Version: h.base + basics.Version(h.tree.NumLeaves()),
		Root:    h.tree.Root(),
	}
	h.mu.Unlock()

	record := SignatureRecord{
		Term:      claim.Term,
		Version:   claim.Version,
		Root:      claim.Root,
		Signer:    h.self,
		Signature: h.secrets.Sign(claim),
	}

	tx := h.store.NewTransaction()
	view := tx.GetView(kv.SignaturesMapName)
	if view == nil {
		h.log.Panicf("history: signatures map missing from schema")
	}
	view.Put(SignatureKey, protocol.Encode(&record))
	tx.SetCommittable()
	res := tx.Commit()
	if res != kv.CommitOK {
		h.log.Warnf("history: signature emission returned %v", res)
	}
	return res
}

// Verification errors.
var (
	ErrNoSignature   = errors.New("history: no signature recorded")
	ErrUnknownSigner = errors.New("history: signer not in nodes map")
	ErrBadSignature  = errors.New("history: signature does not verify")
	ErrWrongTerm     = errors.New("history: signature from unexpected term")
	ErrRootMismatch  = errors.New("history: signed root differs from local root")
)

// Verify checks the most recent signature record against the signer's
// registered public key in the nodes map.  When expectedTerm is non-nil
// the record must come from that term.  When the record's version matches
// the local tree, the signed root must equal the local root.
func (h *History) Verify(expectedTerm *basics.Term) (*SignatureRecord, error) {
	tx := h.store.NewTransaction()
	view := tx.GetView(kv.SignaturesMapName)
	if view == nil {
		return nil, ErrNoSignature
	}
	data, ok := view.Get(SignatureKey)
	if !ok {
		return nil, ErrNoSignature
	}
	var record SignatureRecord
	if err := protocol.Decode(data, &record); err != nil {
		return nil, fmt.Errorf("history: undecodable signature record: %w", err)
	}
	if expectedTerm != nil && record.Term != *expectedTerm {
		return nil, ErrWrongTerm
	}

	nodesView := tx.GetView(kv.NodesMapName)
	if nodesView == nil {
		return nil, ErrUnknownSigner
	}
	nodeData, ok := nodesView.Get(basics.NodeKey(record.Signer))
	if !ok {
		return nil, ErrUnknownSigner
	}
	var info basics.NodeInfo
	if err := protocol.Decode(nodeData, &info); err != nil {
		return nil, fmt.Errorf("history: undecodable node info: %w", err)
	}

	claim := rootClaim{Term: record.Term, Version: record.Version, Root: record.Root}
	if !info.SignPK.Verify(claim, record.Signature) {
		return nil, ErrBadSignature
	}

	h.mu.Lock()
	localVersion := h.base + basics.Version(h.tree.NumLeaves())
	localRoot := h.tree.Root()
	h.mu.Unlock()
	if record.Version == localVersion && record.Root != localRoot {
		return nil, ErrRootMismatch
	}
	return &record, nil
}
