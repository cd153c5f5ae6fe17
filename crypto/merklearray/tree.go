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

// Package merklearray implements an append-only Merkle tree over a dense
// array of leaf digests.  The tree supports truncation (for rollback),
// membership proofs, and level/index access to interior hashes (for state
// transfer).
package merklearray

import (
	"errors"
	"fmt"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/protocol"
)

// A pair is an interior node: the hash of its two children with a
// domain-separating prefix.
type pair struct {
	l crypto.Digest
	r crypto.Digest
}

// ToBeHashed implements crypto.Hashable.
func (p pair) ToBeHashed() (protocol.HashID, []byte) {
	buf := make([]byte, 0, 2*crypto.DigestSize)
	buf = append(buf, p.l[:]...)
	buf = append(buf, p.r[:]...)
	return protocol.MerkleNode, buf
}

func hashPair(l, r crypto.Digest) crypto.Digest {
	return crypto.HashObj(pair{l: l, r: r})
}

// Tree is a Merkle tree over an append-only array of leaf digests.
//
// Interior layers are cached and recomputed lazily: mutation marks the
// tree dirty and Root/Layer/Prove rebuild only then.  An odd node at the
// end of a layer is promoted unchanged to the layer above, so the root
// over n leaves commits to exactly those n leaves and nothing else.
//
// Tree is not safe for concurrent use.
type Tree struct {
	// layers[0] holds the leaves; layers[h] the interior nodes at height h.
	layers [][]crypto.Digest
	dirty  bool
}

// ErrPosOutOfRange is returned when a leaf or node position does not exist.
var ErrPosOutOfRange = errors.New("pos out of range")

// Append extends the array with one leaf digest.
func (t *Tree) Append(leaf crypto.Digest) {
	if len(t.layers) == 0 {
		t.layers = make([][]crypto.Digest, 1)
	}
	t.layers[0] = append(t.layers[0], leaf)
	t.dirty = true
}

// NumLeaves returns the number of leaves appended so far.
func (t *Tree) NumLeaves() uint64 {
	if len(t.layers) == 0 {
		return 0
	}
	return uint64(len(t.layers[0]))
}

// TruncateTo discards every leaf beyond the first n.  It is a no-op when
// the tree already holds n or fewer leaves.
func (t *Tree) TruncateTo(n uint64) {
	if t.NumLeaves() <= n {
		return
	}
	t.layers[0] = t.layers[0][:n]
	t.dirty = true
}

// Root returns the root digest over all leaves.  An empty tree has a zero
// root.
func (t *Tree) Root() crypto.Digest {
	t.build()
	if t.NumLeaves() == 0 {
		return crypto.Digest{}
	}
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Height returns the number of layers in the built tree.
func (t *Tree) Height() uint64 {
	t.build()
	return uint64(len(t.layers))
}

// Layer returns a copy of the hashes at the given height; height 0 is the
// leaf layer.
func (t *Tree) Layer(height uint64) ([]crypto.Digest, error) {
	t.build()
	if height >= uint64(len(t.layers)) {
		return nil, fmt.Errorf("layer %d: %w", height, ErrPosOutOfRange)
	}
	out := make([]crypto.Digest, len(t.layers[height]))
	copy(out, t.layers[height])
	return out, nil
}

// Node returns the single hash at (height, index).
func (t *Tree) Node(height, index uint64) (crypto.Digest, error) {
	t.build()
	if height >= uint64(len(t.layers)) || index >= uint64(len(t.layers[height])) {
		return crypto.Digest{}, fmt.Errorf("node (%d,%d): %w", height, index, ErrPosOutOfRange)
	}
	return t.layers[height][index], nil
}

// Prove returns the sibling path for the leaf at pos, bottom-up.  A
// promoted (odd, unpaired) node contributes no sibling at that height.
func (t *Tree) Prove(pos uint64) (Proof, error) {
	t.build()
	if pos >= t.NumLeaves() {
		return Proof{}, fmt.Errorf("leaf %d: %w", pos, ErrPosOutOfRange)
	}
	var proof Proof
	idx := pos
	for h := 0; h < len(t.layers)-1; h++ {
		layer := t.layers[h]
		sib := idx ^ 1
		if sib < uint64(len(layer)) {
			proof.Path = append(proof.Path, branch{Hash: layer[sib], Left: sib < idx})
		}
		idx >>= 1
	}
	return proof, nil
}

func (t *Tree) build() {
	if !t.dirty {
		return
	}
	t.dirty = false
	if len(t.layers) == 0 || len(t.layers[0]) == 0 {
		t.layers = t.layers[:min(len(t.layers), 1)]
		return
	}
	t.layers = t.layers[:1]
	for len(t.layers[len(t.layers)-1]) > 1 {
		lower := t.layers[len(t.layers)-1]
		upper := make([]crypto.Digest, 0, (len(lower)+1)/2)
		for i := 0; i < len(lower); i += 2 {
			if i+1 < len(lower) {
				upper = append(upper, hashPair(lower[i], lower[i+1]))
			} else {
				upper = append(upper, lower[i])
			}
		}
		t.layers = append(t.layers, upper)
	}
}

// RootAt computes the root over the first n leaves without disturbing
// the tree's cached layers.
func (t *Tree) RootAt(n uint64) crypto.Digest {
	if n > t.NumLeaves() {
		n = t.NumLeaves()
	}
	if n == 0 {
		return crypto.Digest{}
	}
	return RootOfLeaves(t.layers[0][:n])
}

// LeafPrefix returns a copy of the first n leaf digests.
func (t *Tree) LeafPrefix(n uint64) []crypto.Digest {
	if n > t.NumLeaves() {
		n = t.NumLeaves()
	}
	out := make([]crypto.Digest, n)
	if n > 0 {
		copy(out, t.layers[0][:n])
	}
	return out
}

// SetLeaves replaces the tree's contents with the given leaves.
func (t *Tree) SetLeaves(leaves []crypto.Digest) {
	t.layers = [][]crypto.Digest{append([]crypto.Digest(nil), leaves...)}
	t.dirty = true
}

// RootOfLeaves computes the root over a standalone leaf slice, using the
// same promotion rule as the Tree.
func RootOfLeaves(leaves []crypto.Digest) crypto.Digest {
	if len(leaves) == 0 {
		return crypto.Digest{}
	}
	layer := append([]crypto.Digest(nil), leaves...)
	for len(layer) > 1 {
		upper := make([]crypto.Digest, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				upper = append(upper, hashPair(layer[i], layer[i+1]))
			} else {
				upper = append(upper, layer[i])
			}
		}
		layer = upper
	}
	return layer[0]
}

// branch is one step of a membership proof.
type branch struct {
	Hash crypto.Digest `codec:"h"`
	Left bool          `codec:"l"`
}

// Proof is a bottom-up sibling path proving one leaf against a root.
type Proof struct {
	Path []branch `codec:"pth,allocbound=64"`
}

// Verify checks that leaf at some position hashes up to root through the
// proof's sibling path.
func (p Proof) Verify(root, leaf crypto.Digest) bool {
	cur := leaf
	for _, b := range p.Path {
		if b.Left {
			cur = hashPair(b.Hash, cur)
		} else {
			cur = hashPair(cur, b.Hash)
		}
	}
	return cur == root
}
