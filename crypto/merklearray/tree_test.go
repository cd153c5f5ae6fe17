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

package merklearray

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/algorand/go-concord/crypto"
)

func leaf(i int) crypto.Digest {
	return crypto.Hash([]byte(fmt.Sprintf("leaf-%d", i)))
}

func TestEmptyTree(t *testing.T) {
	var tree Tree
	require.Equal(t, crypto.Digest{}, tree.Root())
	require.Equal(t, uint64(0), tree.NumLeaves())
}

func TestRootDependsOnEveryLeaf(t *testing.T) {
	var a, b Tree
	for i := 0; i < 7; i++ {
		a.Append(leaf(i))
		b.Append(leaf(i))
	}
	require.Equal(t, a.Root(), b.Root())

	b.TruncateTo(6)
	b.Append(leaf(100))
	require.NotEqual(t, a.Root(), b.Root())
}

func TestRootDiffersByCount(t *testing.T) {
	var tree Tree
	seen := make(map[crypto.Digest]bool)
	for i := 0; i < 33; i++ {
		tree.Append(leaf(i))
		root := tree.Root()
		require.False(t, seen[root], "duplicate root at %d leaves", i+1)
		seen[root] = true
	}
}

func TestTruncateRestoresRoot(t *testing.T) {
	var tree Tree
	var roots []crypto.Digest
	for i := 0; i < 20; i++ {
		tree.Append(leaf(i))
		roots = append(roots, tree.Root())
	}
	for n := 20; n > 0; n-- {
		tree.TruncateTo(uint64(n))
		require.Equal(t, roots[n-1], tree.Root())
	}
}

func TestProofs(t *testing.T) {
	var tree Tree
	for i := 0; i < 13; i++ {
		tree.Append(leaf(i))
	}
	root := tree.Root()
	for i := uint64(0); i < 13; i++ {
		proof, err := tree.Prove(i)
		require.NoError(t, err)
		require.True(t, proof.Verify(root, leaf(int(i))))
		require.False(t, proof.Verify(root, leaf(99)))
	}
	_, err := tree.Prove(13)
	require.ErrorIs(t, err, ErrPosOutOfRange)
}

func TestLayersAndNodes(t *testing.T) {
	var tree Tree
	for i := 0; i < 8; i++ {
		tree.Append(leaf(i))
	}
	require.Equal(t, uint64(4), tree.Height())

	leaves, err := tree.Layer(0)
	require.NoError(t, err)
	require.Len(t, leaves, 8)

	top, err := tree.Layer(3)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, tree.Root(), top[0])

	n, err := tree.Node(1, 2)
	require.NoError(t, err)
	require.Equal(t, hashPair(leaf(4), leaf(5)), n)

	_, err = tree.Node(9, 0)
	require.ErrorIs(t, err, ErrPosOutOfRange)
}

// TestProofsProperty checks proofs for arbitrary tree sizes, including
// sizes that exercise promoted odd nodes.
func TestProofsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 80).Draw(rt, "n")
		var tree Tree
		for i := 0; i < n; i++ {
			tree.Append(leaf(i))
		}
		root := tree.Root()
		pos := rapid.IntRange(0, n-1).Draw(rt, "pos")
		proof, err := tree.Prove(uint64(pos))
		require.NoError(rt, err)
		require.True(rt, proof.Verify(root, leaf(pos)))
	})
}
