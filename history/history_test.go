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

package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/kv"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
)

func testSecrets(b byte) *crypto.SignatureSecrets {
	var seed crypto.Seed
	seed[0] = b
	return crypto.GenerateSignatureSecrets(seed)
}

func makeReplica(t *testing.T, id basics.NodeID, secrets *crypto.SignatureSecrets) (*kv.Store, *History) {
	log := logging.TestingLog(t.Name())
	store := kv.MakeStore(log)
	store.CreateMap("app.values", kv.Public, true)
	store.CreateMap(kv.SignaturesMapName, kv.Public, true)
	store.CreateMap(kv.NodesMapName, kv.Public, true)
	h := MakeHistory(store, id, secrets, log)
	store.SetHistory(h)
	return store, h
}

func registerNode(t *testing.T, store *kv.Store, id basics.NodeID, pk crypto.SignatureVerifier) {
	info := basics.NodeInfo{ID: id, SignPK: pk}
	tx := store.NewTransaction()
	tx.GetView(kv.NodesMapName).Put(basics.NodeKey(id), protocol.Encode(&info))
	require.Equal(t, kv.CommitOK, tx.Commit())
}

func put(t *testing.T, store *kv.Store, key, value string) {
	tx := store.NewTransaction()
	tx.GetView("app.values").Put(key, []byte(value))
	require.Equal(t, kv.CommitOK, tx.Commit())
}

func TestRootsMatchAcrossReplicas(t *testing.T) {
	secrets := testSecrets(1)
	src, hs := makeReplica(t, 1, secrets)
	dst, hd := makeReplica(t, 2, testSecrets(2))

	var entries [][]byte
	src.SetReplicator(sinkFunc(func(data []byte) bool {
		entries = append(entries, data)
		return true
	}))

	put(t, src, "a", "1")
	put(t, src, "b", "2")
	put(t, src, "c", "3")
	require.NotEqual(t, crypto.Digest{}, hs.ReplicatedStateRoot())

	for _, data := range entries {
		res, _ := dst.Deserialise(data, false)
		require.NotEqual(t, kv.ApplyFailed, res)
	}
	require.Equal(t, hs.ReplicatedStateRoot(), hd.ReplicatedStateRoot())
	require.Equal(t, hs.Version(), hd.Version())
}

func TestRootChangesWithEveryEntry(t *testing.T) {
	src, h := makeReplica(t, 1, testSecrets(1))

	seen := map[crypto.Digest]bool{h.ReplicatedStateRoot(): true}
	for i := 0; i < 5; i++ {
		put(t, src, "k", string(rune('a'+i)))
		root := h.ReplicatedStateRoot()
		require.False(t, seen[root])
		seen[root] = true
	}
}

func TestEmitAndVerifySignature(t *testing.T) {
	secrets := testSecrets(7)
	store, h := makeReplica(t, 7, secrets)
	registerNode(t, store, 7, secrets.SignatureVerifier)
	put(t, store, "k", "v")

	require.Equal(t, kv.CommitOK, h.EmitSignature())

	record, err := h.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, basics.NodeID(7), record.Signer)
	require.Equal(t, basics.Version(2), record.Version)

	wrongTerm := basics.Term(9)
	_, err = h.Verify(&wrongTerm)
	require.ErrorIs(t, err, ErrWrongTerm)
}

func TestVerifyRejectsUnknownSigner(t *testing.T) {
	secrets := testSecrets(3)
	store, h := makeReplica(t, 3, secrets)
	put(t, store, "k", "v")
	require.Equal(t, kv.CommitOK, h.EmitSignature())

	_, err := h.Verify(nil)
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestVerifyRejectsForgedRecord(t *testing.T) {
	secrets := testSecrets(4)
	other := testSecrets(5)
	store, h := makeReplica(t, 4, secrets)
	registerNode(t, store, 4, secrets.SignatureVerifier)
	put(t, store, "k", "v")

	// A record signed by a key other than the registered one.
	forged := SignatureRecord{
		Term:      0,
		Version:   store.CurrentVersion(),
		Root:      h.ReplicatedStateRoot(),
		Signer:    4,
		Signature: other.Sign(rootClaim{Version: store.CurrentVersion(), Root: h.ReplicatedStateRoot()}),
	}
	tx := store.NewTransaction()
	tx.GetView(kv.SignaturesMapName).Put(SignatureKey, protocol.Encode(&forged))
	require.Equal(t, kv.CommitOK, tx.Commit())

	_, err := h.Verify(nil)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSignatureCommitsToHistoryPrefix(t *testing.T) {
	secrets := testSecrets(6)
	store, h := makeReplica(t, 6, secrets)
	registerNode(t, store, 6, secrets.SignatureVerifier)

	put(t, store, "k1", "v1")
	rootAt2 := h.ReplicatedStateRoot()
	require.Equal(t, kv.CommitOK, h.EmitSignature())

	record, err := h.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, rootAt2, record.Root)

	// Later writes do not disturb the recorded signature.
	put(t, store, "k2", "v2")
	record2, err := h.Verify(nil)
	require.NoError(t, err)
	require.Equal(t, record.Root, record2.Root)
}

func TestRollbackRestoresRoot(t *testing.T) {
	store, h := makeReplica(t, 1, testSecrets(1))

	put(t, store, "a", "1")
	rootAt1 := h.ReplicatedStateRoot()
	put(t, store, "b", "2")
	put(t, store, "c", "3")

	store.Rollback(1)
	h.Rollback(1)
	require.Equal(t, rootAt1, h.ReplicatedStateRoot())
	require.Equal(t, basics.Version(1), h.Version())

	// Re-applying the same entry sequence reproduces the same root.
	put(t, store, "b", "2")
	put(t, store, "c", "3")
	require.Equal(t, basics.Version(3), h.Version())
}

type sinkFunc func(data []byte) bool

func (f sinkFunc) Replicate(v basics.Version, t basics.Term, data []byte, committable bool) bool {
	return f(data)
}
