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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
)

func makeTestStore(t *testing.T) *Store {
	s := MakeStore(logging.TestingLog(t.Name()))
	s.CreateMap("app.values", Public, true)
	s.CreateMap("app.secrets", Private, true)
	s.CreateMap(SignaturesMapName, Public, true)
	return s
}

func TestCommitAndGet(t *testing.T) {
	s := makeTestStore(t)

	tx := s.NewTransaction()
	view := tx.GetView("app.values")
	require.NotNil(t, view)
	view.Put("k", []byte("v"))
	require.Equal(t, CommitOK, tx.Commit())
	require.Equal(t, basics.Version(1), s.CurrentVersion())

	tx2 := s.NewTransaction()
	got, ok := tx2.GetView("app.values").Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestReadOnlyCommit(t *testing.T) {
	s := makeTestStore(t)

	tx := s.NewTransaction()
	_, ok := tx.GetView("app.values").Get("missing")
	require.False(t, ok)
	require.Equal(t, CommitOK, tx.Commit())
	require.Equal(t, basics.Version(0), s.CurrentVersion())
}

func TestOwnWritesVisible(t *testing.T) {
	s := makeTestStore(t)

	tx := s.NewTransaction()
	view := tx.GetView("app.values")
	view.Put("k", []byte("v1"))
	got, ok := view.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got)

	view.Remove("k")
	_, ok = view.Get("k")
	require.False(t, ok)
}

func TestCommitConflict(t *testing.T) {
	s := makeTestStore(t)

	tx1 := s.NewTransaction()
	tx2 := s.NewTransaction()

	tx1.GetView("app.values").Get("k")
	tx2.GetView("app.values").Put("k", []byte("other"))
	require.Equal(t, CommitOK, tx2.Commit())

	tx1.GetView("app.values").Put("k", []byte("mine"))
	require.Equal(t, CommitConflict, tx1.Commit())

	// A fresh transaction sees the winner and can retry.
	tx3 := s.NewTransaction()
	got, ok := tx3.GetView("app.values").Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("other"), got)
	tx3.GetView("app.values").Put("k", []byte("mine"))
	require.Equal(t, CommitOK, tx3.Commit())
}

type refusingSink struct{}

func (refusingSink) Replicate(v basics.Version, t basics.Term, data []byte, committable bool) bool {
	return false
}

func TestCommitNoReplicate(t *testing.T) {
	s := makeTestStore(t)
	s.SetReplicator(refusingSink{})

	tx := s.NewTransaction()
	tx.GetView("app.values").Put("k", []byte("v"))
	require.Equal(t, CommitNoReplicate, tx.Commit())
	require.Equal(t, basics.Version(0), s.CurrentVersion())
}

func TestRollback(t *testing.T) {
	s := makeTestStore(t)

	for i := 0; i < 5; i++ {
		tx := s.NewTransaction()
		tx.GetView("app.values").Put("k", []byte{byte(i)})
		require.Equal(t, CommitOK, tx.Commit())
	}
	require.Equal(t, basics.Version(5), s.CurrentVersion())

	s.Rollback(3)
	require.Equal(t, basics.Version(3), s.CurrentVersion())
	got, ok := s.NewTransaction().GetView("app.values").Get("k")
	require.True(t, ok)
	require.Equal(t, []byte{2}, got)
}

func TestRollbackNeverCrossesCompaction(t *testing.T) {
	s := makeTestStore(t)

	for i := 0; i < 4; i++ {
		tx := s.NewTransaction()
		tx.GetView("app.values").Put(fmt.Sprintf("k%d", i), []byte("v"))
		require.Equal(t, CommitOK, tx.Commit())
	}
	s.Compact(3)
	s.Rollback(1)
	require.Equal(t, basics.Version(3), s.CurrentVersion())
	require.Equal(t, basics.Version(3), s.CompactedVersion())
}

func TestCompactFiresGlobalHooksInOrder(t *testing.T) {
	s := makeTestStore(t)

	var local, global []basics.Version
	m := s.GetMap("app.values")
	m.SetLocalHook(func(v basics.Version, writes []Write) {
		local = append(local, v)
	})
	m.SetGlobalHook(func(v basics.Version, writes []Write) {
		global = append(global, v)
	})

	for i := 0; i < 3; i++ {
		tx := s.NewTransaction()
		tx.GetView("app.values").Put("k", []byte{byte(i)})
		require.Equal(t, CommitOK, tx.Commit())
	}
	require.Equal(t, []basics.Version{1, 2, 3}, local)
	require.Empty(t, global)

	s.Compact(2)
	require.Equal(t, []basics.Version{1, 2}, global)
	s.Compact(3)
	require.Equal(t, []basics.Version{1, 2, 3}, global)

	// Compaction is idempotent below the compaction point.
	s.Compact(3)
	require.Equal(t, []basics.Version{1, 2, 3}, global)
}

func TestCompactCoalescesChains(t *testing.T) {
	s := makeTestStore(t)

	for i := 0; i < 3; i++ {
		tx := s.NewTransaction()
		tx.GetView("app.values").Put("k", []byte{byte(i)})
		require.Equal(t, CommitOK, tx.Commit())
	}
	require.Equal(t, Dirty, s.GetMap("app.values").State())
	s.Compact(3)
	require.Equal(t, Compacted, s.GetMap("app.values").State())

	got, ok := s.NewTransaction().GetView("app.values").Get("k")
	require.True(t, ok)
	require.Equal(t, []byte{2}, got)
}

func TestDeserialiseReplicatesBitwise(t *testing.T) {
	src := makeTestStore(t)
	dst := makeTestStore(t)

	var replicated [][]byte
	src.SetReplicator(captureSink{entries: &replicated})

	for i := 0; i < 4; i++ {
		tx := src.NewTransaction()
		tx.GetView("app.values").Put(fmt.Sprintf("k%d", i), []byte{byte(i)})
		tx.GetView("app.secrets").Put("s", []byte{byte(i + 100)})
		require.Equal(t, CommitOK, tx.Commit())
	}

	for _, data := range replicated {
		res, _ := dst.Deserialise(data, false)
		require.Equal(t, ApplyPass, res)
	}
	require.Equal(t, src.CurrentVersion(), dst.CurrentVersion())

	for i := 0; i < 4; i++ {
		want, _ := src.NewTransaction().GetView("app.values").Get(fmt.Sprintf("k%d", i))
		got, ok := dst.NewTransaction().GetView("app.values").Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

type captureSink struct {
	entries *[][]byte
}

func (c captureSink) Replicate(v basics.Version, t basics.Term, data []byte, committable bool) bool {
	*c.entries = append(*c.entries, data)
	return true
}

func TestDeserialisePublicOnlySkipsPrivate(t *testing.T) {
	src := makeTestStore(t)
	dst := makeTestStore(t)

	var replicated [][]byte
	src.SetReplicator(captureSink{entries: &replicated})

	tx := src.NewTransaction()
	tx.GetView("app.values").Put("pub", []byte("p"))
	tx.GetView("app.secrets").Put("sec", []byte("s"))
	require.Equal(t, CommitOK, tx.Commit())

	res, v := dst.Deserialise(replicated[0], true)
	require.Equal(t, ApplyPass, res)
	require.Equal(t, basics.Version(1), v)

	_, ok := dst.NewTransaction().GetView("app.values").Get("pub")
	require.True(t, ok)
	_, ok = dst.NewTransaction().GetView("app.secrets").Get("sec")
	require.False(t, ok)
}

func TestDeserialiseRejectsGarbage(t *testing.T) {
	s := makeTestStore(t)
	res, _ := s.Deserialise([]byte("not an entry"), false)
	require.Equal(t, ApplyFailed, res)
	require.Equal(t, basics.Version(0), s.CurrentVersion())
}

func TestDeserialiseRejectsVersionGap(t *testing.T) {
	src := makeTestStore(t)
	dst := makeTestStore(t)

	var replicated [][]byte
	src.SetReplicator(captureSink{entries: &replicated})
	for i := 0; i < 2; i++ {
		tx := src.NewTransaction()
		tx.GetView("app.values").Put("k", []byte{byte(i)})
		require.Equal(t, CommitOK, tx.Commit())
	}

	// Applying entry 2 before entry 1 must fail without side effects.
	res, _ := dst.Deserialise(replicated[1], false)
	require.Equal(t, ApplyFailed, res)
	require.Equal(t, basics.Version(0), dst.CurrentVersion())
}

func TestSignatureEntryClassified(t *testing.T) {
	s := makeTestStore(t)
	dst := makeTestStore(t)

	var replicated [][]byte
	s.SetReplicator(captureSink{entries: &replicated})

	tx := s.NewTransaction()
	tx.GetView(SignaturesMapName).Put("sig", []byte("signature record"))
	require.Equal(t, CommitOK, tx.Commit())

	res, _ := dst.Deserialise(replicated[0], false)
	require.Equal(t, ApplyPassSignature, res)
}
