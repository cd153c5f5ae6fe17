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

	"github.com/algorand/go-concord/data/basics"
)

// A Transaction is a short-lived handle reading at a snapshot of the store
// and accumulating a read-set and write-set per map.  Its write version is
// assigned at commit, under the store's version clock.
//
// A Transaction is not safe for concurrent use.
type Transaction struct {
	store       *Store
	readVersion basics.Version
	views       map[string]*TxView
	committable bool
	done        bool
}

// ReadVersion returns the snapshot version the transaction reads at.
func (tx *Transaction) ReadVersion() basics.Version {
	return tx.readVersion
}

// GetView returns the transaction's view over one map, creating it on
// first use.  Returns nil if the map does not exist in the schema.
func (tx *Transaction) GetView(name string) *TxView {
	if view, ok := tx.views[name]; ok {
		return view
	}
	m := tx.store.GetMap(name)
	if m == nil {
		return nil
	}
	view := &TxView{
		tx:     tx,
		m:      m,
		reads:  make(map[string]basics.Version),
		writes: make(map[string]Write),
	}
	tx.views[name] = view
	return view
}

// SetCommittable marks the transaction's entry as a safe commit boundary.
// Transactions writing a history signature are committable implicitly.
func (tx *Transaction) SetCommittable() {
	tx.committable = true
}

// Commit atomically validates the read-set, assigns the next store
// version to the write-set, hands the serialised entry to the replication
// layer, and applies the writes.  A read-only transaction returns
// CommitOK without consuming a version.
func (tx *Transaction) Commit() CommitResult {
	return tx.store.commit(tx)
}

// hasWrites reports whether any view recorded a write.
func (tx *Transaction) hasWrites() bool {
	for _, view := range tx.views {
		if len(view.writes) > 0 {
			return true
		}
	}
	return false
}

// orderedViews returns the transaction's views sorted by map name, so
// that serialisation is deterministic across replicas.
func (tx *Transaction) orderedViews() []*TxView {
	names := make([]string, 0, len(tx.views))
	for name := range tx.views {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*TxView, 0, len(names))
	for _, name := range names {
		out = append(out, tx.views[name])
	}
	return out
}

// A TxView accumulates one map's reads and writes within a transaction.
type TxView struct {
	tx     *Transaction
	m      *Map
	reads  map[string]basics.Version
	writes map[string]Write
}

// Get returns the most recent value with version <= the transaction's
// read version, with the transaction's own writes layered on top.  The
// observed version is recorded in the read-set.
func (view *TxView) Get(key string) ([]byte, bool) {
	if w, ok := view.writes[key]; ok {
		if w.Deleted {
			return nil, false
		}
		return w.Value, true
	}
	value, ver, ok := view.m.get(key, view.tx.readVersion)
	view.reads[key] = ver
	if !ok {
		return nil, false
	}
	return value, true
}

// Put records a write of key to value.
func (view *TxView) Put(key string, value []byte) {
	view.record(Write{Key: key, Value: value})
}

// Remove records a tombstone for key.
func (view *TxView) Remove(key string) {
	view.record(Write{Key: key, Deleted: true})
}

func (view *TxView) record(w Write) {
	view.writes[w.Key] = w
}

// Foreach visits every live key/value at the read version, own writes
// included, in sorted key order.  The callback returns false to stop.
func (view *TxView) Foreach(fn func(key string, value []byte) bool) {
	visited := make(map[string]bool)
	for _, k := range view.m.visibleKeys(view.tx.readVersion) {
		visited[k] = true
	}
	for k := range view.writes {
		visited[k] = true
	}
	keys := make([]string, 0, len(visited))
	for k := range visited {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, ok := view.Get(k)
		if !ok {
			continue
		}
		if !fn(k, value) {
			return
		}
	}
}

// orderedWrites returns the view's writes sorted by key.
func (view *TxView) orderedWrites() []Write {
	keys := make([]string, 0, len(view.writes))
	for k := range view.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Write, 0, len(keys))
	for _, k := range keys {
		out = append(out, view.writes[k])
	}
	return out
}
