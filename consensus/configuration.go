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

package consensus

import (
	"sort"

	"github.com/algorand/go-concord/data/basics"
)

// A Configuration is the set of node identities eligible to vote and to
// be counted toward quorum from a given log index on.
type Configuration struct {
	Idx   basics.Version  `codec:"i"`
	Nodes []basics.NodeID `codec:"n,allocbound=-"`
}

// Contains reports whether id belongs to the configuration.
func (c Configuration) Contains(id basics.NodeID) bool {
	for _, n := range c.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// Quorum returns the simple-majority size of the configuration.
func (c Configuration) Quorum() int {
	return len(c.Nodes)/2 + 1
}

// Configurations tracks the active configuration list, oldest first.
// During a joint reconfiguration more than one configuration is active
// and every quorum decision must hold in each.
type Configurations struct {
	list []Configuration
}

// Add enqueues a configuration effective from idx.  Configurations
// arrive in index order.
func (cs *Configurations) Add(idx basics.Version, nodes []basics.NodeID) {
	sorted := append([]basics.NodeID(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	cs.list = append(cs.list, Configuration{Idx: idx, Nodes: sorted})
}

// Active returns every configuration currently counted toward quorum.
func (cs *Configurations) Active() []Configuration {
	return cs.list
}

// Latest returns the newest configuration, or an empty one.
func (cs *Configurations) Latest() Configuration {
	if len(cs.list) == 0 {
		return Configuration{}
	}
	return cs.list[len(cs.list)-1]
}

// AllNodes returns the union of every active configuration's members.
func (cs *Configurations) AllNodes() []basics.NodeID {
	seen := make(map[basics.NodeID]bool)
	var out []basics.NodeID
	for _, c := range cs.list {
		for _, n := range c.Nodes {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Advance drops every configuration made obsolete by the commit index
// crossing a newer configuration's start.  It returns true when the
// active set changed.
func (cs *Configurations) Advance(commitIdx basics.Version) bool {
	changed := false
	for len(cs.list) >= 2 && cs.list[1].Idx <= commitIdx {
		cs.list = cs.list[1:]
		changed = true
	}
	return changed
}

// Rollback discards configurations effective above idx.
func (cs *Configurations) Rollback(idx basics.Version) {
	for len(cs.list) >= 2 && cs.list[len(cs.list)-1].Idx > idx {
		cs.list = cs.list[:len(cs.list)-1]
	}
}
