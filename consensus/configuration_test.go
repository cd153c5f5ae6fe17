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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/data/basics"
)

func TestConfigurationQuorum(t *testing.T) {
	c := Configuration{Nodes: []basics.NodeID{1, 2, 3}}
	require.Equal(t, 2, c.Quorum())
	require.True(t, c.Contains(2))
	require.False(t, c.Contains(9))

	c5 := Configuration{Nodes: []basics.NodeID{1, 2, 3, 4, 5}}
	require.Equal(t, 3, c5.Quorum())
}

func TestJointConfigurationAdvance(t *testing.T) {
	var cs Configurations
	cs.Add(0, []basics.NodeID{1, 2, 3})
	cs.Add(10, []basics.NodeID{2, 3, 4})

	require.Len(t, cs.Active(), 2)
	require.ElementsMatch(t, []basics.NodeID{1, 2, 3, 4}, cs.AllNodes())

	// Commit below the new configuration's start changes nothing.
	require.False(t, cs.Advance(9))
	require.Len(t, cs.Active(), 2)

	// Crossing it drops the old configuration.
	require.True(t, cs.Advance(10))
	require.Len(t, cs.Active(), 1)
	require.Equal(t, []basics.NodeID{2, 3, 4}, cs.Latest().Nodes)
}

func TestConfigurationRollback(t *testing.T) {
	var cs Configurations
	cs.Add(0, []basics.NodeID{1, 2, 3})
	cs.Add(10, []basics.NodeID{2, 3, 4})

	cs.Rollback(5)
	require.Len(t, cs.Active(), 1)
	require.Equal(t, []basics.NodeID{1, 2, 3}, cs.Latest().Nodes)

	// The surviving base configuration never rolls away.
	cs.Rollback(0)
	require.Len(t, cs.Active(), 1)
}
