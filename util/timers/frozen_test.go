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

package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func expired(ch <-chan time.Time) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestFrozenClockFiresOnAdvance(t *testing.T) {
	clock := MakeFrozenClock()
	ch := clock.TimeoutAt(100 * time.Millisecond)
	require.False(t, expired(ch))

	clock.Advance(50 * time.Millisecond)
	require.False(t, expired(ch))

	clock.Advance(60 * time.Millisecond)
	require.True(t, expired(ch))
	require.Equal(t, 110*time.Millisecond, clock.Since())
}

func TestFrozenClockPastDeadline(t *testing.T) {
	clock := MakeFrozenClock()
	clock.Advance(time.Second)
	ch := clock.TimeoutAt(100 * time.Millisecond)
	require.True(t, expired(ch))
}

func TestMonotonicClockExpiry(t *testing.T) {
	clock := MakeMonotonicClock(time.Now().Add(-time.Hour))
	ch := clock.TimeoutAt(time.Minute)
	select {
	case <-ch:
	default:
		t.Fatal("expired deadline must yield a closed channel")
	}
}
