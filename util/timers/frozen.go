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
	"time"
)

// Frozen is a frozen clock that only fires when explicitly advanced past a
// deadline.  It is used by tests to drive periodic processing
// deterministically.
type Frozen struct {
	elapsed  time.Duration
	timeouts map[time.Duration]chan time.Time
}

// MakeFrozenClock creates a new frozen clock.
func MakeFrozenClock() *Frozen {
	return &Frozen{
		timeouts: make(map[time.Duration]chan time.Time),
	}
}

// Zero returns a fresh frozen clock.
func (f *Frozen) Zero() Clock {
	return MakeFrozenClock()
}

// TimeoutAt returns a channel that fires once Advance moves the clock past
// delta.
func (f *Frozen) TimeoutAt(delta time.Duration) <-chan time.Time {
	ch, ok := f.timeouts[delta]
	if !ok {
		ch = make(chan time.Time, 1)
		f.timeouts[delta] = ch
		if f.elapsed >= delta {
			close(ch)
		}
	}
	return ch
}

// Since returns the simulated elapsed time.
func (f *Frozen) Since() time.Duration {
	return f.elapsed
}

// Advance moves the simulated clock forward, firing any newly expired
// timeout channels.
func (f *Frozen) Advance(delta time.Duration) {
	prev := f.elapsed
	f.elapsed += delta
	for d, ch := range f.timeouts {
		if d > prev && d <= f.elapsed {
			select {
			case ch <- time.Time{}:
			default:
			}
		}
	}
}
