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

package execpool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolExecutes(t *testing.T) {
	p := MakePool(nil)
	defer p.Shutdown()

	out := make(chan interface{}, 1)
	err := p.Enqueue(context.Background(), func(arg interface{}) interface{} {
		return arg.(int) * 2
	}, 21, LowPriority, out)
	require.NoError(t, err)
	require.Equal(t, 42, <-out)
}

func TestBacklogDrains(t *testing.T) {
	bl := MakeBacklog(nil, 32, HighPriority, nil)
	defer bl.Shutdown()

	var ran atomic.Int64
	done := make(chan interface{}, 100)
	for i := 0; i < 100; i++ {
		err := bl.EnqueueBacklog(context.Background(), func(arg interface{}) interface{} {
			ran.Add(1)
			return nil
		}, nil, done)
		require.NoError(t, err)
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	require.Equal(t, int64(100), ran.Load())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	bl := MakeBacklog(nil, 4, LowPriority, nil)
	bl.Shutdown()
	err := bl.EnqueueBacklog(context.Background(), func(arg interface{}) interface{} { return nil }, nil, nil)
	require.Error(t, err)
}
