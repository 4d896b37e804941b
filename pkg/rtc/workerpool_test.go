// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

func TestWorkerPortRange(t *testing.T) {
	t.Run("ranges are consecutive and do not overlap", func(t *testing.T) {
		var prevMax uint16 = 39999
		for i := 0; i < 4; i++ {
			lo, hi := WorkerPortRange(40000, 40999, 4, i)
			require.Equal(t, prevMax+1, lo)
			require.Less(t, lo, hi)
			prevMax = hi
		}
		require.Equal(t, uint16(40999), prevMax)
	})

	t.Run("unset range is passed through", func(t *testing.T) {
		lo, hi := WorkerPortRange(0, 0, 4, 2)
		require.Zero(t, lo)
		require.Zero(t, hi)
	})
}

func TestSelectWorker(t *testing.T) {
	t.Run("round robin visits every worker once in index order", func(t *testing.T) {
		pool, _ := newTestPool(t, 3)

		for round := 0; round < 2; round++ {
			for i := 0; i < 3; i++ {
				w, err := pool.SelectWorker(context.Background())
				require.NoError(t, err)
				require.Equal(t, i, w.Settings().Index)
			}
		}
	})

	t.Run("no workers", func(t *testing.T) {
		pool, _ := newTestPool(t, 1)
		pool.Close()

		_, err := pool.SelectWorker(context.Background())
		require.ErrorIs(t, err, ErrNoWorkersAvailable)
	})
}

func TestGetOrCreateRouter(t *testing.T) {
	t.Run("one router under concurrent first joiners", func(t *testing.T) {
		pool, engine := newTestPool(t, 2)

		const callers = 20
		results := make([]*RouterInfo, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = pool.GetOrCreateRouter(context.Background(), "room-1")
			}(i)
		}
		wg.Wait()

		require.EqualValues(t, 1, engine.RoutersCreated.Load())
		for i, info := range results {
			require.NoError(t, errs[i])
			require.Equal(t, results[0].Router.ID(), info.Router.ID())
		}
	})

	t.Run("cancelled caller does not fail the shared creation", func(t *testing.T) {
		pool, engine := newTestPool(t, 1)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			ctx := context.Background()
			if i == 0 {
				ctx = cancelled
			}
			wg.Add(1)
			go func(i int, ctx context.Context) {
				defer wg.Done()
				_, errs[i] = pool.GetOrCreateRouter(ctx, "room-1")
			}(i, ctx)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		require.EqualValues(t, 1, engine.RoutersCreated.Load())
	})

	t.Run("rooms get their own routers", func(t *testing.T) {
		pool, _ := newTestPool(t, 2)

		a, err := pool.GetOrCreateRouter(context.Background(), "room-a")
		require.NoError(t, err)
		b, err := pool.GetOrCreateRouter(context.Background(), "room-b")
		require.NoError(t, err)
		require.NotEqual(t, a.Router.ID(), b.Router.ID())
		require.NotEqual(t, a.WorkerPID, b.WorkerPID)
		require.Len(t, pool.Routers(), 2)
	})

	t.Run("allocation failure", func(t *testing.T) {
		pool, engine := newTestPool(t, 1)
		engine.FailRouters.Store(true)

		_, err := pool.GetOrCreateRouter(context.Background(), "room-1")
		require.ErrorIs(t, err, ErrRouterCreationFailed)

		engine.FailRouters.Store(false)
		_, err = pool.GetOrCreateRouter(context.Background(), "room-1")
		require.NoError(t, err)
	})

	t.Run("closed router is recreated", func(t *testing.T) {
		pool, engine := newTestPool(t, 1)

		_, err := pool.GetOrCreateRouter(context.Background(), "room-1")
		require.NoError(t, err)
		pool.CloseRouter("room-1")
		require.Nil(t, pool.Router("room-1"))

		_, err = pool.GetOrCreateRouter(context.Background(), "room-1")
		require.NoError(t, err)
		require.EqualValues(t, 2, engine.RoutersCreated.Load())
	})
}

func TestWorkerDeath(t *testing.T) {
	pool, engine := newTestPool(t, 2)

	first, err := pool.GetOrCreateRouter(context.Background(), "room-1")
	require.NoError(t, err)
	second, err := pool.GetOrCreateRouter(context.Background(), "room-2")
	require.NoError(t, err)

	type death struct {
		pid   int
		rooms []string
	}
	deaths := make(chan death, 2)
	pool.OnWorkerDied(func(pid int, lostRooms []string) {
		deaths <- death{pid: pid, rooms: lostRooms}
	})

	dead := engine.Workers()[0]
	require.Equal(t, first.WorkerPID, dead.PID())
	deadSettings := dead.Settings()
	dead.Kill(errors.New("segfault"))

	d := <-deaths
	require.Equal(t, dead.PID(), d.pid)
	require.Equal(t, []string{"room-1"}, d.rooms)

	testutils.WithTimeout(t, func() string {
		for _, w := range pool.Workers() {
			if w.Settings().Index == deadSettings.Index && w.PID() != dead.PID() {
				return ""
			}
		}
		return "worker not replaced"
	})

	require.Nil(t, pool.Router("room-1"))
	require.NotNil(t, pool.Router("room-2"))
	require.Equal(t, second.Router, pool.Router("room-2").Router)

	var replacement types.Worker
	for _, w := range pool.Workers() {
		if w.Settings().Index == deadSettings.Index {
			replacement = w
		}
	}
	require.Equal(t, deadSettings, replacement.Settings())

	// the replacement reports its own death to the same handlers
	engine.Workers()[len(engine.Workers())-1].Kill(errors.New("again"))
	d = <-deaths
	require.Equal(t, replacement.PID(), d.pid)
}
