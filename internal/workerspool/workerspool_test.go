// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/replicafeed/types/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	wantTasks := 5
	pool.SetMaxParallelism(wantTasks)

	var count atomic.Int32
	allStarted := xsync.NewLatch()
	doneTest := xsync.NewLatch()
	finished := make(chan struct{}, wantTasks)
	go func() {
		for ii := 0; ii < wantTasks; ii++ {
			pool.WaitToStart(func() {
				if int(count.Add(1)) == wantTasks {
					allStarted.Trigger()
				}
				allStarted.Wait()
				finished <- struct{}{}
			})
		}
		doneTest.Trigger()
	}()

	select {
	case <-doneTest.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout before all tasks were started.")
	}
	for ii := 0; ii < wantTasks; ii++ {
		<-finished
	}
	assert.Equal(t, int32(wantTasks), count.Load())
}

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		results := make([]int, 100)
		err := pool.ForEach(len(results), func(i int) error {
			runtime.Gosched()
			results[i] = i * i
			return nil
		})
		require.NoError(t, err)
		for i, v := range results {
			require.Equalf(t, i*i, v, "parallelism=%d, index %d", parallelism, i)
		}
	}
}

func TestPool_ForEachErrors(t *testing.T) {
	pool := NewWithParallelism(2)
	var visited atomic.Int32
	err := pool.ForEach(10, func(i int) error {
		visited.Add(1)
		if i == 7 || i == 3 {
			return errors.Errorf("failed at %d", i)
		}
		if i == 5 {
			panic("panicking at 5")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed at 3")
	assert.Equal(t, int32(10), visited.Load())
}
