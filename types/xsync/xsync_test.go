// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger()
	}()
	select {
	case <-l.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for latch to trigger.")
	}
	l.Wait()
	require.True(t, l.Test())
	l.Trigger() // No-op.
	require.True(t, l.Test())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	require.False(t, l.Test())
	want := errors.New("boom")
	go l.Trigger(want)
	got := l.Wait()
	assert.Equal(t, want, got)

	// Later triggers don't change the value.
	l.Trigger(nil)
	assert.Equal(t, want, l.Wait())
	<-l.WaitChan()
}
