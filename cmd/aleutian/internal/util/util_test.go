// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandError(t *testing.T) {
	cause := errors.New("exit status 2")

	tests := []struct {
		name string
		err  *CommandError
		want string
	}{
		{"with output", NewCommandError("make test", 2, "  FAIL pool_test.go\n", cause), "make test (exit 2): FAIL pool_test.go"},
		{"wrapped only", NewCommandError("make test", 2, "", cause), "make test (exit 2): exit status 2"},
		{"bare", NewCommandError("make test", -1, "", nil), "make test (exit -1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}

	wrapped := fmt.Errorf("bisect step: %w", NewCommandError("make test", 2, "", cause))
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, 2, ExitCode(wrapped))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("boom")))

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	err := exec.Command("sh", "-c", "exit 125").Run()
	require.Error(t, err)
	assert.Equal(t, 125, ExitCode(err))
}

func TestRingBuffer(t *testing.T) {
	buf := NewRingBuffer[int](3)
	assert.Empty(t, buf.ToSlice())

	for i := 1; i <= 3; i++ {
		buf.Push(i)
	}
	assert.Equal(t, []int{1, 2, 3}, buf.ToSlice())
	assert.Zero(t, buf.Dropped())

	buf.Push(4)
	buf.Push(5)
	assert.Equal(t, []int{3, 4, 5}, buf.ToSlice())
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, int64(5), buf.Total())
	assert.Equal(t, int64(2), buf.Dropped())

	for i := 6; i <= 10; i++ {
		buf.Push(i)
	}
	assert.Equal(t, []int{8, 9, 10}, buf.ToSlice())
}

func TestRingBuffer_Concurrent(t *testing.T) {
	buf := NewRingBuffer[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Push(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, buf.Len())
	assert.Equal(t, int64(750), buf.Dropped())
}

func TestNewRingBuffer_MinimumCapacity(t *testing.T) {
	buf := NewRingBuffer[string](0)
	buf.Push("a")
	buf.Push("b")
	assert.Equal(t, []string{"b"}, buf.ToSlice())
}

func TestGo_RecoversPanic(t *testing.T) {
	got := make(chan Panic, 1)
	Go(func() { panic("boom") }, func(p Panic) { got <- p })

	select {
	case r := <-got:
		assert.Equal(t, "boom", r.Value)
		assert.Contains(t, r.Stack, "goroutine")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestRecover_NilHandler(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover(nil)()
		panic("ignored")
	})
}

func TestTimeouts(t *testing.T) {
	assert.Equal(t, 5*time.Second, OrDefault(0, 5*time.Second))
	assert.Equal(t, 5*time.Second, OrDefault(-time.Second, 5*time.Second))
	assert.Equal(t, time.Second, OrDefault(time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, AtLeast(time.Second, 5*time.Second))
	assert.Equal(t, time.Minute, AtLeast(time.Minute, 5*time.Second))
}
