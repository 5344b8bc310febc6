// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopedCancelInvokesOnce(t *testing.T) {
	count := 0
	s := newScopedCancel(func() { count++ })

	s.cancel()
	s.cancel()
	s.cancel()

	assert.Equal(t, 1, count)
}

func TestScopedCancelConcurrent(t *testing.T) {
	count := 0
	s := newScopedCancel(func() { count++ })

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cancel()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, count)
}

func TestScopedCancelNilFunc(t *testing.T) {
	s := newScopedCancel(nil)
	assert.NotPanics(t, func() { s.cancel() })
}
