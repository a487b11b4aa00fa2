// ABOUTME: Tests for the fake clock and the nil fallback
// ABOUTME: Fake is shared by goroutines in other packages' tests, so it is exercised concurrently here

package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), f.Now())

	f.Set(start)
	assert.Equal(t, start, f.Now())
}

func TestFake_ConcurrentAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() { f.Advance(time.Millisecond) })
	}
	wg.Wait()

	assert.Equal(t, time.Unix(0, 0).Add(50*time.Millisecond), f.Now())
}

func TestOrSystem(t *testing.T) {
	assert.IsType(t, System{}, OrSystem(nil))

	f := NewFake(time.Unix(0, 0))
	assert.Same(t, f, OrSystem(f))
}
