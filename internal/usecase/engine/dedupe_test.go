package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenCacheCheckAndMark(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newSeenCache(time.Minute, 10, clock.Now)

	assert.False(t, c.CheckAndMark("a"))
	assert.True(t, c.CheckAndMark("a"))

	clock.Advance(time.Minute)
	assert.False(t, c.CheckAndMark("a"), "expired keys count as new")
	assert.True(t, c.CheckAndMark("a"))
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newSeenCache(time.Hour, 2, clock.Now)

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.CheckAndMark("a"), "oldest key was evicted")
	assert.True(t, c.CheckAndMark("c"))
}

func TestSeenCacheSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newSeenCache(time.Minute, 10, clock.Now)

	c.CheckAndMark("old")
	clock.Advance(45 * time.Second)
	c.CheckAndMark("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("new"))
}

func TestSeenCacheConcurrent(t *testing.T) {
	c := newSeenCache(time.Minute, 1000, time.Now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				if !c.CheckAndMark(fmt.Sprintf("k%d", j)) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, fresh, "each key is new exactly once")
}
