// ABOUTME: Tests for the dedupe cache
// ABOUTME: Covers TTL expiry, size eviction, atomic seen-or-mark, concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SeenOrMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.SeenOrMark("msg-1"), "first sighting should not be a duplicate")
	assert.True(t, c.SeenOrMark("msg-1"), "second sighting should be a duplicate")
	assert.True(t, c.Seen("msg-1"))
	assert.False(t, c.Seen("msg-2"))
}

func TestCache_MarkRecordsWithoutChecking(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("ref-1"))
	c.Mark("ref-1")
	assert.True(t, c.Seen("ref-1"))

	// Re-marking refreshes, not duplicates
	c.Mark("ref-1")
	assert.True(t, c.Seen("ref-1"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.SeenOrMark("msg-1"))
	time.Sleep(40 * time.Millisecond)

	assert.False(t, c.Seen("msg-1"), "expired keys are forgotten")
	assert.False(t, c.SeenOrMark("msg-1"), "expired keys can be marked again")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.SeenOrMark("a")
	c.SeenOrMark("b")
	c.SeenOrMark("c")
	c.SeenOrMark("d") // evicts "a"

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.True(t, c.Seen("d"))
}

func TestCache_RemarkMovesToBack(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.SeenOrMark("a")
	c.SeenOrMark("b")
	c.SeenOrMark("c")
	c.SeenOrMark("a") // refresh "a"; "b" is now oldest
	c.SeenOrMark("d") // evicts "b"

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestCache_ConcurrentMarking(t *testing.T) {
	c := New(time.Minute, 10_000)
	defer c.Close()

	const workers = 8
	const keys = 200

	duplicates := make([]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				if c.SeenOrMark(fmt.Sprintf("key-%d", k)) {
					duplicates[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	// Exactly one worker wins each key; everyone else sees a duplicate.
	total := 0
	for _, d := range duplicates {
		total += d
	}
	assert.Equal(t, (workers-1)*keys, total)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
