package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCacheContainsDoesNotTouchRecency(t *testing.T) {
	c := NewCache(2)
	c.Insert("a")
	c.Insert("b")
	if !c.Contains("a") {
		t.Fatal("Contains(a) = false")
	}
	c.Insert("c") // evicts a: Contains must not have refreshed it
	if c.Contains("a") {
		t.Fatal("a survived eviction after a peek")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Fatal("b or c missing")
	}
}

func TestCacheInsertUpdatesRecency(t *testing.T) {
	c := NewCache(2)
	c.Insert("a")
	c.Insert("b")
	c.Insert("a")
	c.Insert("c") // evicts b
	if !c.Contains("a") || c.Contains("b") {
		t.Fatalf("a=%v b=%v, want a kept and b evicted", c.Contains("a"), c.Contains("b"))
	}
}

func TestCacheInsertVisibleImmediately(t *testing.T) {
	c := NewCache(DefaultCapacity)
	c.Insert("mention:x")
	if !c.Contains("mention:x") {
		t.Fatal("Contains after Insert = false")
	}
}

func TestCacheClaimIsExclusive(t *testing.T) {
	c := NewCache(DefaultCapacity)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("mention:abc") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("claims won = %d, want 1", got)
	}
}

func TestCacheWarmAndClear(t *testing.T) {
	c := NewCache(2)
	// newest first, as returned by the ledger
	c.Warm([]string{"new", "mid", "old"})
	if c.Len() != 2 || !c.Contains("new") || !c.Contains("mid") || c.Contains("old") {
		t.Fatalf("warm kept wrong keys (len=%d)", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d", c.Len())
	}
}

func TestWindow(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 3; i++ {
		if w.Seen(fmt.Sprint(i)) {
			t.Fatalf("Seen(%d) = true on first sight", i)
		}
	}
	if !w.Seen("1") {
		t.Fatal("Seen(1) = false on repeat")
	}
	w.Seen("3") // pushes out 0
	if w.Seen("0") {
		t.Fatal("0 still tracked after rolling out")
	}
	if w.Seen("") || w.Seen("") {
		t.Fatal("empty id tracked")
	}
	w.Reset()
	if w.Seen("3") {
		t.Fatal("3 tracked after Reset")
	}
}
