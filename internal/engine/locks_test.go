package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(projectLockKey("p1"))
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatalf("two holders inside the same key")
	}
	if n := k.size(); n != 0 {
		t.Fatalf("expected no retained entries, got %d", n)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock(gateLockKey("a"))
	done := make(chan struct{})
	go func() {
		unlock := k.Lock(gateLockKey("b"))
		unlock()
		close(done)
	}()
	<-done
	unlockA()
	if n := k.size(); n != 0 {
		t.Fatalf("expected no retained entries, got %d", n)
	}
}
