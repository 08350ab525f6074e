package batch

import (
	"sync"
	"testing"
	"time"
)

// collector records flushes for assertions.
type collector struct {
	mu      sync.Mutex
	flushes [][]Photo
	users   []int64
	done    chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{}, 16)}
}

func (c *collector) flush(userID int64, photos []Photo) {
	c.mu.Lock()
	c.flushes = append(c.flushes, photos)
	c.users = append(c.users, userID)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) [][]Photo {
	t.Helper()
	for range n {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for flush %d", n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Photo, len(c.flushes))
	copy(out, c.flushes)
	return out
}

func TestBurstFlushesOnce(t *testing.T) {
	c := newCollector()
	a := New(50*time.Millisecond, 100, c.flush)

	t1 := a.Submit(1, []byte("a"))
	t2 := a.Submit(1, []byte("b"))
	t3 := a.Submit(1, []byte("c"))

	if t1 == "" || t1 == t2 || t2 == t3 {
		t.Error("expected distinct non-empty tokens")
	}

	flushes := c.wait(t, 1)
	if len(flushes) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(flushes))
	}
	got := flushes[0]
	if len(got) != 3 {
		t.Fatalf("flush size = %d, want 3", len(got))
	}
	// Submission order preserved.
	want := []string{"a", "b", "c"}
	for i, p := range got {
		if string(p.Data) != want[i] {
			t.Errorf("photo %d = %q, want %q", i, p.Data, want[i])
		}
	}
}

func TestGapYieldsSeparateFlushes(t *testing.T) {
	c := newCollector()
	a := New(40*time.Millisecond, 100, c.flush)

	a.Submit(1, []byte("first"))
	c.wait(t, 1)

	a.Submit(1, []byte("second"))
	flushes := c.wait(t, 1)

	if len(flushes) != 2 {
		t.Fatalf("expected two flushes, got %d", len(flushes))
	}
	if len(flushes[0]) != 1 || len(flushes[1]) != 1 {
		t.Errorf("flush sizes = %d, %d; want 1, 1", len(flushes[0]), len(flushes[1]))
	}
}

func TestMaxSizeForcesFlush(t *testing.T) {
	c := newCollector()
	a := New(time.Hour, 3, c.flush) // timer never fires in this test

	a.Submit(1, []byte("a"))
	a.Submit(1, []byte("b"))
	a.Submit(1, []byte("c"))

	flushes := c.wait(t, 1)
	if len(flushes) != 1 || len(flushes[0]) != 3 {
		t.Fatalf("expected one flush of 3, got %v", flushes)
	}
	if a.Pending(1) != 0 {
		t.Errorf("window not reset after forced flush, %d pending", a.Pending(1))
	}
}

func TestSubmitDuringFlushStartsNewWindow(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := newCollector()

	var a *Accumulator
	slowFlush := func(userID int64, photos []Photo) {
		if string(photos[0].Data) == "slow" {
			close(started)
			<-release
		}
		c.flush(userID, photos)
	}
	a = New(30*time.Millisecond, 100, slowFlush)

	a.Submit(1, []byte("slow"))
	<-started

	// The first flush is still running; this submit must open a new window.
	a.Submit(1, []byte("late"))
	if a.Pending(1) != 1 {
		t.Errorf("expected new window with 1 photo, got %d", a.Pending(1))
	}
	close(release)

	flushes := c.wait(t, 2)
	if len(flushes) != 2 {
		t.Fatalf("expected two flushes, got %d", len(flushes))
	}
	for _, f := range flushes {
		if len(f) != 1 {
			t.Errorf("batches merged across flush boundary: %v", f)
		}
	}
}

func TestUsersAreIndependent(t *testing.T) {
	c := newCollector()
	a := New(40*time.Millisecond, 100, c.flush)

	a.Submit(1, []byte("u1"))
	a.Submit(2, []byte("u2"))

	c.wait(t, 2)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.users) != 2 || c.users[0] == c.users[1] {
		t.Errorf("expected one flush per user, got users %v", c.users)
	}
}

func TestCancelDiscardsWindow(t *testing.T) {
	c := newCollector()
	a := New(30*time.Millisecond, 100, c.flush)

	a.Submit(1, []byte("a"))
	a.Submit(1, []byte("b"))

	if n := a.Cancel(1); n != 2 {
		t.Errorf("Cancel = %d, want 2", n)
	}

	// Give a stale timer a chance to misfire.
	time.Sleep(80 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.flushes) != 0 {
		t.Errorf("cancelled window flushed anyway: %v", c.flushes)
	}
}

func TestCancelWithoutWindow(t *testing.T) {
	a := New(time.Second, 10, func(int64, []Photo) {})
	if n := a.Cancel(42); n != 0 {
		t.Errorf("Cancel on missing window = %d, want 0", n)
	}
}
