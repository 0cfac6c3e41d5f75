package workerpool

import (
	"context"
	"sync"
	"time"
)

// CrashCounter counts crashes per slot within a rolling window that starts
// at the first crash. The Redis-backed store.CrashCounter shares the count
// across processes.
type CrashCounter interface {
	Incr(ctx context.Context, slotID int, window time.Duration) (int, error)
	Reset(ctx context.Context, slotID int) error
}

type memoryWindow struct {
	count   int
	expires time.Time
}

// MemoryCrashCounter is the in-process CrashCounter
type MemoryCrashCounter struct {
	mu      sync.Mutex
	windows map[int]*memoryWindow
	now     func() time.Time
}

func NewMemoryCrashCounter() *MemoryCrashCounter {
	return &MemoryCrashCounter{windows: make(map[int]*memoryWindow), now: time.Now}
}

func (c *MemoryCrashCounter) Incr(_ context.Context, slotID int, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.windows[slotID]
	if !ok || !now.Before(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		c.windows[slotID] = w
	}
	w.count++
	return w.count, nil
}

func (c *MemoryCrashCounter) Reset(_ context.Context, slotID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, slotID)
	return nil
}
