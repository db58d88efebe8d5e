package engine

import "sync"

// deviceLocks hands out one mutex per device id. Entries are reference
// counted and removed once no goroutine holds or waits on them.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

func (d *deviceLocks) acquire(id string) *deviceLock {
	d.mu.Lock()
	l, ok := d.locks[id]
	if !ok {
		l = &deviceLock{}
		d.locks[id] = l
	}
	l.refs++
	d.mu.Unlock()
	return l
}

func (d *deviceLocks) release(id string, l *deviceLock) {
	d.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(d.locks, id)
	}
	d.mu.Unlock()
}

// Lock blocks until the device is free and returns the unlock func.
func (d *deviceLocks) Lock(id string) func() {
	l := d.acquire(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.release(id, l)
	}
}

// TryLock returns false without waiting if the device is held.
func (d *deviceLocks) TryLock(id string) (func(), bool) {
	l := d.acquire(id)
	if !l.mu.TryLock() {
		d.release(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		d.release(id, l)
	}, true
}

func (d *deviceLocks) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
