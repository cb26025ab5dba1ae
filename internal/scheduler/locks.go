package scheduler

import "sync"

// deviceLocks serializes queue mutations per device. Placeholder collapse
// touches every GPU of a device, so a GPU-level lock is not enough.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

func (d *deviceLocks) lock(device string) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[device]
	if !ok {
		l = &sync.Mutex{}
		d.locks[device] = l
	}
	d.mu.Unlock()

	l.Lock()
	return l.Unlock
}
