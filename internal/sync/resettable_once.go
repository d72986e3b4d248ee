// Package sync holds small synchronization primitives the standard
// library does not provide.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce is a sync.Once that can be re-armed.
//
// The control client guards its connection teardown with one of these:
// Close runs the teardown exactly once, and Reconnect calls Reset so the
// next Close after a fresh dial runs it again. Safe for concurrent use.
type ResettableOnce struct {
	done uint32
	m    sync.Mutex
}

// Do calls f if and only if Do has not completed since the last Reset.
// Concurrent callers serialize; exactly one executes f and the rest
// return after it finishes.
func (o *ResettableOnce) Do(f func()) {
	if atomic.LoadUint32(&o.done) == 1 {
		return
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		defer atomic.StoreUint32(&o.done, 1)
		f()
	}
}

// DoWithError is Do for fallible setup. A failed f does not latch, so
// the next call retries; only a nil return marks the once done.
func (o *ResettableOnce) DoWithError(f func() error) error {
	if atomic.LoadUint32(&o.done) == 1 {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done == 0 {
		if err := f(); err != nil {
			return err
		}
		atomic.StoreUint32(&o.done, 1)
	}

	return nil
}

// Reset re-arms the once. A Reset racing an in-flight Do waits for it,
// so the next Do after Reset returns always executes its function.
func (o *ResettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	atomic.StoreUint32(&o.done, 0)
}

// Done reports whether Do has completed since the last Reset.
func (o *ResettableOnce) Done() bool {
	return atomic.LoadUint32(&o.done) == 1
}
