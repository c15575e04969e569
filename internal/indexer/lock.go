package indexer

import "sync/atomic"

// IndexLock is a non-blocking mutex guarding full scans. A second scan
// requested while one runs fails fast with ErrScanInProgress instead of
// queueing behind it.
type IndexLock struct {
	state atomic.Int32 // 0 = free, 1 = held
}

// TryAcquire takes the lock if it is free
func (l *IndexLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release frees the lock. Only the holder may call it.
func (l *IndexLock) Release() {
	l.state.Store(0)
}

// Held reports whether a scan is running
func (l *IndexLock) Held() bool {
	return l.state.Load() == 1
}
