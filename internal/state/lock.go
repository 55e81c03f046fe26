package state

import (
	"sync"
	"time"
)

// vaultLocks hands out one in-process mutex per vault.
type vaultLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVaultLocks() *vaultLocks {
	return &vaultLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire waits up to timeout for the vault's lock.
func (v *vaultLocks) acquire(vaultNum string, timeout time.Duration) (UnlockFunc, error) {
	v.mu.Lock()
	lock, exists := v.locks[vaultNum]
	if !exists {
		lock = &sync.Mutex{}
		v.locks[vaultNum] = lock
	}
	v.mu.Unlock()

	if lock.TryLock() {
		return lock.Unlock, nil
	}

	done := make(chan struct{})
	abandoned := make(chan struct{})
	go func() {
		lock.Lock()
		select {
		case <-abandoned:
			lock.Unlock()
		default:
			close(done)
		}
	}()

	select {
	case <-done:
		return lock.Unlock, nil
	case <-time.After(timeout):
		close(abandoned)
		// The waiter may have won the race between the timer and close.
		select {
		case <-done:
			return lock.Unlock, nil
		default:
		}
		return nil, ErrStateLocked
	}
}
