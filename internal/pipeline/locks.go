package pipeline

import (
	"context"
	"sync"

	"github.com/zkledger/transferproof/internal/types"
)

// AccountLocks keeps batches that share accounts from being in flight at the
// same time. In global mode only one batch holds the locks at any moment.
type AccountLocks struct {
	global bool

	mu      sync.Mutex
	busy    bool
	held    map[types.Account]struct{}
	changed chan struct{}
}

func NewAccountLocks(global bool) *AccountLocks {
	return &AccountLocks{
		global:  global,
		held:    make(map[types.Account]struct{}),
		changed: make(chan struct{}),
	}
}

// Acquire blocks until every account in accounts is free, then takes them all
// at once. The returned release function must be called exactly once.
func (l *AccountLocks) Acquire(ctx context.Context, accounts []types.Account) (func(), error) {
	for {
		l.mu.Lock()
		if l.free(accounts) {
			l.take(accounts)
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { l.release(accounts) }) }, nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *AccountLocks) free(accounts []types.Account) bool {
	if l.busy {
		return false
	}
	if l.global {
		return true
	}
	for _, a := range accounts {
		if _, ok := l.held[a]; ok {
			return false
		}
	}
	return true
}

func (l *AccountLocks) take(accounts []types.Account) {
	if l.global {
		l.busy = true
		return
	}
	for _, a := range accounts {
		l.held[a] = struct{}{}
	}
}

func (l *AccountLocks) release(accounts []types.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global {
		l.busy = false
	} else {
		for _, a := range accounts {
			delete(l.held, a)
		}
	}
	close(l.changed)
	l.changed = make(chan struct{})
}
