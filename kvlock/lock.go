// Package kvlock implements a lease-free distributed mutual-exclusion
// lock on top of a Clerk's optimistic-concurrency Put/Get, keyed by a
// name string whose KV value identifies the current holder (empty
// string means released, a missing key means never held).
//
// The context-based Acquire signature is grounded on the pack's
// redis-backed Locker.Acquire(ctx, key, ttl) (see DESIGN.md): blocking
// acquire loops that can be cancelled belong on a context, the same
// idiom the Clerk's GetContext/PutContext retry loops use.
package kvlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gokvlock/kvlock/kverrors"
)

// ClerkAPI is the subset of *kvclerk.Clerk a Lock depends on. It is
// declared here, not imported from kvclerk, so this package has no
// import-time dependency on the Clerk implementation.
type ClerkAPI interface {
	Get(key string) (value string, version uint64, err error)
	Put(key, value string, version uint64) error
	ConditionalPut(key, value string, expectedVersion uint64) (bool, error)
	CreateIfMissing(key, value string) (bool, error)
	ClientID() string
}

const defaultRetryDelay = 10 * time.Millisecond

// Lock is a distributed mutual-exclusion primitive. It is safe for
// concurrent use.
type Lock struct {
	clerk      ClerkAPI
	name       string
	ownerID    string
	retryDelay time.Duration
	log        logrus.FieldLogger

	mu   sync.Mutex
	held bool
}

// Option configures a Lock at construction time.
type Option func(*Lock)

// WithRetryDelay overrides the sleep between acquire attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Lock) { l.retryDelay = d }
}

// WithLogger overrides the default logger.
func WithLogger(fl logrus.FieldLogger) Option {
	return func(l *Lock) { l.log = fl }
}

// New returns a Lock named name, owned by clerk.ClientID(). Two Lock
// instances built from the same Clerk via this constructor directly
// (rather than through Clerk.NewLock) are independent mirrors of
// held_locally that can drift relative to each other; prefer
// Clerk.NewLock unless that independence is what you want.
func New(clerk ClerkAPI, name string, opts ...Option) *Lock {
	l := &Lock{
		clerk:      clerk,
		name:       name,
		ownerID:    clerk.ClientID(),
		retryDelay: defaultRetryDelay,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
}

// Held reports whether this Lock instance currently believes it holds
// the lock. It is advisory: the KV entry is the source of truth.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lock) sleepOrDone(ctx context.Context) bool {
	t := time.NewTimer(l.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// probeOwn re-reads the lock entry and claims it locally if we turn out
// to be the recorded holder. It is the canonical response to ErrMaybe
// from any step of the acquire protocol.
func (l *Lock) probeOwn() bool {
	value, _, err := l.clerk.Get(l.name)
	if err != nil {
		return false
	}
	if value == l.ownerID {
		l.setHeld(true)
		return true
	}
	return false
}

// Acquire blocks until the lock is held or ctx is done, returning false
// without side effects in the latter case. A nil ctx is treated as
// context.Background (wait forever).
func (l *Lock) Acquire(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	alreadyHeld := l.held
	l.mu.Unlock()
	if alreadyHeld {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		created, err := l.clerk.CreateIfMissing(l.name, l.ownerID)
		if err != nil {
			if errors.Is(err, kverrors.ErrMaybe) {
				if l.probeOwn() {
					return true
				}
				continue
			}
			l.log.WithError(err).WithField("lock", l.name).Debug("kvlock: create attempt failed")
			if !l.sleepOrDone(ctx) {
				return false
			}
			continue
		}
		if created {
			l.setHeld(true)
			return true
		}

		value, version, err := l.clerk.Get(l.name)
		if err != nil {
			if errors.Is(err, kverrors.ErrNoKey) {
				// Wiped between the create attempt and this read; restart.
				continue
			}
			if !l.sleepOrDone(ctx) {
				return false
			}
			continue
		}

		if value == l.ownerID {
			// We are already the recorded holder, likely the result of
			// a prior ambiguous attempt.
			l.setHeld(true)
			return true
		}

		if value == "" {
			ok, err := l.clerk.ConditionalPut(l.name, l.ownerID, version)
			if err != nil {
				if errors.Is(err, kverrors.ErrMaybe) {
					if l.probeOwn() {
						return true
					}
					continue
				}
				if !l.sleepOrDone(ctx) {
					return false
				}
				continue
			}
			if ok {
				l.setHeld(true)
				return true
			}
			// Version conflict: someone else grabbed it between our Get
			// and our conditional write. Restart the loop.
			continue
		}

		// Held by a different owner. No stealing; just wait.
		if !l.sleepOrDone(ctx) {
			return false
		}
	}
}

// AcquireWait acquires the lock, blocking indefinitely.
func (l *Lock) AcquireWait() bool {
	return l.Acquire(context.Background())
}

// AcquireTimeout acquires the lock, giving up after timeout elapses.
func (l *Lock) AcquireTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Acquire(ctx)
}

// Release gives up the lock. It returns kverrors.ErrNotHeld if this Lock
// instance does not believe it holds the lock, without touching the KV
// entry. Otherwise it retries until the entry reflects a non-owner
// state (empty, absent, or owned by someone else); it has no timeout.
func (l *Lock) Release() error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return kverrors.ErrNotHeld
	}
	l.held = false
	l.mu.Unlock()

	for {
		value, version, err := l.clerk.Get(l.name)
		if err != nil {
			if errors.Is(err, kverrors.ErrNoKey) {
				return nil
			}
			continue
		}

		if value != l.ownerID {
			// Already released, or raced and lost to another owner;
			// either way this caller's obligation is satisfied.
			return nil
		}

		err = l.clerk.Put(l.name, "", version)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kverrors.ErrVersion):
			continue
		case errors.Is(err, kverrors.ErrNoKey):
			return nil
		case errors.Is(err, kverrors.ErrMaybe):
			value2, _, gerr := l.clerk.Get(l.name)
			if gerr == nil && value2 != l.ownerID {
				return nil
			}
			continue
		default:
			// ErrTimeout or an unrecognized error: keep retrying, the
			// release loop has no deadline by design.
			continue
		}
	}
}

// CheckLockState reports the current holder's identity, "" if released,
// or kverrors.ErrNoKey if the lock has never been used. It is a
// read-only diagnostic, not part of the acquire/release protocol
// (revived from the distilled Python original's check_lock_state).
func (l *Lock) CheckLockState() (string, error) {
	value, _, err := l.clerk.Get(l.name)
	if err != nil {
		return "", err
	}
	return value, nil
}
