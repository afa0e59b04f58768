// Package kvclerk implements the client-side stub (the "Clerk") for the
// KV service: a stable client identity, a monotonically increasing
// sequence counter, and the retry/backoff state machine that preserves
// at-most-once semantics over an unreliable transport.
//
// The retry loop's shape is grounded on this module's original
// raftkv.Clerk-style client (see the sibling kvserver package's doc
// comment for the lineage of the server side); the leader-hunting loop
// that kind of Clerk used ("keep trying servers until !WrongLeader") is
// replaced here with a drop/backoff loop suited to a single, non-
// replicated server: there is no leader to hunt, only a transport that
// may or may not deliver.
package kvclerk

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gokvlock/kvlock/kverrors"
	"github.com/gokvlock/kvlock/kvlock"
	"github.com/gokvlock/kvlock/rpc"
)

// Transport is the interface a Clerk needs from its RPC channel: fire one
// physical attempt and report whether a reply was delivered. Both
// kvnet.ClientEnd (in-process, for tests) and kvnet.RPCClientEnd (real
// net/rpc, for the demo binaries) satisfy it.
type Transport interface {
	Call(serviceMethod string, args, reply interface{}) bool
}

const (
	defaultMaxRetries = 10
	defaultRetryDelay = 10 * time.Millisecond
	maxBackoff        = 1 * time.Second
)

// Clerk is safe for concurrent use by multiple goroutines.
type Clerk struct {
	transport Transport
	clientID  string

	maxRetries int
	retryDelay time.Duration

	mu  sync.Mutex
	seq uint64
	rng *rand.Rand

	locksMu sync.Mutex
	locks   map[string]*kvlock.Lock

	log logrus.FieldLogger
}

// Option configures a Clerk at construction time.
type Option func(*Clerk)

// WithMaxRetries bounds the number of physical attempts per logical RPC.
func WithMaxRetries(n int) Option {
	return func(c *Clerk) { c.maxRetries = n }
}

// WithRetryDelay sets the exponential backoff base.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Clerk) { c.retryDelay = d }
}

// WithClientID overrides the randomly generated client identity. Tests
// use this to get deterministic (client_id, seq) pairs.
func WithClientID(id string) Option {
	return func(c *Clerk) { c.clientID = id }
}

// WithLogger overrides the default logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Clerk) { c.log = l }
}

// New returns a Clerk that talks to the server reachable through
// transport.
func New(transport Transport, opts ...Option) *Clerk {
	c := &Clerk{
		transport:  transport,
		clientID:   uuid.NewString(),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		locks:      make(map[string]*kvlock.Lock),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns this Clerk's stable identity. It satisfies
// kvlock.ClerkAPI.
func (c *Clerk) ClientID() string { return c.clientID }

func (c *Clerk) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// backoff returns the exponential delay for the given zero-based attempt
// number, doubled per attempt, capped at 1s, with +-10% jitter.
func (c *Clerk) backoff(attempt int) time.Duration {
	d := c.retryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > maxBackoff {
			d = maxBackoff
			break
		}
	}
	c.mu.Lock()
	jitter := d.Seconds() * 0.1 * (2*c.rng.Float64() - 1)
	c.mu.Unlock()
	return d + time.Duration(jitter*float64(time.Second))
}

func (c *Clerk) sleep(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		time.Sleep(d)
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Get returns the value and version stored for key. It fails with
// kverrors.ErrNoKey if the key is absent, or kverrors.ErrTimeout if
// retries are exhausted without a reply.
func (c *Clerk) Get(key string) (string, uint64, error) {
	return c.GetContext(context.Background(), key)
}

// GetContext is Get with a caller-supplied context for cancellation.
// Cancellation surfaces as kverrors.ErrTimeout, the same outcome as
// exhausting max retries: from the caller's point of view both mean "no
// answer arrived in time".
func (c *Clerk) GetContext(ctx context.Context, key string) (string, uint64, error) {
	args := rpc.GetArgs{ReqHeader: rpc.ReqHeader{ClientID: c.clientID, Seq: c.nextSeq()}, Key: key}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var reply rpc.GetReply
		ok := c.transport.Call("KVServer.Get", &args, &reply)
		if !ok {
			if attempt == c.maxRetries-1 {
				break
			}
			if !c.sleep(ctx, c.backoff(attempt)) {
				return "", 0, kverrors.ErrTimeout
			}
			continue
		}

		if err := kverrors.FromWire(reply.Err); err != nil {
			return "", 0, err
		}
		return reply.Value, reply.Version, nil
	}
	return "", 0, kverrors.ErrTimeout
}

// Put writes value to key under optimistic concurrency control: the
// write only applies if version matches what the server currently has
// (or the key is absent and version is 0). See PutContext for the full
// retry state machine, in particular how a post-retry ErrVersion is
// reclassified as ErrMaybe.
func (c *Clerk) Put(key, value string, version uint64) error {
	return c.PutContext(context.Background(), key, value, version)
}

// PutContext is Put with a caller-supplied context.
func (c *Clerk) PutContext(ctx context.Context, key, value string, version uint64) error {
	args := rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: c.clientID, Seq: c.nextSeq()},
		Key:       key,
		Value:     value,
		Version:   version,
	}

	first := true
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var reply rpc.PutReply
		ok := c.transport.Call("KVServer.Put", &args, &reply)
		if !ok {
			first = false
			if attempt == c.maxRetries-1 {
				break
			}
			if !c.sleep(ctx, c.backoff(attempt)) {
				return kverrors.ErrMaybe
			}
			continue
		}

		switch reply.Err {
		case kverrors.WireOK:
			return nil
		case kverrors.WireNoKey:
			return kverrors.ErrNoKey
		case kverrors.WireVersion:
			if first {
				// The mismatch is real: the server has not seen any
				// prior attempt of this (client, seq) yet.
				return kverrors.ErrVersion
			}
			// A dropped earlier attempt may have already installed our
			// write; this mismatch might just be reflecting that. The
			// reply cache would have returned Ok if it were intact, so
			// this only arises when that cached reply was itself lost
			// or a concurrent writer advanced the key further.
			return kverrors.ErrMaybe
		default:
			return kverrors.FromWire(reply.Err)
		}
	}
	return kverrors.ErrMaybe
}

// ConditionalPut is sugar over Put: it returns false on a version
// mismatch instead of propagating kverrors.ErrVersion, and propagates
// every other error (including ErrMaybe) unchanged.
func (c *Clerk) ConditionalPut(key, value string, expectedVersion uint64) (bool, error) {
	err := c.Put(key, value, expectedVersion)
	if err == nil {
		return true, nil
	}
	if err == kverrors.ErrVersion {
		return false, nil
	}
	return false, err
}

// CreateIfMissing is sugar over Put(key, value, 0): it returns false when
// the key already exists (observed as a version mismatch against the
// create sentinel), true when the key was created.
func (c *Clerk) CreateIfMissing(key, value string) (bool, error) {
	return c.ConditionalPut(key, value, 0)
}

// NewLock returns the distributed Lock for name, owned by this Clerk.
// Calling NewLock twice with the same name returns the same *kvlock.Lock
// instance, so two callers that both ask this Clerk for lock "L" share
// one held_locally flag instead of drifting out of sync with each other
// (see DESIGN.md, "Re-entry ambiguity"). Use kvlock.New directly to
// opt out of this sharing.
func (c *Clerk) NewLock(name string, opts ...kvlock.Option) *kvlock.Lock {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if l, ok := c.locks[name]; ok {
		return l
	}
	l := kvlock.New(c, name, opts...)
	c.locks[name] = l
	return l
}
