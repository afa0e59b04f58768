// Package kvserver implements the versioned key-value store: an
// in-memory map from keys to (value, version) pairs, guarded by one
// mutex per server instance, with a reply cache that gives the Clerk's
// retries at-most-once semantics.
//
// This package is grounded on this module's original kvraft.KVServer,
// which served the same two RPCs (Get, Put/PutAppend) behind a request
// dedup table (clerkTrack) very similar in spirit to the reply cache
// below. The raft-backed log replication that kvraft used to make those
// RPCs durable across a cluster has no home here: this server is
// single-node and in-memory by design, so the whole commit/apply
// machinery was dropped rather than adapted. What survives is the
// shape: one struct, one mutex, small Debug-gated logging. There is no
// shutdown hook; the server holds no goroutines or resources to release.
package kvserver

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gokvlock/kvlock/kverrors"
	"github.com/gokvlock/kvlock/rpc"
)

// entry is one stored key's value and version. Version starts at 1 on
// creation; version 0 never appears in storage, only in requests as the
// "create" sentinel.
type entry struct {
	Value   string
	Version uint64
}

// reqKey names one logical request for reply-cache lookups.
type reqKey struct {
	ClientID string
	Seq      uint64
}

// KVServer is an in-memory, versioned key-value store exposed as a pair
// of net/rpc methods. It is safe for concurrent use.
type KVServer struct {
	mu sync.Mutex

	data       map[string]entry
	replyCache map[reqKey]interface{} // holds *rpc.GetReply or *rpc.PutReply

	unreliable bool
	dropRate   float64
	rng        *rand.Rand

	log logrus.FieldLogger
}

// Option configures a KVServer at construction time.
type Option func(*KVServer)

// WithUnreliable enables drop simulation at the given rate (0..1),
// independently checked at two checkpoints per RPC: once before the
// request is serviced, once before the reply is returned.
func WithUnreliable(dropRate float64) Option {
	return func(kv *KVServer) {
		kv.unreliable = true
		kv.dropRate = dropRate
	}
}

// WithLogger overrides the default logger (logrus.StandardLogger()).
func WithLogger(l logrus.FieldLogger) Option {
	return func(kv *KVServer) { kv.log = l }
}

// WithRand overrides the source of randomness used for drop simulation.
// Tests use this to make "unreliable" runs reproducible.
func WithRand(r *rand.Rand) Option {
	return func(kv *KVServer) { kv.rng = r }
}

// NewKVServer returns a ready-to-use KVServer. It starts empty: no key
// has ever been written, and the reply cache is empty.
func NewKVServer(opts ...Option) *KVServer {
	kv := &KVServer{
		data:       make(map[string]entry),
		replyCache: make(map[reqKey]interface{}),
		rng:        rand.New(rand.NewSource(1)),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

// SetUnreliable reconfigures drop simulation at runtime.
func (kv *KVServer) SetUnreliable(unreliable bool, dropRate float64) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.unreliable = unreliable
	kv.dropRate = dropRate
}

// shouldDrop reports whether this checkpoint should simulate a dropped
// packet. Must be called with kv.mu held so the rng is not a data race.
func (kv *KVServer) shouldDrop() bool {
	if !kv.unreliable {
		return false
	}
	return kv.rng.Float64() < kv.dropRate
}

// Get implements the Get RPC: look up (value, version) for args.Key.
//
// The method signature (pointer args, pointer reply, error return) is
// intentionally exactly what net/rpc requires, so the same receiver also
// serves as a kvnet.Network service without any adapter.
func (kv *KVServer) Get(args *rpc.GetArgs, reply *rpc.GetReply) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.shouldDrop() {
		kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping Get request")
		return kverrors.ErrDropped
	}

	key := reqKey{ClientID: args.ClientID, Seq: args.Seq}
	if cached, ok := kv.replyCache[key]; ok && args.ClientID != "" {
		*reply = *cached.(*rpc.GetReply)
		if kv.shouldDrop() {
			kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping cached Get reply")
			return kverrors.ErrDropped
		}
		return nil
	}

	e, ok := kv.data[args.Key]
	if !ok {
		reply.Err = kverrors.WireNoKey
		reply.Value, reply.Version = "", 0
	} else {
		reply.Err = kverrors.WireOK
		reply.Value, reply.Version = e.Value, e.Version
	}

	if args.ClientID != "" {
		cached := *reply
		kv.replyCache[key] = &cached
	}

	if kv.shouldDrop() {
		kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping Get reply")
		return kverrors.ErrDropped
	}
	return nil
}

// Put implements the Put RPC: a write succeeds if the key is absent and
// args.Version is 0 (create), or the key is present and args.Version
// matches its current stored version (update); any other combination
// is rejected as a missing key or a version mismatch.
func (kv *KVServer) Put(args *rpc.PutArgs, reply *rpc.PutReply) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.shouldDrop() {
		kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping Put request")
		return kverrors.ErrDropped
	}

	key := reqKey{ClientID: args.ClientID, Seq: args.Seq}
	if cached, ok := kv.replyCache[key]; ok && args.ClientID != "" {
		*reply = *cached.(*rpc.PutReply)
		if kv.shouldDrop() {
			kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping cached Put reply")
			return kverrors.ErrDropped
		}
		return nil
	}

	e, present := kv.data[args.Key]
	switch {
	case !present && args.Version == 0:
		kv.data[args.Key] = entry{Value: args.Value, Version: 1}
		reply.Err = kverrors.WireOK
	case !present:
		reply.Err = kverrors.WireNoKey
	case present && args.Version == e.Version:
		kv.data[args.Key] = entry{Value: args.Value, Version: e.Version + 1}
		reply.Err = kverrors.WireOK
	default:
		reply.Err = kverrors.WireVersion
	}

	// The cache write happens in the same critical section as the
	// mutation above: first-write wins, and every retry of this
	// (ClientID, Seq) sees that same result, never a fresh evaluation.
	if args.ClientID != "" {
		cached := *reply
		kv.replyCache[key] = &cached
	}

	if kv.shouldDrop() {
		kv.log.WithField("client", args.ClientID).Debug("kvserver: dropping Put reply")
		return kverrors.ErrDropped
	}
	return nil
}

// Stats implements a small read-only RPC exposing coarse counters,
// grounded on the distilled Python original's KVServer.get_stats().
func (kv *KVServer) Stats(args *rpc.StatsArgs, reply *rpc.StatsReply) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	reply.NumKeys = len(kv.data)
	reply.CachedReplies = len(kv.replyCache)
	return nil
}

// ForgetBefore evicts cached replies for clientID with seq strictly less
// than keep. It is not wired into any RPC: reply-cache eviction has no
// defined policy here, and no acknowledgment channel exists for a
// Clerk to tell the server which sequence numbers it no longer needs.
// This hook exists for an embedder that adds such a channel later,
// without requiring a change to Get/Put's critical sections.
func (kv *KVServer) ForgetBefore(clientID string, keep uint64) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for key := range kv.replyCache {
		if key.ClientID == clientID && key.Seq < keep {
			delete(kv.replyCache, key)
		}
	}
}
