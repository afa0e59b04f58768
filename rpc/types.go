// Package rpc holds the wire-level argument and reply structs exchanged
// between a Clerk and a KV server. Field names start with capital letters
// throughout, as required by both net/rpc and Go's gob encoder.
//
// The embedding of a shared request header mirrors the
// ArgsBase/ReplyBase pattern the shardmaster RPCs used for their
// clerk/seq deduplication fields; this package generalizes that same
// idea to a two-method (Get, Put) surface instead of a four-method
// (Join, Leave, Move, Query) one.
package rpc

// ReqHeader identifies the logical request a physical RPC attempt
// belongs to. Every retry of the same logical Put or Get carries the
// same header so the server's reply cache can collapse them.
type ReqHeader struct {
	ClientID string
	Seq      uint64
}

// GetArgs is the argument struct for KVServer.Get.
type GetArgs struct {
	ReqHeader
	Key string
}

// GetReply is the reply struct for KVServer.Get. Err is one of the wire
// strings in package kverrors ("", "ErrNoKey").
type GetReply struct {
	Value   string
	Version uint64
	Err     string
}

// PutArgs is the argument struct for KVServer.Put. Version 0 means
// "create"; any other value must match the key's current stored version.
type PutArgs struct {
	ReqHeader
	Key     string
	Value   string
	Version uint64
}

// PutReply is the reply struct for KVServer.Put. Err is one of the wire
// strings in package kverrors ("", "ErrNoKey", "ErrVersion").
type PutReply struct {
	Err string
}

// StatsArgs is the (empty) argument struct for KVServer.Stats.
type StatsArgs struct{}

// StatsReply reports coarse server-side counters, used by the kv-cli
// demo binary and by operational tooling. It has no bearing on
// correctness and is not part of the at-most-once contract.
type StatsReply struct {
	NumKeys       int
	CachedReplies int
}
