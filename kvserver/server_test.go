package kvserver

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokvlock/kvlock/kverrors"
	"github.com/gokvlock/kvlock/rpc"
)

func call(t *testing.T, kv *KVServer, method string, args, reply interface{}) error {
	t.Helper()
	switch method {
	case "Get":
		return kv.Get(args.(*rpc.GetArgs), reply.(*rpc.GetReply))
	case "Put":
		return kv.Put(args.(*rpc.PutArgs), reply.(*rpc.PutReply))
	default:
		t.Fatalf("unknown method %s", method)
		return nil
	}
}

func TestCreateThenUpdate(t *testing.T) {
	kv := NewKVServer()

	var putReply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 1},
		Key:       "hello", Value: "world", Version: 0,
	}, &putReply))
	assert.Equal(t, kverrors.WireOK, putReply.Err)

	var getReply rpc.GetReply
	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 2}, Key: "hello",
	}, &getReply))
	assert.Equal(t, "world", getReply.Value)
	assert.EqualValues(t, 1, getReply.Version)

	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 3},
		Key:       "hello", Value: "universe", Version: 1,
	}, &putReply))
	assert.Equal(t, kverrors.WireOK, putReply.Err)

	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 4}, Key: "hello",
	}, &getReply))
	assert.Equal(t, "universe", getReply.Value)
	assert.EqualValues(t, 2, getReply.Version)
}

func TestVersionMismatchLeavesStateUnchanged(t *testing.T) {
	kv := NewKVServer()
	var reply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 1}, Key: "hello", Value: "world",
	}, &reply))

	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 2}, Key: "hello", Value: "x", Version: 5,
	}, &reply))
	assert.Equal(t, kverrors.WireVersion, reply.Err)

	var getReply rpc.GetReply
	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 3}, Key: "hello",
	}, &getReply))
	assert.Equal(t, "world", getReply.Value)
	assert.EqualValues(t, 1, getReply.Version)
}

func TestMissingKey(t *testing.T) {
	kv := NewKVServer()

	var getReply rpc.GetReply
	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 1}, Key: "nope",
	}, &getReply))
	assert.Equal(t, kverrors.WireNoKey, getReply.Err)

	var putReply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "c1", Seq: 2}, Key: "nope", Value: "v", Version: 3,
	}, &putReply))
	assert.Equal(t, kverrors.WireNoKey, putReply.Err)
}

// TestDuplicateRequestIsIdempotent exercises the core at-most-once
// invariant: replaying the same (client_id, seq) never re-executes the
// mutation, and always returns the first reply byte-for-byte.
func TestDuplicateRequestIsIdempotent(t *testing.T) {
	kv := NewKVServer()

	header := rpc.ReqHeader{ClientID: "dup-client", Seq: 7}
	var first, second rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: header, Key: "k", Value: "v1", Version: 0}, &first))
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: header, Key: "k", Value: "v2", Version: 0}, &second))

	assert.Equal(t, first, second)

	var getReply rpc.GetReply
	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{ReqHeader: rpc.ReqHeader{ClientID: "dup-client", Seq: 8}, Key: "k"}, &getReply))
	assert.Equal(t, "v1", getReply.Value, "replayed Put must not have applied the second value")
	assert.EqualValues(t, 1, getReply.Version)
}

// TestContentionAdvancesVersionExactlyOncePerWinner runs five goroutines
// racing a read-modify-write loop against one key starting at version 1;
// exactly one of them wins each round, and the final version accounts
// for every winning write.
func TestContentionAdvancesVersionExactlyOncePerWinner(t *testing.T) {
	kv := NewKVServer()
	var reply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{
		ReqHeader: rpc.ReqHeader{ClientID: "seed", Seq: 1}, Key: "contended", Value: "0",
	}, &reply))

	const n = 5
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clientID := "worker"
			for attempt := 0; attempt < 100; attempt++ {
				var getReply rpc.GetReply
				require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
					ReqHeader: rpc.ReqHeader{ClientID: clientID, Seq: uint64(i*1000 + attempt*2)}, Key: "contended",
				}, &getReply))

				var putReply rpc.PutReply
				err := call(t, kv, "Put", &rpc.PutArgs{
					ReqHeader: rpc.ReqHeader{ClientID: clientID, Seq: uint64(i*1000 + attempt*2 + 1)},
					Key:       "contended", Value: "done", Version: getReply.Version,
				}, &putReply)
				require.NoError(t, err)
				if putReply.Err == kverrors.WireOK {
					wins[i] = true
					return
				}
			}
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, n, won, "every goroutine should eventually win its retry loop")

	var final rpc.GetReply
	require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{ReqHeader: rpc.ReqHeader{ClientID: "seed", Seq: 2}, Key: "contended"}, &final))
	assert.EqualValues(t, n+1, final.Version)
	assert.Equal(t, "done", final.Value)
}

// TestUnreliableNeverProducesAnUnexpectedValue checks that under heavy
// drop simulation a single logical Put must still result in either the
// intended value or no observable effect, never anything else.
func TestUnreliableNeverProducesAnUnexpectedValue(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		kv := NewKVServer(WithUnreliable(0.9), WithRand(rand.New(rand.NewSource(int64(trial)))))

		var reply rpc.PutReply
		_ = call(t, kv, "Put", &rpc.PutArgs{
			ReqHeader: rpc.ReqHeader{ClientID: "flaky", Seq: 1}, Key: "k", Value: "v",
		}, &reply)

		// Observe the outcome over a reliable channel.
		kv.SetUnreliable(false, 0)
		var getReply rpc.GetReply
		require.NoError(t, call(t, kv, "Get", &rpc.GetArgs{
			ReqHeader: rpc.ReqHeader{ClientID: "observer", Seq: 1}, Key: "k",
		}, &getReply))
		if getReply.Err == kverrors.WireOK {
			assert.Equal(t, "v", getReply.Value)
			assert.EqualValues(t, 1, getReply.Version)
		} else {
			assert.Equal(t, kverrors.WireNoKey, getReply.Err)
		}
	}
}

func TestStatsReportsKeysAndCacheSize(t *testing.T) {
	kv := NewKVServer()
	var putReply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: rpc.ReqHeader{ClientID: "c", Seq: 1}, Key: "a", Value: "1"}, &putReply))
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: rpc.ReqHeader{ClientID: "c", Seq: 2}, Key: "b", Value: "2"}, &putReply))

	var stats rpc.StatsReply
	require.NoError(t, kv.Stats(&rpc.StatsArgs{}, &stats))
	assert.Equal(t, 2, stats.NumKeys)
	assert.Equal(t, 2, stats.CachedReplies)
}

func TestForgetBeforeEvictsOnlyOlderEntries(t *testing.T) {
	kv := NewKVServer()
	var putReply rpc.PutReply
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: rpc.ReqHeader{ClientID: "c", Seq: 1}, Key: "a", Value: "1"}, &putReply))
	require.NoError(t, call(t, kv, "Put", &rpc.PutArgs{ReqHeader: rpc.ReqHeader{ClientID: "c", Seq: 2}, Key: "a", Value: "1", Version: 1}, &putReply))

	kv.ForgetBefore("c", 2)

	var stats rpc.StatsReply
	require.NoError(t, kv.Stats(&rpc.StatsArgs{}, &stats))
	assert.Equal(t, 1, stats.CachedReplies)
}
