package kvnet

import (
	"net"
	"net/rpc"
	"sync"

	"github.com/sirupsen/logrus"
)

// RPCClientEnd is a Transport backed by the standard library's net/rpc
// over TCP. It dials lazily and redials after any failure, treating a
// failed Call exactly like the fake network treats a simulated drop:
// the caller only ever sees ok=false, never a Go error, so the same
// Clerk retry logic drives both transports unmodified.
type RPCClientEnd struct {
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

// DialRPC returns a client end for the KV server listening at addr. The
// network connection is not established until the first Call.
func DialRPC(addr string) *RPCClientEnd {
	return &RPCClientEnd{addr: addr}
}

// Call implements the same interface as ClientEnd.Call.
func (e *RPCClientEnd) Call(serviceMethod string, args, reply interface{}) bool {
	e.mu.Lock()
	if e.client == nil {
		c, err := rpc.Dial("tcp", e.addr)
		if err != nil {
			e.mu.Unlock()
			logrus.WithError(err).WithField("addr", e.addr).Debug("kvnet: dial failed")
			return false
		}
		e.client = c
	}
	client := e.client
	e.mu.Unlock()

	if err := client.Call(serviceMethod, args, reply); err != nil {
		logrus.WithError(err).WithField("method", serviceMethod).Debug("kvnet: rpc call failed")
		e.mu.Lock()
		if e.client == client {
			_ = e.client.Close()
			e.client = nil
		}
		e.mu.Unlock()
		return false
	}
	return true
}

// Close releases the underlying connection, if any.
func (e *RPCClientEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// ServeRPC registers rcvr as an RPC service (using its own net/rpc name,
// i.e. its exported type name) and accepts connections on addr until the
// listener is closed. It returns the listener so the caller controls the
// server's lifetime.
func ServeRPC(addr string, rcvr interface{}) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.Register(rcvr); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()
	return l, nil
}
