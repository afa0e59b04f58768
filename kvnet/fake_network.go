// Package kvnet provides the transport implementations used to carry RPCs
// between a Clerk and a KV server, treated as an external collaborator
// rather than something the server or Clerk manage themselves. It
// supplies two concrete transports: an in-process fake network for fast
// deterministic tests, modeled directly on the 6.824 labs' labrpc.
// ClientEnd (a lab-internal package unavailable here, so this package
// reimplements its Call(svcMeth, args, reply) bool contract from
// scratch), and a real net/rpc transport for the demo binaries.
//
// Both transports dispatch to the exact same receiver methods, because
// those methods already have the shape net/rpc requires: exported,
// taking a pointer-to-args and a pointer-to-reply, returning error. The
// fake network reaches them via reflection instead of a socket.
package kvnet

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gokvlock/kvlock/kverrors"
)

// server wraps one registered receiver and resolves "Type.Method" RPC
// names against its exported methods, the same resolution net/rpc itself
// performs before handing off to a receiver.
type server struct {
	rcvr    reflect.Value
	svcName string
	methods map[string]reflect.Method
}

func newServer(svcName string, rcvr interface{}) *server {
	typ := reflect.TypeOf(rcvr)
	methods := make(map[string]reflect.Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.Type.NumIn() == 3 && m.Type.NumOut() == 1 {
			methods[m.Name] = m
		}
	}
	return &server{
		rcvr:    reflect.ValueOf(rcvr),
		svcName: svcName,
		methods: methods,
	}
}

func (s *server) dispatch(methodName string, args, reply interface{}) error {
	m, ok := s.methods[methodName]
	if !ok {
		return fmt.Errorf("kvnet: unknown method %s.%s", s.svcName, methodName)
	}
	out := m.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(args), reflect.ValueOf(reply)})
	errVal := out[0].Interface()
	if errVal == nil {
		return nil
	}
	return errVal.(error)
}

// Network is an in-process stand-in for a real IP network. Servers are
// registered under a name; clients dial that name and get back a
// ClientEnd whose Call behaves like a real RPC: it returns false (instead
// of propagating a Go error) whenever the server simulates a dropped
// packet or no server is registered under the dialed name, and it panics
// when a receiver method returns any other error, since such an error reaching
// this layer means a receiver method was miswired, not that the network
// misbehaved.
type Network struct {
	mu      sync.Mutex
	servers map[string]*server
}

// NewNetwork returns an empty fake network.
func NewNetwork() *Network {
	return &Network{servers: make(map[string]*server)}
}

// AddServer registers rcvr under svcName ("KVServer", conventionally) so
// that ClientEnds dialing this name can reach its exported RPC methods.
func (n *Network) AddServer(svcName string, rcvr interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[svcName] = newServer(svcName, rcvr)
}

// MakeEnd returns a ClientEnd bound to the server registered under
// svcName. The end is reusable across many logical RPCs, matching how a
// Clerk holds onto one ClientEnd per server for its whole lifetime.
func (n *Network) MakeEnd(svcName string) *ClientEnd {
	return &ClientEnd{network: n, svcName: svcName}
}

// ClientEnd is the Clerk-facing handle for one server endpoint.
type ClientEnd struct {
	network *Network
	svcName string
}

// Call invokes serviceMethod ("KVServer.Get") against the bound server and
// reports whether a reply was delivered. It returns false when the server
// simulated a dropped request or reply, or when no server is registered
// under the service name, mirroring what a caller of a real unreliable RPC
// channel would observe: no distinguishable reason, just no response.
func (e *ClientEnd) Call(serviceMethod string, args, reply interface{}) bool {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		panic("kvnet: malformed service method " + serviceMethod)
	}
	svcName, methodName := serviceMethod[:dot], serviceMethod[dot+1:]

	e.network.mu.Lock()
	srv, ok := e.network.servers[svcName]
	e.network.mu.Unlock()
	if !ok {
		return false
	}

	err := srv.dispatch(methodName, args, reply)
	if err == nil {
		return true
	}
	if errors.Is(err, kverrors.ErrDropped) {
		return false
	}
	panic(fmt.Sprintf("kvnet: %s.%s returned unexpected error: %v", svcName, methodName, err))
}
