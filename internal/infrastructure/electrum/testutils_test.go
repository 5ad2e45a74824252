package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

type handlerFunc func(method string, params []json.RawMessage) (any, *rpcErrorBody)

// fakeServer answers newline-framed requests with the given handler.
type fakeServer struct {
	handler handlerFunc

	lock  sync.Mutex
	conns []net.Conn
	calls map[string]int
}

func newFakeServer(handler handlerFunc) *fakeServer {
	return &fakeServer{handler: handler, calls: make(map[string]int)}
}

func (f *fakeServer) serve(conn net.Conn) {
	f.lock.Lock()
	f.conns = append(f.conns, conn)
	f.lock.Unlock()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}

		f.lock.Lock()
		f.calls[req.Method]++
		f.lock.Unlock()

		result, rpcErr := f.handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := f.send(conn, resp); err != nil {
			return
		}
	}
}

func (f *fakeServer) send(conn net.Conn, msg any) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	_, err = conn.Write(append(buf, '\n'))
	return err
}

func (f *fakeServer) sendRaw(line []byte) {
	f.lock.Lock()
	conns := append([]net.Conn{}, f.conns...)
	f.lock.Unlock()
	for _, conn := range conns {
		go func(conn net.Conn) {
			_, _ = conn.Write(append(line, '\n'))
		}(conn)
	}
}

func (f *fakeServer) notify(method string, params ...any) {
	f.lock.Lock()
	conns := append([]net.Conn{}, f.conns...)
	f.lock.Unlock()
	for _, conn := range conns {
		_ = f.send(conn, map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	}
}

func (f *fakeServer) dropConnections() {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

func (f *fakeServer) callCount(method string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[method]
}

// pipeDialer connects to the fake servers through in-memory pipes.
type pipeDialer struct {
	servers map[string]*fakeServer

	lock sync.Mutex
	down bool
}

// setDown makes every dial fail, as if the network was unreachable.
func (d *pipeDialer) setDown(down bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.down = down
}

func (d *pipeDialer) Dial(_ context.Context, server domain.Server) (net.Conn, error) {
	d.lock.Lock()
	down := d.down
	d.lock.Unlock()
	if down {
		return nil, fmt.Errorf("network unreachable")
	}

	fake, ok := d.servers[server.Host]
	if !ok {
		return nil, fmt.Errorf("connection refused by %s", server.Host)
	}
	client, conn := net.Pipe()
	go fake.serve(conn)
	return client, nil
}

// defaultHandler behaves like a healthy server with an empty history.
func defaultHandler(height int64, status any) handlerFunc {
	return func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
		switch method {
		case methodVersion:
			return []string{"ElectrumX 1.16.0", "1.4"}, nil
		case methodHeadersSubscribe:
			return map[string]any{"height": height, "hex": "00"}, nil
		case methodScriptHashSubscribe:
			return status, nil
		case methodScriptHashHistory:
			return []any{}, nil
		case methodEstimateFee, methodRelayFee:
			return 0.0001, nil
		case methodPing:
			return nil, nil
		case methodPeersSubscribe:
			return []any{}, nil
		default:
			return nil, &rpcErrorBody{Code: -32601, Message: "unknown method"}
		}
	}
}

// pipeSession returns a session connected to a fresh fake server.
func pipeSession(handler handlerFunc) (*session, *fakeServer) {
	fake := newFakeServer(handler)
	client, conn := net.Pipe()
	go fake.serve(conn)
	return newSession("fake", client), fake
}

type memServerRepo struct {
	lock    sync.Mutex
	servers map[string]domain.Server
}

func newMemServerRepo() *memServerRepo {
	return &memServerRepo{servers: make(map[string]domain.Server)}
}

func (r *memServerRepo) GetAll(_ context.Context, symbol string) ([]domain.Server, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	servers := make([]domain.Server, 0)
	for _, s := range r.servers {
		if s.Symbol == symbol {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

func (r *memServerRepo) Upsert(_ context.Context, servers ...domain.Server) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range servers {
		r.servers[s.Host] = s
	}
	return nil
}

func (r *memServerRepo) Delete(_ context.Context, _ string, hosts ...string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, h := range hosts {
		delete(r.servers, h)
	}
	return nil
}

func (r *memServerRepo) Close() {}
