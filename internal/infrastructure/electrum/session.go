package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

const (
	// maxFrameSize bounds a single newline-delimited message.
	maxFrameSize = 1_000_000

	defaultCallTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	keepAliveInterval  = 30 * time.Second
	pingTimeout        = 5 * time.Second
	closeGracePeriod   = 3 * time.Second
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  *rpcErrorBody     `json:"error"`
}

func (m message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

type subscription struct {
	method string
	params []any
	result json.RawMessage
	queues []*ports.Queue
}

func (s *subscription) addQueue(queue *ports.Queue) {
	for _, q := range s.queues {
		if q == queue {
			return
		}
	}
	s.queues = append(s.queues, queue)
}

func (s *subscription) removeQueue(queue *ports.Queue) {
	for i, q := range s.queues {
		if q == queue {
			s.queues = append(s.queues[:i], s.queues[i+1:]...)
			return
		}
	}
}

// SubscriptionState is a subscription detached from a torn down session.
type SubscriptionState struct {
	Method string
	Params []any
	Result json.RawMessage
	Queues []*ports.Queue
}

// session is one connection to one server. It multiplexes requests by id and
// dispatches server notifications to the queues of the matching subscription.
type session struct {
	host string
	conn net.Conn

	nextID    atomic.Uint64
	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[uint64]chan message

	subsLock sync.Mutex
	subs     map[string]*subscription
	// retired keys had all their queues removed. The server keeps notifying
	// them since there's no way to unsubscribe.
	retired map[string]struct{}

	keepAliveOnce sync.Once
	closing       atomic.Bool
	closeOnce     sync.Once
	closeErr      error
	done          chan struct{}
}

func newSession(host string, conn net.Conn) *session {
	s := &session{
		host:    host,
		conn:    conn,
		pending: make(map[uint64]chan message),
		subs:    make(map[string]*subscription),
		retired: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) Host() string {
	return s.host
}

func (s *session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.closing.Load()
	}
}

// Err returns the reason the session was closed, if any.
func (s *session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Call sends one request and waits for the matching response.
func (s *session) Call(
	ctx context.Context, method string, params []any, timeout time.Duration,
) (json.RawMessage, error) {
	if s.IsClosed() {
		return nil, &TransportError{s.host, ErrSessionClosed}
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if params == nil {
		params = []any{}
	}

	id := s.nextID.Add(1)
	ch := make(chan message, 1)

	s.pendingLock.Lock()
	s.pending[id] = ch
	s.pendingLock.Unlock()
	defer func() {
		s.pendingLock.Lock()
		delete(s.pending, id)
		s.pendingLock.Unlock()
	}()

	buf, err := json.Marshal(request{"2.0", id, method, params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	log.Debugf("electrum: <-- %s %s (id: %d)", s.host, buf, id)

	if err := s.write(buf); err != nil {
		s.close(err)
		return nil, &TransportError{s.host, err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, &RPCError{s.host, msg.Error.Code, msg.Error.Message}
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, &TransportError{
			s.host, fmt.Errorf("request %s timed out (id: %d)", method, id),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, &TransportError{s.host, s.closeErr}
	}
}

// Subscribe returns the cached result for the subscription if any, otherwise
// it requests it from the server. In both cases the queue receives every
// following notification for the same method and params.
func (s *session) Subscribe(
	ctx context.Context, method string, params []any, queue *ports.Queue,
) (json.RawMessage, error) {
	key, err := subscriptionKey(method, params)
	if err != nil {
		return nil, err
	}

	s.subsLock.Lock()
	sub, ok := s.subs[key]
	if ok && sub.result != nil {
		sub.addQueue(queue)
		result := sub.result
		s.subsLock.Unlock()
		return result, nil
	}
	// Registered before sending the request so that a notification following
	// the response is never mistaken for an unexpected one.
	if !ok {
		sub = &subscription{method: method, params: params}
		s.subs[key] = sub
		delete(s.retired, key)
	}
	sub.addQueue(queue)
	s.subsLock.Unlock()

	result, err := s.Call(ctx, method, params, defaultCallTimeout)
	if err != nil {
		s.subsLock.Lock()
		if current, ok := s.subs[key]; ok && current == sub {
			sub.removeQueue(queue)
			if len(sub.queues) == 0 && sub.result == nil {
				delete(s.subs, key)
			}
		}
		s.subsLock.Unlock()
		return nil, err
	}

	s.subsLock.Lock()
	if sub.result == nil {
		sub.result = result
	}
	s.subsLock.Unlock()

	s.keepAliveOnce.Do(func() {
		go s.keepAlive()
	})

	return result, nil
}

// Unsubscribe removes the queue from every subscription and forgets the
// subscriptions left without queues.
func (s *session) Unsubscribe(queue *ports.Queue) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	for key, sub := range s.subs {
		sub.removeQueue(queue)
		if len(sub.queues) == 0 {
			delete(s.subs, key)
			s.retired[key] = struct{}{}
		}
	}
}

func (s *session) hasSubscriptions() bool {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	return len(s.subs) > 0
}

// Teardown detaches every subscription from the session, so that it can't
// deliver notifications anymore, and closes the connection once pending
// requests complete or the grace period expires.
func (s *session) Teardown() map[string]SubscriptionState {
	s.subsLock.Lock()
	subs := make(map[string]SubscriptionState, len(s.subs))
	for key, sub := range s.subs {
		subs[key] = SubscriptionState{
			Method: sub.method,
			Params: sub.params,
			Result: sub.result,
			Queues: append([]*ports.Queue{}, sub.queues...),
		}
	}
	s.subs = make(map[string]*subscription)
	s.subsLock.Unlock()

	if s.closing.CompareAndSwap(false, true) {
		go s.closeWithGrace(closeGracePeriod)
	}

	return subs
}

func (s *session) Close() {
	s.close(ErrSessionClosed)
}

func (s *session) closeWithGrace(grace time.Duration) {
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		s.pendingLock.Lock()
		count := len(s.pending)
		s.pendingLock.Unlock()
		if count == 0 {
			break
		}
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
	s.close(ErrSessionClosed)
}

func (s *session) close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		s.closeErr = reason
		s.closing.Store(true)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) write(buf []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(append(buf, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *session) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		log.Debugf("electrum: --> %s %s", s.host, line)

		if err := s.handleMessage(line); err != nil {
			log.WithError(err).Infof("electrum: closing session with %s", s.host)
			s.close(err)
			return
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = &ProtocolError{Host: s.host, Reason: "message exceeds max frame size"}
	case err == nil:
		err = &TransportError{s.host, io.EOF}
	default:
		err = &TransportError{s.host, err}
	}
	s.close(err)
}

func (s *session) handleMessage(line []byte) error {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return &ProtocolError{Host: s.host, Reason: fmt.Sprintf("invalid json: %s", err)}
	}

	if msg.hasID() {
		if len(msg.Method) > 0 {
			return &ProtocolError{Host: s.host, Reason: "unexpected request, not a notification"}
		}
		var id uint64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			return &ProtocolError{Host: s.host, Reason: fmt.Sprintf("invalid id %s", msg.ID)}
		}

		s.pendingLock.Lock()
		ch, ok := s.pending[id]
		s.pendingLock.Unlock()
		if !ok {
			// late response to a request that timed out
			log.Debugf("electrum: dropping response from %s for unknown id %d", s.host, id)
			return nil
		}
		select {
		case ch <- msg:
		default:
			log.Debugf("electrum: dropping duplicate response from %s for id %d", s.host, id)
		}
		return nil
	}

	if len(msg.Method) <= 0 || len(msg.Params) <= 0 {
		return &ProtocolError{Host: s.host, Reason: "unexpected message"}
	}
	return s.handleNotification(msg)
}

func (s *session) handleNotification(msg message) error {
	last := len(msg.Params) - 1
	params := make([]any, 0, last)
	for _, raw := range msg.Params[:last] {
		var param any
		if err := json.Unmarshal(raw, &param); err != nil {
			return &ProtocolError{Host: s.host, Reason: fmt.Sprintf("invalid notification param: %s", err)}
		}
		params = append(params, param)
	}
	key, err := subscriptionKey(msg.Method, params)
	if err != nil {
		return &ProtocolError{Host: s.host, Reason: err.Error()}
	}
	result := msg.Params[last]

	s.subsLock.Lock()
	sub, ok := s.subs[key]
	if !ok {
		_, retired := s.retired[key]
		torndown := s.closing.Load()
		s.subsLock.Unlock()
		if retired || torndown {
			return nil
		}
		return &ProtocolError{Host: s.host, Reason: fmt.Sprintf("unexpected notification %s", key)}
	}
	sub.result = result
	queues := append([]*ports.Queue{}, sub.queues...)
	s.subsLock.Unlock()

	notification := ports.Notification{
		Method: msg.Method,
		Params: msg.Params,
		Result: result,
	}
	for _, queue := range queues {
		queue.Push(notification)
	}
	return nil
}

func (s *session) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.closing.Load() {
				return
			}
			if !s.hasSubscriptions() {
				continue
			}
			if _, err := s.Call(
				context.Background(), methodPing, nil, pingTimeout,
			); err != nil {
				log.WithError(err).Warnf("electrum: failed to ping %s", s.host)
			}
		}
	}
}

// subscriptionKey is the canonical json encoding of method and params.
func subscriptionKey(method string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	buf, err := json.Marshal([]any{method, params})
	if err != nil {
		return "", fmt.Errorf("invalid subscription params: %w", err)
	}
	// round trip so that params built in go and params decoded from the wire
	// produce the same key
	var canonical any
	if err := json.Unmarshal(buf, &canonical); err != nil {
		return "", err
	}
	buf, err = json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
