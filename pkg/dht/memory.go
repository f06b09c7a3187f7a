package dht

import (
	"context"
	"sync"
)

// MemoryRunner is an in-process Runner. Several connection managers sharing
// one MemoryRunner see the same key space, which is how the end-to-end tests
// rendezvous two managers without a network.
//
// Values accumulate per key for the life of the runner; listeners receive
// every value already stored and every value published afterwards. Delivery
// happens on a fresh goroutine per event to mimic the asynchrony of a real
// DHT client.
type MemoryRunner struct {
	mu        sync.Mutex
	values    map[string][][]byte
	listeners map[string]map[Token]ValueCallback
	nextToken Token
	tokenKeys map[Token]string
	closed    bool
}

// NewMemoryRunner creates an empty in-process DHT.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{
		values:    make(map[string][][]byte),
		listeners: make(map[string]map[Token]ValueCallback),
		tokenKeys: make(map[Token]string),
	}
}

// Put stores the value and notifies listeners on that key.
func (m *MemoryRunner) Put(_ context.Context, key, value []byte, done DoneCallback) {
	k := string(key)
	v := append([]byte(nil), value...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if done != nil {
			done(false)
		}
		return
	}
	m.values[k] = append(m.values[k], v)
	var targets []listenerRef
	for token, cb := range m.listeners[k] {
		targets = append(targets, listenerRef{token: token, cb: cb})
	}
	m.mu.Unlock()

	for _, t := range targets {
		go m.deliver(t, v)
	}
	if done != nil {
		go done(true)
	}
}

// Get replays stored values for the key.
func (m *MemoryRunner) Get(_ context.Context, key []byte, cb ValueCallback, done DoneCallback) {
	m.mu.Lock()
	stored := append([][]byte(nil), m.values[string(key)]...)
	m.mu.Unlock()

	go func() {
		for _, v := range stored {
			if cb != nil && !cb(v) {
				break
			}
		}
		if done != nil {
			done(true)
		}
	}()
}

// Listen registers cb for the key and replays stored values.
func (m *MemoryRunner) Listen(key []byte, cb ValueCallback) Token {
	k := string(key)

	m.mu.Lock()
	m.nextToken++
	token := m.nextToken
	if m.listeners[k] == nil {
		m.listeners[k] = make(map[Token]ValueCallback)
	}
	m.listeners[k][token] = cb
	m.tokenKeys[token] = k
	stored := append([][]byte(nil), m.values[k]...)
	m.mu.Unlock()

	go func() {
		for _, v := range stored {
			m.deliver(listenerRef{token: token, cb: cb}, v)
		}
	}()
	return token
}

// CancelListen removes a listen registration.
func (m *MemoryRunner) CancelListen(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(token)
}

// Close drops all listeners; subsequent puts fail.
func (m *MemoryRunner) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = make(map[string]map[Token]ValueCallback)
	m.tokenKeys = make(map[Token]string)
}

type listenerRef struct {
	token Token
	cb    ValueCallback
}

// deliver invokes one listener with one value, dropping the registration if
// the callback asks to stop. The callback runs without any runner lock held.
func (m *MemoryRunner) deliver(ref listenerRef, value []byte) {
	m.mu.Lock()
	key, ok := m.tokenKeys[ref.token]
	alive := ok && m.listeners[key][ref.token] != nil
	m.mu.Unlock()
	if !alive {
		return
	}
	if !ref.cb(value) {
		m.mu.Lock()
		m.removeLocked(ref.token)
		m.mu.Unlock()
	}
}

func (m *MemoryRunner) removeLocked(token Token) {
	key, ok := m.tokenKeys[token]
	if !ok {
		return
	}
	delete(m.tokenKeys, token)
	if cbs := m.listeners[key]; cbs != nil {
		delete(cbs, token)
		if len(cbs) == 0 {
			delete(m.listeners, key)
		}
	}
}
