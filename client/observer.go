package client

import (
	"sync"

	"jsonrpc-ws/transport"
)

// Observer receives connection events. Callbacks run on transport or timer goroutines and
// must not block for long.
type Observer interface {
	// Opened fires after every successful open, once queued calls have been flushed.
	Opened(endpoint string)
	// Closed fires whenever the live transport goes away, including after Close.
	Closed(reason transport.CloseReason)
	// Reconnecting fires right before reconnect attempt number attempt (1-based) dials.
	Reconnecting(attempt int, endpoint string)
	// ReconnectFailed fires once when the retry budget is spent. The client is then terminal.
	ReconnectFailed()
	// TransportError reports transport failures. It never drives reconnection by itself.
	TransportError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnOpen            func(endpoint string)
	OnClose           func(reason transport.CloseReason)
	OnReconnecting    func(attempt int, endpoint string)
	OnReconnectFailed func()
	OnError           func(err error)
}

func (f ObserverFuncs) Opened(endpoint string) {
	if f.OnOpen != nil {
		f.OnOpen(endpoint)
	}
}

func (f ObserverFuncs) Closed(reason transport.CloseReason) {
	if f.OnClose != nil {
		f.OnClose(reason)
	}
}

func (f ObserverFuncs) Reconnecting(attempt int, endpoint string) {
	if f.OnReconnecting != nil {
		f.OnReconnecting(attempt, endpoint)
	}
}

func (f ObserverFuncs) ReconnectFailed() {
	if f.OnReconnectFailed != nil {
		f.OnReconnectFailed()
	}
}

func (f ObserverFuncs) TransportError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// observerSet is notified in registration order.
type observerSet struct {
	mu    sync.RWMutex
	next  int
	items []registered
}

type registered struct {
	key int
	o   Observer
}

func (s *observerSet) add(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	key := s.next
	s.items = append(s.items, registered{key: key, o: o})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.items {
			if r.key == key {
				s.items = append(s.items[:i:i], s.items[i+1:]...)
				return
			}
		}
	}
}

func (s *observerSet) snapshot() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observer, len(s.items))
	for i, r := range s.items {
		out[i] = r.o
	}
	return out
}

func (s *observerSet) opened(endpoint string) {
	for _, o := range s.snapshot() {
		o.Opened(endpoint)
	}
}

func (s *observerSet) closed(reason transport.CloseReason) {
	for _, o := range s.snapshot() {
		o.Closed(reason)
	}
}

func (s *observerSet) reconnecting(attempt int, endpoint string) {
	for _, o := range s.snapshot() {
		o.Reconnecting(attempt, endpoint)
	}
}

func (s *observerSet) reconnectFailed() {
	for _, o := range s.snapshot() {
		o.ReconnectFailed()
	}
}

func (s *observerSet) transportError(err error) {
	for _, o := range s.snapshot() {
		o.TransportError(err)
	}
}
