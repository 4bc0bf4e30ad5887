package memaccess

import (
	"log"
	"sort"
	"sync"
)

// ListenerSet keeps the interrupt listeners of one transport. It is safe for
// concurrent use. The zero value is ready to use.
type ListenerSet struct {
	mu        sync.Mutex
	next      ListenerHandle
	listeners map[ListenerHandle]InterruptListener
}

// Add registers l. Nil listeners get a handle but are never called.
func (s *ListenerSet) Add(l InterruptListener) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[ListenerHandle]InterruptListener)
	}
	s.next++
	h := s.next
	if l != nil {
		s.listeners[h] = l
	}
	return h
}

// Remove unregisters the listener behind h, if any.
func (s *ListenerSet) Remove(h ListenerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, h)
}

// Len returns the number of registered listeners.
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// snapshot returns the listeners in registration order.
func (s *ListenerSet) snapshot() []InterruptListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]ListenerHandle, 0, len(s.listeners))
	for h := range s.listeners {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	out := make([]InterruptListener, len(handles))
	for i, h := range handles {
		out[i] = s.listeners[h]
	}
	return out
}

// Notify calls every listener with flags. The set is not locked while the
// listeners run, so they may add or remove listeners. A panicking listener is
// logged and does not prevent the others from being called.
func (s *ListenerSet) Notify(flags uint32) {
	for _, l := range s.snapshot() {
		notifyOne(l, flags)
	}
}

func notifyOne(l InterruptListener, flags uint32) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Interrupt listener panicked for flags 0x%08x: %v", flags, r)
		}
	}()
	l(flags)
}
