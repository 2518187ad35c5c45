package ble

import "sync"

// notifyStream delivers inbound packets in arrival order through an
// unbounded queue, so a slow reader never blocks the host callback.
type notifyStream struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan []byte
}

func newNotifyStream() *notifyStream {
	s := &notifyStream{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan []byte),
	}
	go s.pump()
	return s
}

// push copies data onto the queue. Packets after close are dropped.
func (s *notifyStream) push(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, cp)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close finishes the stream; the output channel is closed once the pump
// exits. Undelivered packets are discarded.
func (s *notifyStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *notifyStream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
