package transport

import (
	"sync"

	"github.com/foliodev/folio/internal/fault"
)

// inprocEndpoint is one side of an in-process transport pair. Frames are
// delivered on a dedicated pump goroutine so Send never runs the peer's
// handler on the caller's stack.
type inprocEndpoint struct {
	peer *inprocEndpoint

	mu      sync.Mutex
	handler func([]byte)
	queue   chan []byte
	closed  bool
	notify  func()
	done    chan struct{}
}

// NewPair creates two connected in-process transports. Frames sent on one
// side arrive at the other's OnMessage handler.
func NewPair() (Transport, Transport) {
	a := newInprocEndpoint()
	b := newInprocEndpoint()
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newInprocEndpoint() *inprocEndpoint {
	return &inprocEndpoint{
		queue: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (e *inprocEndpoint) pump() {
	for {
		select {
		case frame := <-e.queue:
			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()
			if handler != nil {
				handler(frame)
			}
		case <-e.done:
			return
		}
	}
}

func (e *inprocEndpoint) Send(frame []byte) error {
	peer := e.peer
	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return fault.NewTransportError("send", errPeerClosed)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case peer.queue <- buf:
		return nil
	case <-peer.done:
		return fault.NewTransportError("send", errPeerClosed)
	}
}

func (e *inprocEndpoint) OnMessage(handler func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *inprocEndpoint) NotifyClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

func (e *inprocEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	notify := e.notify
	e.mu.Unlock()

	close(e.done)
	if notify != nil {
		notify()
	}
	return nil
}

type inprocError string

func (e inprocError) Error() string { return string(e) }

const errPeerClosed = inprocError("peer transport closed")
