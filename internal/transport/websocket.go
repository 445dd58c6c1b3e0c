package transport

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/fault"
)

// wsTransport adapts one websocket connection to the Transport interface.
// The read loop starts when OnMessage is set, so no frame is ever dropped
// before the handler exists.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	started bool
	closed  bool
	onClose func(*wsTransport)
	notify  func()
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fault.NewTransportError("send", err)
	}
	return nil
}

func (t *wsTransport) OnMessage(handler func([]byte)) {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		defer t.Close()
		for {
			_, frame, err := t.conn.ReadMessage()
			if err != nil {
				return
			}
			handler(frame)
		}
	}()
}

func (t *wsTransport) NotifyClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = fn
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	notify := t.notify
	t.mu.Unlock()

	if onClose != nil {
		onClose(t)
	}
	if notify != nil {
		notify()
	}
	return t.conn.Close()
}

// WSServer accepts websocket peers and hands each connection to the
// engine as a fresh transport.
type WSServer struct {
	listener  net.Listener
	server    *http.Server
	upgrader  websocket.Upgrader
	onConnect func(Transport)

	mu    sync.Mutex
	conns map[*wsTransport]bool
}

// NewWSServer binds the listen address immediately so configuration errors
// surface before serving starts. onConnect is invoked once per peer.
func NewWSServer(listen string, onConnect func(Transport)) (*WSServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fault.NewTransportError("listen", err)
	}
	s := &WSServer{
		listener:  ln,
		onConnect: onConnect,
		conns:     make(map[*wsTransport]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listen address.
func (s *WSServer) Addr() string { return s.listener.Addr().String() }

// Serve blocks accepting connections until Close.
func (s *WSServer) Serve() error {
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.LogTransport("upgrade failed: %v\n", err)
		return
	}
	t := newWSTransport(conn)
	t.onClose = s.forget
	s.mu.Lock()
	s.conns[t] = true
	s.mu.Unlock()
	s.onConnect(t)
}

func (s *WSServer) forget(t *wsTransport) {
	s.mu.Lock()
	delete(s.conns, t)
	s.mu.Unlock()
}

// Close stops accepting and closes every live connection.
func (s *WSServer) Close() error {
	err := s.server.Close()
	s.mu.Lock()
	conns := make([]*wsTransport, 0, len(s.conns))
	for t := range s.conns {
		conns = append(conns, t)
	}
	s.mu.Unlock()
	for _, t := range conns {
		_ = t.Close()
	}
	return err
}

// DialWebSocket connects to a serving engine and returns the client side
// transport. Set OnMessage before sending the first request.
func DialWebSocket(url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fault.NewTransportError("dial", err)
	}
	return newWSTransport(conn), nil
}
