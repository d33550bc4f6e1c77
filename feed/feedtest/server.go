// Package feedtest provides an in-process WebSocket server for exercising
// feed channels against a real connection.
package feedtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	mu    sync.RWMutex
	peers map[string]*peer

	upgrader websocket.Upgrader
	received chan []byte
	accepted int

	httpServer *httptest.Server
}

type peer struct {
	id      string
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
	writeWg sync.WaitGroup
}

// NewServer starts a server that accepts any origin and negotiates one of
// protocols when the client offers it.
func NewServer(protocols ...string) *Server {
	s := &Server{
		peers:    make(map[string]*peer),
		received: make(chan []byte, 100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    protocols,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.httpServer = httptest.NewServer(http.HandlerFunc(s.HandleHTTP))

	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		sendCh:  make(chan []byte, 100),
		closeCh: make(chan struct{}),
	}

	p.writeWg.Add(1)
	go p.writePump()

	s.mu.Lock()
	s.peers[p.id] = p
	s.accepted++
	s.mu.Unlock()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		select {
		case s.received <- message:
		default:
		}
	}

	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()

	p.close()
}

func (p *peer) writePump() {
	defer p.writeWg.Done()

	for {
		select {
		case <-p.closeCh:
			return
		case message := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closeCh)
		p.writeWg.Wait()
		_ = p.conn.Close()
	})
}

// Broadcast queues data for every connected client and returns how many
// clients it was queued for.
func (s *Server) Broadcast(data []byte) int {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.sendCh <- data:
		case <-p.closeCh:
		}
	}

	return len(peers)
}

// DropAll closes every client connection without a closing handshake.
func (s *Server) DropAll() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
}

// Count returns the number of connected clients.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.peers)
}

// Accepted returns the number of connections accepted since start.
func (s *Server) Accepted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accepted
}

// Received yields the frames clients sent.
func (s *Server) Received() <-chan []byte {
	return s.received
}

func (s *Server) Close() {
	s.DropAll()
	s.httpServer.Close()
}
