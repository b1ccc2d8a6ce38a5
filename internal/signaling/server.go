package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authenticator resolves the user identity of a relay connection.
type Authenticator func(r *http.Request) (userID string, err error)

// Server is a WebSocket relay that routes envelopes between connected users.
// It overwrites the sender field with the authenticated identity so clients
// cannot spoof each other.
type Server struct {
	auth     Authenticator
	listener net.Listener

	mu     sync.Mutex
	routes map[string]*relayClient
}

type relayClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (rc *relayClient) close() {
	rc.once.Do(func() {
		close(rc.done)
		rc.conn.Close()
	})
}

// NewServer creates a relay using auth to identify connections.
func NewServer(auth Authenticator) *Server {
	return &Server{
		auth:   auth,
		routes: make(map[string]*relayClient),
	}
}

// Start listens on addr (":0" picks a random port) and serves the relay at
// /ws. Returns the assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling relay: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close shuts down the listener and every relay connection.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	clients := s.routes
	s.routes = make(map[string]*relayClient)
	s.mu.Unlock()
	for _, rc := range clients {
		rc.close()
	}
}

// Online reports whether userID currently has a relay connection.
func (s *Server) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.routes[userID]
	return ok
}

// ServeHTTP upgrades an authenticated request into a relay connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth(r)
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rc := &relayClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	s.register(rc)
	util.LogInfo("relay: %s connected", userID)

	go s.writePump(rc)
	s.readPump(rc)
}

// register stores rc as the route for its user. An older connection of the
// same user is closed.
func (s *Server) register(rc *relayClient) {
	s.mu.Lock()
	old, exists := s.routes[rc.userID]
	s.routes[rc.userID] = rc
	s.mu.Unlock()
	if exists {
		old.close()
	}
}

// unregister removes rc if it is still the current route for its user.
func (s *Server) unregister(rc *relayClient) {
	s.mu.Lock()
	if s.routes[rc.userID] == rc {
		delete(s.routes, rc.userID)
	}
	s.mu.Unlock()
	rc.close()
}

func (s *Server) route(userID string) (*relayClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.routes[userID]
	return rc, ok
}

func (s *Server) readPump(rc *relayClient) {
	defer func() {
		s.unregister(rc)
		util.LogInfo("relay: %s disconnected", rc.userID)
	}()

	rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	rc.conn.SetPongHandler(func(string) error {
		return rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		rc.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			util.LogWarning("relay: invalid frame from %s: %v", rc.userID, err)
			continue
		}
		env.From = rc.userID
		out, err := json.Marshal(env)
		if err != nil {
			continue
		}
		s.forward(env.To, env.Type, out)
	}
}

// forward hands a frame to the destination's writer. A full outbox drops the
// frame; the receiver's reassembler skips the resulting gap.
func (s *Server) forward(to string, typ protocol.EventType, frame []byte) {
	dst, ok := s.route(to)
	if !ok {
		util.LogDebug("relay: %s for offline user %s dropped", typ, to)
		return
	}
	select {
	case dst.send <- frame:
	case <-dst.done:
	default:
		util.LogWarning("relay: outbox of %s full, dropping %s", to, typ)
	}
}

func (s *Server) writePump(rc *relayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-rc.send:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				rc.close()
				return
			}
		case <-ticker.C:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				rc.close()
				return
			}
		case <-rc.done:
			return
		}
	}
}

// WaitOnline blocks until userID is connected or ctx is cancelled.
func (s *Server) WaitOnline(ctx context.Context, userID string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Online(userID) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Push delivers a relay-originated event to userID on behalf of `from`. The
// frame is unsequenced, so it bypasses reordering at the receiver.
func (s *Server) Push(from, to string, ev protocol.Event) error {
	frame, err := protocol.Encode(from, to, "", 0, ev)
	if err != nil {
		return err
	}
	if !s.Online(to) {
		return fmt.Errorf("push %s to %s: %w", ev.Type(), to, ErrPeerUnavailable)
	}
	s.forward(to, ev.Type(), frame)
	return nil
}
