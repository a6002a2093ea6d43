package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/meet/internal/util"
)

const (
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendQueueSize = 64
)

// Server is the rendezvous relay. Every websocket connection gets a session
// id; messages are forwarded to the connection named by their recipient
// field with the sender field overwritten by the real sender id.
type Server struct {
	upgrader        websocket.Upgrader
	maxMessageBytes int64

	mu    sync.Mutex
	peers map[string]*peer
}

// peer is one connected client. sendQ is drained by a single writer goroutine.
type peer struct {
	id        string
	conn      *websocket.Conn
	sendQ     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a relay that rejects inbound frames above maxMessageBytes.
func NewServer(maxMessageBytes int64) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageBytes: maxMessageBytes,
		peers:           make(map[string]*peer),
	}
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then closes
// every live session.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	util.LogInfo("relay listening on %s", listener.Addr())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			http.Error(w, "Invalid session id", http.StatusBadRequest)
			return
		}
	} else {
		id = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		id:    id,
		conn:  conn,
		sendQ: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}

	// A session id belongs to exactly one live connection.
	if !s.register(p) {
		writeClose(conn, websocket.ClosePolicyViolation, "session in use")
		conn.Close()
		return
	}
	defer s.unregister(p)
	defer p.close()

	util.LogDebug("[%s] session opened from %s", p.id, r.RemoteAddr)

	go p.writeLoop()

	assigned, _ := Encode(&Message{Type: MsgTypeAssignedID, SessionID: p.id})
	p.enqueue(assigned)

	s.readLoop(p)
	util.LogDebug("[%s] session closed", p.id)
}

// readLoop forwards every valid frame from p until the connection breaks.
func (s *Server) readLoop(p *peer) {
	p.conn.SetReadLimit(s.maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogDebug("[%s] dropping message: %v", p.id, err)
			continue
		}
		s.route(p, msg)
	}
}

// route delivers msg to its recipient. Unknown recipients are dropped.
func (s *Server) route(from *peer, msg *Message) {
	if msg.Type == MsgTypeAssignedID {
		return
	}
	msg.stampSender(from.id)

	to := msg.Recipient()
	s.mu.Lock()
	dst, ok := s.peers[to]
	s.mu.Unlock()

	if !ok {
		util.LogDebug("[%s] %s for unknown session %q dropped", from.id, msg.Type, to)
		return
	}

	data, err := Encode(msg)
	if err != nil {
		util.LogError("[%s] failed to encode %s: %v", from.id, msg.Type, err)
		return
	}
	dst.enqueue(data)
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[p.id]; taken {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// enqueue hands data to the writer goroutine without blocking the sender.
func (p *peer) enqueue(data []byte) {
	select {
	case p.sendQ <- data:
	case <-p.done:
	default:
		util.LogWarning("[%s] send queue full, dropping message", p.id)
	}
}

// writeLoop is the only goroutine writing to p.conn.
func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case data := <-p.sendQ:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.done:
			return
		}
	}
}

// close releases the connection exactly once, whichever loop exits first.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
