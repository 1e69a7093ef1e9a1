package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"svocraft.ai/internal/protocol"
	"svocraft.ai/internal/sim/terrain/store"
)

type Config struct {
	MaxQueue     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	World        protocol.WorldParams
	TuningDigest string
}

func (c *Config) normalize() {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 8
	}
	if c.MaxQueue > 64 {
		c.MaxQueue = 64
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Server streams chunk octrees: every CHUNK_REQ is answered with a CHUNK header
// immediately followed by one binary frame holding the node buffer, or an ERROR.
type Server struct {
	store *store.ChunkStore
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	closed   bool
	sessions sync.WaitGroup
}

func NewServer(st *store.ChunkStore, cfg Config, logger *log.Logger) *Server {
	cfg.normalize()
	return &Server{
		store: st,
		cfg:   cfg,
		log:   logger,
		conns: map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// outMsg is written as one unit so a CHUNK header and its buffer stay adjacent.
type outMsg struct {
	text []byte
	bin  []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.untrack(conn)

		sessionID, maxQ := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan outMsg, maxQ)
		inflight := make(chan struct{}, maxQ)
		var wg sync.WaitGroup
		defer wg.Wait()

		// Writer goroutine.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m := <-out:
					if err := s.write(conn, m); err != nil {
						cancel()
						// Unblock the reader.
						_ = conn.Close()
						return
					}
				}
			}
		}()

		send := func(m outMsg) {
			select {
			case out <- m:
			case <-ctx.Done():
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				send(errorMsg("", protocol.ErrProtoBadRequest, "malformed json"))
				continue
			}
			if base.Type != protocol.TypeChunkReq {
				send(errorMsg("", protocol.ErrProtoBadRequest, "unexpected message type "+base.Type))
				continue
			}
			var req protocol.ChunkReqMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				send(errorMsg("", protocol.ErrBadRequest, "bad CHUNK_REQ"))
				continue
			}
			if code := req.Validate(); code != "" {
				send(errorMsg(req.ReqID, code, "rejected CHUNK_REQ"))
				continue
			}

			select {
			case inflight <- struct{}{}:
			default:
				send(errorMsg(req.ReqID, protocol.ErrRateLimit, "too many requests in flight"))
				continue
			}
			wg.Add(1)
			go func(req protocol.ChunkReqMsg) {
				defer wg.Done()
				defer func() { <-inflight }()
				send(s.serveChunk(ctx, req))
			}(req)
		}
		if s.log != nil {
			s.log.Printf("session %s closed", sessionID)
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.sessions.Done()
}

// Close refuses new sessions, closes the open ones and waits until their
// handlers have returned or ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveChunk(ctx context.Context, req protocol.ChunkReqMsg) outMsg {
	pos := req.Chunk()
	k := store.ChunkKey{CX: pos[0], CY: pos[1], CZ: pos[2]}
	ch, err := s.store.GetOrGenChunk(ctx, k)
	if err != nil {
		if !errors.Is(err, context.Canceled) && s.log != nil {
			s.log.Printf("chunk %s: %v", k, err)
		}
		return errorMsg(req.ReqID, protocol.ErrInternal, "chunk build failed")
	}
	hdr := protocol.ChunkMsg{
		Type:            protocol.TypeChunk,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Pos:             pos,
		Levels:          ch.Tree.Levels(),
		SideLength:      ch.Tree.SideLength(),
		NodeCount:       ch.Tree.Len(),
		Uniform:         ch.Tree.Len() == 1,
		Digest:          ch.DigestHex(),
	}
	b, _ := json.Marshal(hdr)
	return outMsg{text: b, bin: ch.Tree.Bytes()}
}

func errorMsg(reqID, code, message string) outMsg {
	b, _ := json.Marshal(protocol.NewError(reqID, code, message))
	return outMsg{text: b}
}

func (s *Server) write(conn *websocket.Conn, m outMsg) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, m.text); err != nil {
		return err
	}
	if m.bin == nil {
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, m.bin)
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, maxQ int) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", 0
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", 0
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", 0
	}
	if !protocol.Compatible(hello.ProtocolVersion) {
		_ = writeJSON(conn, protocol.NewError("", protocol.ErrProtoVersion, "unsupported protocol_version"), s.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", 0
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ = hello.Capabilities.MaxQueue
	if maxQ <= 0 || maxQ > s.cfg.MaxQueue {
		maxQ = s.cfg.MaxQueue
	}

	sessionID = uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		MaxQueue:        maxQ,
		WorldParams:     s.cfg.World,
		TuningDigest:    s.cfg.TuningDigest,
	}
	if err := writeJSON(conn, welcome, s.cfg.WriteTimeout); err != nil {
		return "", 0
	}
	if s.log != nil {
		s.log.Printf("session %s: %s connected (max_queue=%d)", sessionID, hello.ClientName, maxQ)
	}
	return sessionID, maxQ
}

func writeJSON(conn *websocket.Conn, v any, timeout time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
