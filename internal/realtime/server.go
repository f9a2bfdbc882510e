package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"coachbot/internal/coach"
	"coachbot/internal/protocol"
	"coachbot/internal/retention"
	"coachbot/internal/session"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator pages may be served from another host.
	},
}

// Server exposes the coaching web surface: chat pages, the JSON API, the
// operator and data protection pages, and the live-monitor WebSocket.
type Server struct {
	svc       *coach.Service
	registry  *session.Registry
	sweeper   *retention.Sweeper
	clients   map[*client]bool
	clientsMu sync.RWMutex
	log       *logrus.Entry
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string

	mu     sync.Mutex
	closed bool
}

// New creates a new realtime server. sweeper backs the manual retention
// endpoint.
func New(svc *coach.Service, sweeper *retention.Sweeper) *Server {
	return &Server{
		svc:      svc,
		registry: svc.Registry(),
		sweeper:  sweeper,
		clients:  make(map[*client]bool),
		log:      logrus.WithField("component", "http"),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Coachee pages and chat API.
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /coaching", s.handleNewCoaching)
	mux.HandleFunc("GET /coaching-session/{id}", s.handleSessionPage)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/intelligent-chat", s.handleChat)
	mux.HandleFunc("POST /chat/{id}", s.handleChat)

	// Operator surface.
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /live-monitoring", s.handleLiveMonitoring)
	mux.HandleFunc("POST /coach-takeover/{id}", s.handleTakeover)
	mux.HandleFunc("POST /add-coach-note/{id}", s.handleAddNote)

	// Data protection.
	mux.HandleFunc("GET /dsgvo-dashboard", s.handleDSGVODashboard)
	mux.HandleFunc("POST /dsgvo/delete-old-sessions", s.handleDeleteOldSessions)
	mux.HandleFunc("GET /dsgvo/export-data/{id}", s.handleExport)
	mux.HandleFunc("POST /dsgvo/consent", s.handleConsent)

	return requestLogger(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The WebSocket upgrade needs the raw writer.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("request")
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket and streams
// registry events to it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()

	// Replay history first so the session list that follows is the most
	// recent state.
	subID, events, history := s.registry.Subscribe()
	c.subID = subID
	for _, ev := range history {
		s.sendEvent(c, ev)
	}
	s.sendSessionList(c)
	go func() {
		for ev := range events {
			s.sendEvent(c, ev)
		}
	}()

	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	sessions := s.registry.List()
	payload := protocol.SessionListPayload{Sessions: make([]protocol.SessionUpdatePayload, 0, len(sessions))}
	for _, sess := range sessions {
		payload.Sessions = append(payload.Sessions, s.updatePayload(sess.Summarize(), ""))
	}
	s.sendTo(c, protocol.TypeSessionList, payload)
}

func (s *Server) updatePayload(sum session.Summary, detail string) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:                 sum.ID,
		Source:             string(sum.Source),
		Mode:               string(sum.Mode),
		CurrentPhase:       sum.CurrentPhase,
		PhaseName:          s.svc.Script().PhaseName(sum.CurrentPhase),
		TotalProgress:      sum.TotalProgress,
		MessageCount:       sum.MessageCount,
		InterventionNeeded: sum.InterventionNeeded,
		Email:              sum.Email,
		CreatedAt:          sum.CreatedAt.Format(time.RFC3339Nano),
		Detail:             detail,
	}
}

// sendEvent translates one registry event into live-monitor messages.
func (s *Server) sendEvent(c *client, ev session.Event) {
	if ev.Type == session.EventDeleted {
		s.sendTo(c, protocol.TypeSessionDeleted, protocol.SessionDeletedPayload{SessionID: ev.SessionID})
		return
	}
	if ev.Summary != nil {
		s.sendTo(c, protocol.TypeSessionUpdate, s.updatePayload(*ev.Summary, ev.Detail))
	}
	if ev.Type == session.EventIntervention {
		s.sendTo(c, protocol.TypeSessionIntervention, protocol.SessionInterventionPayload{
			SessionID: ev.SessionID,
			Trigger:   ev.Detail,
		})
	}
	if ev.Message != nil {
		s.sendTo(c, protocol.TypeSessionMessage, protocol.SessionMessagePayload{
			SessionID:    ev.SessionID,
			Role:         string(ev.Message.Role),
			Text:         ev.Message.Text,
			Intervention: ev.Message.Intervention,
			Timestamp:    ev.Message.Timestamp.Format(time.RFC3339Nano),
		})
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.WithError(err).Warn("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data unless the client is gone or its buffer is full.
func (c *client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if c.subID != "" {
		s.registry.Unsubscribe(c.subID)
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionTakeover:
		var p protocol.SessionTakeoverPayload
		json.Unmarshal(msg.Payload, &p)
		_, err = s.svc.Takeover(p.SessionID, p.Reason)

	case protocol.TypeCoachNote:
		var p protocol.CoachNotePayload
		json.Unmarshal(msg.Payload, &p)
		_, err = s.registry.AddNote(p.SessionID, p.Note)

	case protocol.TypeCoachReply:
		var p protocol.CoachReplyPayload
		json.Unmarshal(msg.Payload, &p)
		_, err = s.registry.AddCoachReply(p.SessionID, p.Text)
	}

	if err != nil {
		code := protocol.ErrInternal
		if errors.Is(err, session.ErrNotFound) {
			code = protocol.ErrSessionNotFound
		}
		s.sendError(c, code, err.Error())
	}
}

// ClientCount returns the number of connected live monitors.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) sendTo(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.WithError(err).Error("build websocket message")
		return
	}
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.trySend(data)
}
