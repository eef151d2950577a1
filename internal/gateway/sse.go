package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultKeepAlive    = 15 * time.Second
	sessionBuffer       = 64
	messageEndpointPath = "/messages"
	sessionIDQueryParam = "sessionId"
)

// session is one open server-push stream.
type session struct {
	id     string
	userID string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

// send queues a message for the stream. It blocks while the buffer is
// full and gives up once the session is closed.
func (s *session) send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// SessionManager tracks open SSE sessions.
type SessionManager struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewSessionManager creates a manager. keepAlive <= 0 uses 15s.
func NewSessionManager(keepAlive time.Duration, logger *zap.Logger) *SessionManager {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &SessionManager{
		sessions:  make(map[string]*session),
		keepAlive: keepAlive,
		logger:    logger,
	}
}

func (m *SessionManager) open(userID string) *session {
	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		out:    make(chan []byte, sessionBuffer),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

func (m *SessionManager) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) remove(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	s.close()
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll ends every open stream.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.close()
		delete(m.sessions, id)
	}
}

// serve streams events for s until the client disconnects or the session
// is closed.
func (m *SessionManager) serve(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, s *session) {
	defer m.remove(s)

	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.out:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSSE implements GET /sse.
func (d *Dependencies) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "streaming unsupported"})
		return
	}
	caller := callerFromRequest(r)

	s := d.Sessions.open(caller.UserID)
	d.Logger.Info("sse session opened",
		zap.String("session_id", s.id),
		zap.String("user_id", caller.UserID),
	)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s?%s=%s\n\n", messageEndpointPath, sessionIDQueryParam, s.id) //nolint:errcheck
	flusher.Flush()

	d.Sessions.serve(r.Context(), w, flusher, s)
	d.Logger.Info("sse session closed", zap.String("session_id", s.id))
}

// handleSessionMessage implements POST /messages?sessionId=. The response
// to the JSON-RPC body is delivered on the session's stream.
func (d *Dependencies) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(sessionIDQueryParam)
	s, ok := d.Sessions.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "unknown session"})
		return
	}
	caller := callerFromRequest(r)
	if caller.UserID != s.userID {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "session belongs to another caller"})
		return
	}

	body, readErr := readBody(w, r)

	w.WriteHeader(http.StatusAccepted)

	ctx := r.Context()
	meta := callMeta{Transport: "sse", SessionID: s.id}
	go func() {
		var out any
		if readErr != nil {
			out = bodyErrorResponse(readErr)
		} else {
			var ok bool
			if out, ok = d.handleBody(ctx, body, meta); !ok {
				return
			}
		}
		msg, err := json.Marshal(out)
		if err != nil {
			d.Logger.Error("encode session response failed", zap.Error(err))
			return
		}
		if !s.send(msg) {
			d.Logger.Info("session closed before response delivery",
				zap.String("session_id", s.id),
			)
		}
	}()
}
