package server

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiv248/adopted/pkg/database"
	"github.com/shiv248/adopted/pkg/logger"
	"github.com/shiv248/adopted/pkg/ot"
)

// Document pairs a Session with the bookkeeping the server needs to
// decide when it is idle enough to evict.
type Document struct {
	LastAccessed time.Time
	Session      *Session
}

// Config bundles the knobs a Server needs beyond its database handle.
type Config struct {
	MaxTotalLogSize     uint64
	MaxDocumentSize     int
	BroadcastBufferSize int
	WSReadTimeout       time.Duration
	WSWriteTimeout      time.Duration
}

// DefaultConfig returns the teacher's historical defaults, expressed for
// the vector-clock engine: a 2048-request log-retention window (spec.md
// §6's stated default), a document size cap of 256*1024 runes, and the same socket
// timeouts the teacher used.
func DefaultConfig() Config {
	return Config{
		MaxTotalLogSize:     2048,
		MaxDocumentSize:     256 * 1024,
		BroadcastBufferSize: 16,
		WSReadTimeout:       30 * time.Minute,
		WSWriteTimeout:      10 * time.Second,
	}
}

// ServerState holds all server-wide state.
type ServerState struct {
	documents sync.Map // map[string]*Document
	startTime time.Time
	db        *database.Database
	cfg       Config
}

// Stats reports server-wide counters for /api/stats.
type Stats struct {
	StartTime    int64 `json:"start_time"`
	NumDocuments int   `json:"num_documents"`
	DatabaseSize int   `json:"database_size"`
}

// Server is the collaborative editing HTTP + WebSocket server.
type Server struct {
	state *ServerState
	mux   *http.ServeMux
}

// NewServer creates a Server backed by an optional database (nil
// disables persistence) and the given config.
func NewServer(db *database.Database, cfg Config) *Server {
	s := &Server{
		state: &ServerState{startTime: time.Now(), db: db, cfg: cfg},
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/socket/", s.handleSocket)
	s.mux.HandleFunc("/api/text/", s.handleText)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/document/", s.handleProtect)
	s.mux.Handle("/metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSocket upgrades a document's WebSocket connection at
// /api/socket/{id}.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	doc := s.getOrCreateDocument(docID)
	doc.LastAccessed = time.Now()

	if otp := doc.Session.OTP(); otp != nil && *otp != r.URL.Query().Get("otp") {
		http.Error(w, "otp required", http.StatusUnauthorized)
		return
	}

	if s.state.db != nil {
		go s.persister(r.Context(), docID, doc.Session)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("websocket upgrade failed for %s: %v", docID, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	pid, updates, history, language, users, cursors := doc.Session.Join()
	logger.Info("user %d joined document %s", pid, docID)

	connHandler := NewConnection(doc.Session, conn, pid, s.state.cfg.WSReadTimeout, s.state.cfg.WSWriteTimeout)
	if err := connHandler.Handle(r.Context(), updates, history, language, users, cursors); err != nil {
		logger.Debug("connection %d on %s ended: %v", pid, docID, err)
	}
}

// handleText returns the current document text at /api/text/{id}.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/text/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if val, ok := s.state.documents.Load(docID); ok {
		w.Write([]byte(val.(*Document).Session.Text()))
		return
	}

	if s.state.db != nil {
		if persisted, err := s.state.db.Load(docID); err != nil {
			logger.Error("loading document %s from database: %v", docID, err)
		} else if persisted != nil {
			w.Write([]byte(persisted.Text))
			return
		}
	}

	w.Write(nil)
}

// handleStats reports server-wide counters at /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	numDocs := 0
	s.state.documents.Range(func(_, _ interface{}) bool {
		numDocs++
		return true
	})

	dbSize := 0
	if s.state.db != nil {
		if count, err := s.state.db.Count(); err == nil {
			dbSize = count
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Stats{
		StartTime:    s.state.startTime.Unix(),
		NumDocuments: numDocs,
		DatabaseSize: dbSize,
	})
}

// protectRequest is the REST payload used to set or clear a document's
// OTP gate, issued by whichever connected user requested the change.
type protectRequest struct {
	UserID   uint64 `json:"user_id"`
	UserName string `json:"user_name"`
	OTP      string `json:"otp"`
}

// handleProtect enables or disables OTP protection for a document at
// POST/DELETE /api/document/{id}/protect.
func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	if s.state.db == nil {
		http.Error(w, "document protection requires a database", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/document/")
	docID, action, ok := strings.Cut(path, "/")
	if !ok || action != "protect" || docID == "" {
		http.NotFound(w, r)
		return
	}

	var req protectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	val, ok := s.state.documents.Load(docID)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	session := val.(*Document).Session
	user := ot.PID(req.UserID)

	switch r.Method {
	case http.MethodPost:
		otp := GenerateOTP()
		session.SetOTP(user, &otp)
		json.NewEncoder(w).Encode(struct {
			OTP string `json:"otp"`
		}{OTP: otp})
	case http.MethodDelete:
		session.SetOTP(user, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getOrCreateDocument(id string) *Document {
	if val, ok := s.state.documents.Load(id); ok {
		return val.(*Document)
	}

	var session *Session
	if s.state.db != nil {
		if persisted, err := s.state.db.Load(id); err == nil && persisted != nil {
			logger.Info("loaded document %s from database", id)
			session = FromPersistedDocument(id, persisted.Text, persisted.Language,
				s.state.cfg.MaxTotalLogSize, s.state.cfg.MaxDocumentSize, s.state.cfg.BroadcastBufferSize)
		}
	}
	if session == nil {
		session = NewSession(id, s.state.cfg.MaxTotalLogSize, s.state.cfg.MaxDocumentSize, s.state.cfg.BroadcastBufferSize)
	}

	doc := &Document{LastAccessed: time.Now(), Session: session}
	actual, _ := s.state.documents.LoadOrStore(id, doc)
	return actual.(*Document)
}

// StartCleaner runs until ctx is canceled, periodically killing
// documents idle longer than expiry.
func (s *Server) StartCleaner(ctx context.Context, expiry time.Duration, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredDocuments(expiry)
		}
	}
}

func (s *Server) cleanupExpiredDocuments(expiry time.Duration) {
	now := time.Now()
	var toDelete []string

	s.state.documents.Range(func(key, value interface{}) bool {
		docID := key.(string)
		doc := value.(*Document)
		if now.Sub(doc.LastAccessed) > expiry && doc.Session.UserCount() == 0 {
			toDelete = append(toDelete, docID)
		}
		return true
	})

	for _, id := range toDelete {
		if val, ok := s.state.documents.LoadAndDelete(id); ok {
			logger.Info("cleaner evicting idle document %s", id)
			val.(*Document).Session.Kill()
		}
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown kills every live document session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.state.documents.Range(func(_, value interface{}) bool {
		value.(*Document).Session.Kill()
		return true
	})
	return nil
}

// persister periodically snapshots a document's text to the database
// while it remains live, jittered to avoid a thundering herd across
// many documents on the same persist interval.
func (s *Server) persister(ctx context.Context, id string, session *Session) {
	if s.state.db == nil {
		return
	}

	const persistInterval = 3 * time.Second
	const persistJitter = 1 * time.Second

	lastRevision := 0

	for {
		jitter := time.Duration(rand.Int63n(int64(persistJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(persistInterval + jitter):
		}

		if session.Killed() {
			return
		}

		revision := session.Revision()
		if revision <= lastRevision {
			continue
		}

		text, language := session.Snapshot()
		doc := &database.PersistedDocument{ID: id, Text: text, Language: language}
		if err := s.state.db.Store(doc); err != nil {
			logger.Error("persisting document %s: %v", id, err)
			continue
		}
		lastRevision = revision
	}
}
