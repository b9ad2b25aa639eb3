package shard

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	tnet "github.com/chainpulse/telemetry/src/net"
	"github.com/chainpulse/telemetry/src/state"
)

// Server terminates node websocket connections on /submit. Each accepted
// connection becomes a Session with a fresh node ID; IDs count up and are
// never reused for the lifetime of the process.
type Server struct {
	bindAddr string
	agg      *Aggregator
	logger   *logrus.Entry
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	sessions map[state.NodeID]*Session
	lastID   state.NodeID
	listener net.Listener

	srv *http.Server
}

// NewServer instantiates the node submission server.
func NewServer(bindAddr string, agg *Aggregator, logger *logrus.Entry) *Server {
	server := &Server{
		bindAddr: bindAddr,
		agg:      agg,
		logger:   logger.WithField("component", "submit_server"),
		upgrader: tnet.NewUpgrader(),
		sessions: make(map[state.NodeID]*Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", server.handleSubmit)

	server.srv = &http.Server{
		Addr:    bindAddr,
		Handler: mux,
	}

	return server
}

// Serve binds the address and accepts node connections until Shutdown.
// This is a blocking call.
func (s *Server) Serve() {
	listener, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		s.logger.Error(err)
		return
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.WithField("bind_address", listener.Addr().String()).Debug("Accepting node connections")

	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Addr returns the bound address, once Serve has opened the listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.bindAddr
	}
	return s.listener.Addr().String()
}

// Shutdown closes every session and stops the HTTP server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close("shard shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(err)
	}
}

// NumSessions returns the number of live sessions.
func (s *Server) NumSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseNode terminates one session, if it is still live. The core's quota
// rejections land here.
func (s *Server) CloseNode(id state.NodeID, reason string) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.WithFields(logrus.Fields{"node": id, "reason": reason}).Debug("closing node session")
	session.Close(reason)
}

// Snapshot returns add entries for every bound session, in node ID order.
// The link announces this after a reconnect, when the core has purged the
// shard's previous contribution.
func (s *Server) Snapshot() []tnet.Entry {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})

	entries := make([]tnet.Entry, 0, len(sessions))
	for _, session := range sessions {
		if entry, ok := session.SnapshotEntry(); ok {
			entries = append(entries, entry)
		}
	}

	return entries
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.lastID++
	id := s.lastID
	session := newSession(id, conn, s.agg, s.removeSession, s.logger)
	s.sessions[id] = session
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"node": id,
		"from": conn.RemoteAddr().String(),
	}).Debug("accepted node connection")

	go session.run()
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
}
