package core

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/telemetry/src/metrics"
	tnet "github.com/chainpulse/telemetry/src/net"
)

// FeedServer terminates feed websocket connections on /feed. Each accepted
// connection becomes a Feed with a fresh ID; IDs count up and are never
// reused for the lifetime of the process.
type FeedServer struct {
	bindAddr  string
	registry  *Registry
	queueSize int
	logger    *logrus.Entry
	upgrader  *websocket.Upgrader

	mu       sync.Mutex
	feeds    map[uint64]*Feed
	lastID   uint64
	listener net.Listener

	srv *http.Server
}

// NewFeedServer instantiates the feed server.
func NewFeedServer(bindAddr string, registry *Registry, queueSize int, logger *logrus.Entry) *FeedServer {
	server := &FeedServer{
		bindAddr:  bindAddr,
		registry:  registry,
		queueSize: queueSize,
		logger:    logger.WithField("component", "feed_server"),
		upgrader:  tnet.NewUpgrader(),
		feeds:     make(map[uint64]*Feed),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", server.handleFeed)

	server.srv = &http.Server{
		Addr:    bindAddr,
		Handler: mux,
	}

	return server
}

// Serve binds the address and accepts feed connections until Shutdown.
// This is a blocking call.
func (s *FeedServer) Serve() {
	listener, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		s.logger.Error(err)
		return
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.WithField("bind_address", listener.Addr().String()).Debug("Accepting feed connections")

	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Addr returns the bound address, once Serve has opened the listener.
func (s *FeedServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return s.bindAddr
	}
	return s.listener.Addr().String()
}

// Shutdown closes every feed and stops the HTTP server.
func (s *FeedServer) Shutdown() {
	s.mu.Lock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed)
	}
	s.mu.Unlock()

	for _, feed := range feeds {
		feed.Close("core shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(err)
	}
}

// NumFeeds returns the number of live feed connections.
func (s *FeedServer) NumFeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func (s *FeedServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.lastID++
	feed := newFeed(s.lastID, conn, s.registry, s.queueSize, s.removeFeed, s.logger)
	s.feeds[feed.ID()] = feed
	s.mu.Unlock()

	metrics.RecordFeedConnected()
	s.logger.WithFields(logrus.Fields{
		"feed":   feed.ID(),
		"remote": conn.RemoteAddr(),
	}).Debug("feed connected")

	go feed.run()
}

func (s *FeedServer) removeFeed(feed *Feed) {
	s.mu.Lock()
	delete(s.feeds, feed.ID())
	s.mu.Unlock()

	metrics.RecordFeedDisconnected()
}
