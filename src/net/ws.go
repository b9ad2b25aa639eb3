package net

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Keepalive parameters shared by every websocket endpoint. A peer that has
// not answered a ping within PongWait is considered gone.
const (
	// WriteWait is the time allowed to write one message to a peer.
	WriteWait = 10 * time.Second

	// PongWait is the time allowed since the last pong or data frame
	// before a read fails.
	PongWait = 60 * time.Second

	// PingPeriod is the interval between pings. It must be shorter than
	// PongWait so a healthy peer always answers in time.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds inbound websocket frames.
	MaxMessageSize = 64 * 1024
)

// NewUpgrader returns the websocket upgrader used by the telemetry
// endpoints. Origin checks are disabled: nodes are not browsers and feeds
// are served to dashboards on any origin.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
