package http

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
)

// Feed timing
const (
	feedWriteTimeout = 5 * time.Second
	feedPingInterval = 30 * time.Second
)

// Feed message types
const (
	feedWindow  = "window"
	feedDropped = "dropped"
)

// feedMessage is one websocket frame of the aggregate feed.
type feedMessage struct {
	Type    string             `json:"type"`
	Window  *aggregator.Result `json:"window,omitempty"`
	Dropped int64              `json:"dropped,omitempty"`
}

// checkOrigin admits configured CORS origins, otherwise same-host only.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if g.cfg.EnableCORS {
		return g.cfg.AllowsOrigin(origin)
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleFeed streams newly flushed windows, optionally for one metric name,
// until the client goes away or the gateway stops. A client that falls
// behind loses the oldest windows and is told how many.
func (g *Gateway) handleFeed(w http.ResponseWriter, r *http.Request) {
	if g.aggregates == nil {
		writeError(w, http.StatusNotFound, "aggregates are not served by this process")
		return
	}
	g.mu.RLock()
	stopping := g.stopping
	g.mu.RUnlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		g.logger.Debug("Websocket upgrade failed", "error", err, "request_id", RequestID(r.Context()))
		return
	}
	g.feeds.Add(1)
	defer g.feeds.Done()
	defer conn.Close()

	sub := g.aggregates.Subscribe(r.URL.Query().Get("name"), g.cfg.FeedBuffer)
	defer sub.Close()

	// The read side only watches for the client closing.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	var reported int64
	for {
		select {
		case <-closed:
			return
		case <-stopping:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		case <-sub.Ready():
			if dropped := sub.Dropped(); dropped > reported {
				if err := g.writeFeed(conn, feedMessage{Type: feedDropped, Dropped: dropped - reported}); err != nil {
					return
				}
				reported = dropped
			}
			for _, res := range sub.Drain() {
				if err := g.writeFeed(conn, feedMessage{Type: feedWindow, Window: &res}); err != nil {
					return
				}
			}
		}
	}
}

func (g *Gateway) writeFeed(conn *websocket.Conn, msg feedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		g.logger.Debug("Websocket write failed", "error", err)
		return err
	}
	return nil
}
