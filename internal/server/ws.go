package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/shopstream/internal/observability"
)

// handleWS upgrades the request and streams stock events from the hub until
// the client goes away. Writes are paced by a per-connection rate limiter so
// one flash-sale burst cannot saturate a slow client; the hub's own buffer
// drops oldest when the pace is still too slow.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Error("ws: accept failed", observability.F("error", err))
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subID, events, err := s.hub.Subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer s.hub.Unsubscribe(subID)

	// The read side only detects disconnects; clients never send payloads.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ratePerSecond := s.push.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	burst := s.push.Burst
	if burst <= 0 {
		burst = 100
	}
	writeTimeout := s.push.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	limiter := rate.NewLimiter(rate.Limit(ratePerSecond), burst)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				observability.Log().Error("ws: encode event failed",
					observability.F("event_id", evt.EventID),
					observability.F("error", err))
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
