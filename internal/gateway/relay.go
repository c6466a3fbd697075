package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpstreamDialer opens a websocket to the brokerage stream. Split out so
// relay tests can substitute an in-process upstream.
type UpstreamDialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

func defaultUpstreamDialer(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	return conn, err
}

// relayStream upgrades the caller's connection and pipes frames from the
// brokerage channel through verbatim. One upstream connection per caller;
// heartbeats pass through so the caller can run its own staleness logic.
func (s *Server) relayStream(c *gin.Context, channel string) {
	upstream, err := s.dialUpstream(c.Request.Context(), s.Broker.StreamEndpoint(channel), s.Broker.StreamHeader())
	if err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("upstream dial failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "UPSTREAM_UNAVAILABLE",
			"error": "brokerage stream unavailable",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		_ = upstream.Close()
		return
	}
	defer conn.Close()
	defer upstream.Close()

	// Drain the caller side so close frames and pings are serviced; any
	// read error tears the relay down.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	upstreamMsgs := make(chan []byte, 64)
	upstreamGone := make(chan struct{})
	go func() {
		defer close(upstreamGone)
		for {
			_, msg, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			select {
			case upstreamMsgs <- msg:
			case <-clientGone:
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-upstreamGone:
			return
		case msg := <-upstreamMsgs:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
