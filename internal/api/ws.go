package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is consumed by same-deployment frontends and gateways.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// envelope is the framed event sent to websocket clients.
type envelope struct {
	Topic pubsub.Topic `json:"topic"`
	Data  any          `json:"data"`
}

// handleWebsocket streams metric updates and alarm transitions to one
// client. Each connection holds its own broker subscriptions; a slow
// client drops events in its own buffers without affecting others.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	metricSub := s.broker.Subscribe(pubsub.TopicMetricUpdate, 0)
	defer metricSub.Unsubscribe()
	alarmSub := s.broker.Subscribe(pubsub.TopicAlarmStateChange, 0)
	defer alarmSub.Unsubscribe()

	// Reader goroutine: consume control frames, detect close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-metricSub.C:
			if !ok {
				return
			}
			if !s.writeEnvelope(conn, pubsub.TopicMetricUpdate, ev) {
				return
			}
		case ev, ok := <-alarmSub.C:
			if !ok {
				return
			}
			if !s.writeEnvelope(conn, pubsub.TopicAlarmStateChange, ev) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEnvelope(conn *websocket.Conn, topic pubsub.Topic, data any) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(envelope{Topic: topic, Data: data}); err != nil {
		log.Debug().Err(err).Msg("Websocket write failed")
		return false
	}
	return true
}
