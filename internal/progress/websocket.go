package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/interfaces"
)

// upgrader is intentionally permissive on origin: the push channel carries
// no control-plane operations, only read-only status deltas, and sits
// behind whatever auth the external API layer enforces.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ServeSubscription upgrades r to a websocket and streams ProgressEvents
// for (tenantID, jobID) until the connection closes or ctx is done.
func ServeSubscription(ctx context.Context, logger arbor.ILogger, pub interfaces.ProgressPublisher, w http.ResponseWriter, r *http.Request, tenantID, jobID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := pub.Subscribe(tenantID, jobID)
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to marshal progress event")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
