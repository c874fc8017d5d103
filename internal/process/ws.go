package process

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) Kind() string { return "ws" }

func (t *wsTransport) Write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

// WSHandler upgrades to a websocket and serves the process protocol on it.
func WSHandler(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("ws")
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}
		ws.SetReadLimit(wsMaxMessage)

		client := hub.Connect(&wsTransport{ws: ws})
		log.Info("client connected", zap.String("client", client.ID()), zap.String("remote", c.ClientIP()))
		hub.Welcome(client)

		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				break
			}
			hub.Handle(client, payload)
		}

		hub.Disconnect(client)
		log.Info("client disconnected", zap.String("client", client.ID()))
	}
}
