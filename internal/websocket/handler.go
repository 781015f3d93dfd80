package websocket

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ServeWs runs one socket: it mints the clientId, registers with the hub
// and pumps until the peer goes away.
func ServeWs(hub *Hub, c *websocket.Conn) {
	client := NewClient(hub, c, uuid.NewString())
	if !hub.Register(client) {
		c.Close()
		return
	}

	go client.writePump()
	client.readPump() // Run readPump in current goroutine (handler)
}

// Handler is the fiber route for GET /api/ws.
func Handler(hub *Hub) fiber.Handler {
	upgrade := websocket.New(func(c *websocket.Conn) {
		hub.logger.Debug("Hub", "WebSocket session started", map[string]interface{}{"remote": c.RemoteAddr().String()})
		ServeWs(hub, c)
	})
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return upgrade(c)
		}
		return fiber.ErrUpgradeRequired
	}
}
