package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/opendxa/processing/internal/auth"
	"github.com/opendxa/processing/internal/model"
	ws "github.com/opendxa/processing/internal/websocket"
)

// Upgrade rejects plain HTTP requests on websocket routes
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Socket joins an authenticated connection to its team rooms. It must run
// behind the auth middleware.
func Socket(hub *ws.Hub) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		claims, ok := c.Locals("claims").(*auth.Claims)
		if !ok {
			c.Close()
			return
		}
		rooms := make([]string, len(claims.TeamIDs))
		for i, team := range claims.TeamIDs {
			rooms[i] = model.TeamRoom(team)
		}
		hub.HandleConnection(c, rooms)
	})
}
