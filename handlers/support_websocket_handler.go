package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"LiteSupport/models"
	"LiteSupport/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type SupportWebSocketHandler struct {
	hub *SupportHub
}

func NewSupportWebSocketHandler(hub *SupportHub) *SupportWebSocketHandler {
	return &SupportWebSocketHandler{hub: hub}
}

func (h *SupportWebSocketHandler) HandleWebSocket(c echo.Context) error {
	user := c.Get("user").(*models.User)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	role := models.SenderRequester
	if user.IsOperator() {
		role = models.SenderOperator
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SupportClient{
		ID:       uuid.New().String(),
		UserID:   user.ID,
		Username: user.Username,
		Role:     role,
		Conn:     ws,
		Send:     make(chan protocol.ServerEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
	}

	// 注册到 hub
	h.hub.Register <- client

	// 启动写入goroutine
	go h.writePump(client)

	// 当前goroutine处理读取
	h.readPump(client)

	return nil
}

// 读取客户端事件
func (h *SupportWebSocketHandler) readPump(client *SupportClient) {
	defer func() {
		h.hub.Unregister <- client
		client.Conn.Close()
	}()

	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var env protocol.Envelope
		err := client.Conn.ReadJSON(&env)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		event, err := protocol.DecodeClient(env)
		if err != nil {
			// 无法解码的帧丢弃，不断开
			log.Printf("Dropping undecodable frame: %v", err)
			continue
		}

		h.hub.Inbound <- inboundEvent{client: client, event: event}
	}
}

// 向客户端写入事件
func (h *SupportWebSocketHandler) writePump(client *SupportClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.ctx.Done():
			return

		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			env, err := protocol.Encode(event)
			if err != nil {
				log.Printf("Encode error: %v", err)
				continue
			}
			if err := client.Conn.WriteJSON(env); err != nil {
				log.Printf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
