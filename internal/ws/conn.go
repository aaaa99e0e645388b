package ws

import (
	"net/http"
	"sync"
	"time"

	"messenger/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	readLimit    = 1 << 20 // 1MB
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	eventsPerSec = 20
	eventsBurst  = 40
)

// Client 对应一个 websocket 连接。authUserID、authUserName 取自 access token；
// userID、userName、rooms 由 Hub 在 mu 保护下修改。
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	authUserID   string
	authUserName string
	limiter      *rate.Limiter

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	userID   string
	userName string
	rooms    map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, authUserID, authUserName string) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		authUserID:   authUserID,
		authUserName: authUserName,
		limiter:      rate.NewLimiter(rate.Limit(eventsPerSec), eventsBurst),
		send:         make(chan []byte, sendBuffer),
		rooms:        make(map[string]struct{}),
	}
}

func (c *Client) identity() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.userID
}

// announced 返回 connect_user 声明的 id 与用户名。
func (c *Client) announced() (string, string) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.userID, c.userName
}

func (c *Client) enqueue(b []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 校验 access token 后升级连接；身份仍需通过 connect_user 声明。
func Serve(h *Hub, tm *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c)
		}
		claims := tm.VerifyAccess(token)
		if claims == nil {
			c.JSON(http.StatusForbidden, gin.H{"message": "User is not authorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("user_id", claims.UserID).Msg("ws upgrade")
			return
		}
		client := newClient(h, conn, claims.UserID, claims.Name)
		h.Register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.authUserID).Msg("ws read")
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.sendError(c, "", "Too many requests")
			continue
		}
		c.hub.Dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
