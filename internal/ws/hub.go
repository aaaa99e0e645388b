package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"messenger/internal/events"
	"messenger/internal/keymutex"
	"messenger/internal/metrics"
	"messenger/internal/models"
	"messenger/internal/service"

	"github.com/rs/zerolog/log"
)

// 入站事件。
const (
	EventConnectUser    = "connect_user"
	EventDisconnectUser = "disconnect_user"
	EventCreateChat     = "create_chat"
	EventSendMessage    = "send_message"
	EventStartTyping    = "start_typing"
	EventStopTyping     = "stop_typing"
)

// 出站事件。
const (
	EventConnected           = "socket_successfully_connected"
	EventDisconnected        = "socket_successfully_disconnected"
	EventParticipantJoined   = "participant_connected"
	EventParticipantLeft     = "participant_disconnected"
	EventChatCreated         = "created_chat_successfully"
	EventReceiveMessage      = "receive_message"
	EventReceiverStartTyping = "receiver_start_typing"
	EventReceiverStopTyping  = "receiver_stop_typing"
	EventError               = "error"
)

const handlerTimeout = 10 * time.Second

// ChatStore 是 Hub 依赖的会话存储。
type ChatStore interface {
	GetUserChats(ctx context.Context, userID, userName string) ([]models.Chat, error)
	AddChat(ctx context.Context, chatID, userID, receiverID string) (*models.Chat, bool, error)
	SaveMessages(ctx context.Context, chatID string, msgs []models.Message) (*models.Chat, error)
}

type FriendStore interface {
	FriendsOnlineStatuses(ctx context.Context, userID string) (map[string]bool, error)
}

type PresenceStore interface {
	ChangeOnlineStatus(ctx context.Context, userID string, online bool) error
	TouchOnlineStatuses(ctx context.Context, userIDs []string) error
	ExpireOnlineStatuses(ctx context.Context, cutoff time.Time) (int64, error)
}

// Frame 是双向通用的消息外壳。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type userPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type createChatPayload struct {
	ChatID     string `json:"chatId"`
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
}

type typingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type connectedPayload struct {
	OnlineStatuses map[string]bool `json:"onlineStatuses"`
	Chats          []models.Chat   `json:"chats"`
}

type chatCreatedPayload struct {
	Chat      *models.Chat `json:"chat"`
	IsCreated bool         `json:"isCreated"`
}

type errorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Hub 维护连接、用户与房间（一个会话对应一个房间）之间的映射。
// 一个用户可以同时持有多个连接；最后一个连接离开时才置为离线。
type Hub struct {
	chats    ChatStore
	friends  FriendStore
	presence PresenceStore
	events   events.Publisher

	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	// 同一房间内的消息与输入状态按处理顺序扇出。
	roomLocks *keymutex.KeyMutex
	now       func() time.Time
}

func NewHub(chats ChatStore, friends FriendStore, presence PresenceStore, pub events.Publisher) *Hub {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Hub{
		chats:     chats,
		friends:   friends,
		presence:  presence,
		events:    pub,
		clients:   make(map[*Client]struct{}),
		users:     make(map[string]map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
		roomLocks: keymutex.New(),
		now:       time.Now,
	}
}

// Register 登记一个刚建立的传输层连接，此时尚未声明身份。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// Unregister 在传输层断开时调用，等价于一次隐式的 disconnect_user。
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.WsConnections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	h.detach(ctx, c)
	c.closeSend()
}

// Online 返回当前持有连接的用户数。
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// isOnline 报告用户是否至少有一个已声明身份的连接。
func (h *Hub) isOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) onlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch 解析并处理一帧入站数据。同一连接的帧由读协程顺序调用。
func (h *Hub) Dispatch(c *Client, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		h.sendError(c, "", "Malformed frame")
		return
	}
	metrics.WsEventsTotal.WithLabelValues(f.Event).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch f.Event {
	case EventConnectUser:
		var p userPayload
		if !h.decode(c, f, &p) {
			return
		}
		h.connectUser(ctx, c, p)
	case EventDisconnectUser:
		var p userPayload
		if !h.decode(c, f, &p) {
			return
		}
		h.disconnectUser(ctx, c, p)
	case EventCreateChat:
		var p createChatPayload
		if !h.decode(c, f, &p) {
			return
		}
		h.createChat(ctx, c, p)
	case EventSendMessage:
		var m models.Message
		if !h.decode(c, f, &m) {
			return
		}
		h.sendMessage(ctx, c, m)
	case EventStartTyping:
		var p typingPayload
		if !h.decode(c, f, &p) {
			return
		}
		h.typing(c, p, EventStartTyping, EventReceiverStartTyping)
	case EventStopTyping:
		var p typingPayload
		if !h.decode(c, f, &p) {
			return
		}
		h.typing(c, p, EventStopTyping, EventReceiverStopTyping)
	default:
		h.sendError(c, f.Event, "Unknown event")
	}
}

func (h *Hub) decode(c *Client, f Frame, v interface{}) bool {
	if len(f.Data) == 0 || json.Unmarshal(f.Data, v) != nil {
		h.sendError(c, f.Event, "Invalid payload")
		return false
	}
	return true
}

func (h *Hub) connectUser(ctx context.Context, c *Client, p userPayload) {
	if p.UserID == "" || p.UserID != c.authUserID || p.UserName != c.authUserName {
		h.sendError(c, EventConnectUser, service.Unauthorized().Error())
		return
	}
	// 重复声明视为先断开再连接。
	if c.identity() != "" {
		h.detach(ctx, c)
	}

	if err := h.presence.ChangeOnlineStatus(ctx, p.UserID, true); err != nil {
		h.fail(c, EventConnectUser, err)
		return
	}
	chats, err := h.chats.GetUserChats(ctx, p.UserID, p.UserName)
	if err != nil {
		h.fail(c, EventConnectUser, err)
		return
	}

	h.mu.Lock()
	c.userID, c.userName = p.UserID, p.UserName
	conns := h.users[p.UserID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[p.UserID] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	for _, chat := range chats {
		h.joinLocked(c, chat.ChatID)
	}
	metrics.OnlineUsers.Set(float64(len(h.users)))
	h.mu.Unlock()

	for _, chat := range chats {
		h.broadcast(chat.ChatID, c, EventParticipantJoined, userPayload{UserID: p.UserID})
	}

	statuses, err := h.friends.FriendsOnlineStatuses(ctx, p.UserID)
	if err != nil {
		h.fail(c, EventConnectUser, err)
		return
	}
	h.send(c, EventConnected, connectedPayload{OnlineStatuses: statuses, Chats: chats})

	if first {
		h.publish(ctx, events.PresenceOnline, events.Presence{UserID: p.UserID, Online: true, At: h.now()})
	}
	log.Debug().Str("user_id", p.UserID).Int("chats", len(chats)).Msg("ws user connected")
}

func (h *Hub) disconnectUser(ctx context.Context, c *Client, p userPayload) {
	if uid := c.identity(); uid == "" || uid != p.UserID {
		h.sendError(c, EventDisconnectUser, service.Unauthorized().Error())
		return
	}
	h.detach(ctx, c)
	h.send(c, EventDisconnected, nil)
}

// detach 让连接离开全部房间并通知房间成员，用户的最后一个连接离开时写入离线状态。
func (h *Hub) detach(ctx context.Context, c *Client) {
	h.mu.Lock()
	uid := c.userID
	if uid == "" {
		h.mu.Unlock()
		return
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
		h.leaveLocked(c, room)
	}
	c.userID, c.userName = "", ""
	last := false
	if conns := h.users[uid]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, uid)
			last = true
		}
	}
	metrics.OnlineUsers.Set(float64(len(h.users)))
	h.mu.Unlock()

	for _, room := range rooms {
		h.broadcast(room, c, EventParticipantLeft, userPayload{UserID: uid})
	}
	if !last {
		return
	}
	if err := h.presence.ChangeOnlineStatus(ctx, uid, false); err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("ws set offline")
	}
	h.publish(ctx, events.PresenceOffline, events.Presence{UserID: uid, Online: false, At: h.now()})
	log.Debug().Str("user_id", uid).Msg("ws user disconnected")
}

func (h *Hub) createChat(ctx context.Context, c *Client, p createChatPayload) {
	uid := c.identity()
	if uid == "" || uid != p.UserID {
		h.sendError(c, EventCreateChat, service.Unauthorized().Error())
		return
	}
	if p.ChatID != service.ChatID(p.UserID, p.ReceiverID) {
		h.sendError(c, EventCreateChat, "Invalid chat id")
		return
	}
	chat, created, err := h.chats.AddChat(ctx, p.ChatID, p.UserID, p.ReceiverID)
	if err != nil {
		h.fail(c, EventCreateChat, err)
		return
	}

	h.mu.Lock()
	h.joinLocked(c, chat.ChatID)
	if created {
		// 在线的对方连接同样加入新房间，否则要等重连才能收到消息。
		for rc := range h.users[p.ReceiverID] {
			h.joinLocked(rc, chat.ChatID)
		}
	}
	h.mu.Unlock()

	h.send(c, EventChatCreated, chatCreatedPayload{Chat: chat, IsCreated: created})
}

func (h *Hub) sendMessage(ctx context.Context, c *Client, m models.Message) {
	uid, name := c.announced()
	if uid == "" || !h.inRoom(c, m.ChatID) {
		h.sendError(c, EventSendMessage, service.Unauthorized().Error())
		return
	}
	if m.Message == "" {
		h.sendError(c, EventSendMessage, "Message is empty")
		return
	}
	// 署名以连接声明的身份为准，客户端传入的 name 不可信。
	m.Name = name
	if _, err := time.Parse(time.RFC3339Nano, m.Date); err != nil {
		m.Date = h.now().UTC().Format(time.RFC3339)
	}

	unlock := h.roomLocks.Lock(m.ChatID)
	chat, err := h.chats.SaveMessages(ctx, m.ChatID, []models.Message{m})
	if err != nil {
		unlock()
		h.fail(c, EventSendMessage, err)
		return
	}
	h.broadcastLocked(m.ChatID, c, EventReceiveMessage, m)
	unlock()
	metrics.WsMessagesTotal.Inc()

	receiver := ""
	for _, p := range chat.Participants {
		if p.UserID != uid {
			receiver = p.UserID
		}
	}
	h.publish(ctx, events.ChatMessage, events.Message{ChatID: m.ChatID, SenderID: uid, ReceiverID: receiver, At: h.now()})
}

func (h *Hub) typing(c *Client, p typingPayload, in, out string) {
	uid := c.identity()
	if uid == "" || !h.inRoom(c, p.ChatID) {
		h.sendError(c, in, service.Unauthorized().Error())
		return
	}
	h.broadcast(p.ChatID, c, out, userPayload{UserID: uid})
}

func (h *Hub) joinLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) inRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// roomSize 返回房间内的连接数。
func (h *Hub) roomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) broadcast(room string, except *Client, event string, data interface{}) {
	unlock := h.roomLocks.Lock(room)
	defer unlock()
	h.broadcastLocked(room, except, event, data)
}

// broadcastLocked 调用方需持有 room 的顺序锁。
func (h *Hub) broadcastLocked(room string, except *Client, event string, data interface{}) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("ws marshal")
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, b)
	}
}

func (h *Hub) send(c *Client, event string, data interface{}) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("ws marshal")
		return
	}
	h.deliver(c, b)
}

// deliver 不阻塞；发送缓冲已满的慢连接直接关闭，由读协程完成清理。
func (h *Hub) deliver(c *Client, b []byte) {
	if !c.enqueue(b) {
		log.Warn().Str("user_id", c.identity()).Msg("ws slow consumer dropped")
		c.closeSend()
	}
}

func (h *Hub) sendError(c *Client, event, msg string) {
	metrics.WsErrorsTotal.WithLabelValues(event).Inc()
	h.send(c, EventError, errorPayload{Event: event, Message: msg})
}

// fail 把业务错误原样回给客户端，其余错误只记日志并返回通用信息。
func (h *Hub) fail(c *Client, event string, err error) {
	if service.KindOf(err) != 0 {
		h.sendError(c, event, err.Error())
		return
	}
	log.Error().Err(err).Str("event", event).Str("user_id", c.identity()).Msg("ws handler")
	h.sendError(c, event, "Internal server error")
}

func (h *Hub) publish(ctx context.Context, key string, evt interface{}) {
	err := h.events.Publish(ctx, key, evt)
	metrics.EventsPublishedTotal.WithLabelValues(key, metrics.Result(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("routing_key", key).Msg("ws publish event")
	}
}

// Sweep 刷新在线用户的心跳并把超过 ttl 未刷新的在线状态置为离线。
func (h *Hub) Sweep(ctx context.Context, ttl time.Duration) error {
	if err := h.presence.TouchOnlineStatuses(ctx, h.onlineUserIDs()); err != nil {
		return err
	}
	n, err := h.presence.ExpireOnlineStatuses(ctx, h.now().Add(-ttl))
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.PresenceExpiredTotal.Add(float64(n))
		log.Info().Int64("expired", n).Msg("presence sweep")
	}
	return nil
}

// RunPresenceSweep 周期执行 Sweep，直到 ctx 取消。
func (h *Hub) RunPresenceSweep(ctx context.Context, every, ttl time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Sweep(ctx, ttl); err != nil {
				log.Error().Err(err).Msg("presence sweep")
			}
		}
	}
}
