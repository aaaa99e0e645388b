package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// 路由键，供下游订阅在线状态与消息事件。
const (
	PresenceOnline  = "presence.online"
	PresenceOffline = "presence.offline"
	ChatMessage     = "chat.message"
)

// Presence 是上下线事件的载荷。
type Presence struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Message 是消息落库后的通知载荷，不携带正文。
type Message struct {
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	At         time.Time `json:"at"`
}

// Publisher 把领域事件投递到外部消息总线，失败不影响主流程。
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher 在 amqpURL 为空或连接失败时退化为 noop。
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		log.Info().Msg("amqp disabled, using noop publisher: empty amqp url")
		return Noop{reason: "empty amqp url"}
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Warn().Err(err).Msg("amqp disabled, using noop publisher")
		return Noop{reason: err.Error()}
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("amqp disabled, using noop publisher")
		_ = conn.Close()
		return Noop{reason: err.Error()}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Warn().Err(err).Str("exchange", exchange).Msg("amqp disabled, using noop publisher")
		_ = ch.Close()
		_ = conn.Close()
		return Noop{reason: err.Error()}
	}
	log.Info().Str("exchange", exchange).Msg("amqp connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Msg("amqp publish failed")
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Noop 只记 debug 日志。
type Noop struct {
	reason string
}

func (Noop) Publish(_ context.Context, routingKey string, _ any) error {
	log.Debug().Str("routing_key", routingKey).Msg("noop publish")
	return nil
}

func (Noop) Close() error { return nil }

// Mode 返回发布器类型，用于启动日志。
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case Noop:
		return "noop"
	default:
		return "unknown"
	}
}

// NoopReason 返回退化为 noop 的原因。
func NoopReason(p Publisher) string {
	if n, ok := p.(Noop); ok {
		return n.reason
	}
	return ""
}
