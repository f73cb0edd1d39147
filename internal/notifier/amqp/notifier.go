package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/notifier"
)

// DefaultExchange 默认 fanout 交换机名
const DefaultExchange = "minusmail.announcements"

var errNotifierClosed = errors.New("amqp notifier closed")

// link 一条 AMQP 连接及其发布通道
type link interface {
	publish(ctx context.Context, exchange string, msg amqp.Publishing) error
	consume(exchange string) (deliveries <-chan amqp.Delivery, queue string, ch io.Closer, err error)
	closed() bool
	close() error
}

type dialFunc func(url, exchange string) (link, error)

// Notifier 基于 RabbitMQ fanout 交换机的广播通道。
//
// 每个订阅者声明一个独占的临时队列并绑定到交换机，
// 断开后队列自动删除，离线期间的通知不会保留。
// 连接断开后，下一次 Publish、Subscribe 或 Ping 会重新建立连接。
type Notifier struct {
	url       string
	exchange  string
	opTimeout time.Duration
	dial      dialFunc
	log       *zap.Logger

	mu       sync.Mutex // 保护 link，同时串行化发布（amqp Channel 不支持并发发布）
	link     link
	shutdown bool
}

var _ notifier.Notifier = (*Notifier)(nil)

// New 连接 RabbitMQ 并声明交换机
func New(url, exchange string, opTimeout time.Duration, log *zap.Logger) (*Notifier, error) {
	n := newNotifier(url, exchange, opTimeout, log, nil)
	n.dial = func(url, exchange string) (link, error) {
		return dialLink(url, exchange, n.opTimeout)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.current(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	n.log.Info("connected to RabbitMQ", zap.String("exchange", n.exchange))
	return n, nil
}

func newNotifier(url, exchange string, opTimeout time.Duration, log *zap.Logger, dial dialFunc) *Notifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Notifier{
		url:       url,
		exchange:  exchange,
		opTimeout: opTimeout,
		dial:      dial,
		log:       logger.OrNop(log),
	}
}

// current 返回可用的连接，已断开时重新拨号。调用方持有 n.mu。
func (n *Notifier) current() (link, error) {
	if n.shutdown {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, errNotifierClosed)
	}
	if n.link != nil && !n.link.closed() {
		return n.link, nil
	}
	if n.dial == nil {
		return nil, fmt.Errorf("%w: no connection", domain.ErrBackendUnavailable)
	}

	reconnect := n.link != nil
	if reconnect {
		_ = n.link.close()
		n.link = nil
	}

	l, err := n.dial(n.url, n.exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	n.link = l
	if reconnect {
		n.log.Info("reconnected to RabbitMQ", zap.String("exchange", n.exchange))
	}
	return l, nil
}

// Publish 发布通知
func (n *Notifier) Publish(ctx context.Context, a *domain.Announcement) error {
	body, err := a.Encode()
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.opTimeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	l, err := n.current()
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}

	err = l.publish(ctx, n.exchange, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Subscribe 声明临时队列并消费直到 ctx 结束，连接断开时返回错误由调用方重试
func (n *Notifier) Subscribe(ctx context.Context, h notifier.Handler) error {
	n.mu.Lock()
	l, err := n.current()
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp subscribe: %w", err)
	}

	deliveries, queue, ch, err := l.consume(n.exchange)
	if err != nil {
		return fmt.Errorf("amqp subscribe: %w: %w", domain.ErrBackendUnavailable, err)
	}
	defer ch.Close()

	n.log.Info("subscribed to announcements",
		zap.String("exchange", n.exchange),
		zap.String("queue", queue),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp subscribe: %w: delivery channel closed", domain.ErrBackendUnavailable)
			}
			notifier.Dispatch(n.log, msg.Body, h)
		}
	}
}

// Ping 检查连接是否存活，断开时尝试重连
func (n *Notifier) Ping(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.current(); err != nil {
		return fmt.Errorf("amqp ping: %w", err)
	}
	return nil
}

// Close 关闭连接，之后不再重连
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.shutdown = true
	if n.link == nil {
		return nil
	}
	err := n.link.close()
	n.link = nil
	return err
}

// amqpLink 基于 amqp091 的连接实现
type amqpLink struct {
	conn      *amqp.Connection
	pub       *amqp.Channel
	pubClosed chan *amqp.Error
}

func dialLink(url, exchange string, timeout time.Duration) (link, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &amqpLink{
		conn:      conn,
		pub:       ch,
		pubClosed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

func (l *amqpLink) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	return l.pub.PublishWithContext(ctx,
		exchange,
		"", // fanout 忽略路由键
		false,
		false,
		msg,
	)
}

func (l *amqpLink) consume(exchange string) (<-chan amqp.Delivery, string, io.Closer, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // 由服务器命名
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true, // 自动 ack，通知丢了也不重试
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return deliveries, q.Name, ch, nil
}

// closed 连接或发布通道任一关闭都视为断开
func (l *amqpLink) closed() bool {
	if l.conn.IsClosed() {
		return true
	}
	select {
	case <-l.pubClosed:
		return true
	default:
		return false
	}
}

func (l *amqpLink) close() error {
	_ = l.pub.Close()
	if l.conn.IsClosed() {
		return nil
	}
	return l.conn.Close()
}
