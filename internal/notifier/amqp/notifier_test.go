package amqp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/domain"
)

func TestNew_Unreachable(t *testing.T) {
	// 占用一个端口后立即释放，保证没有服务在监听
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	n, err := New("amqp://guest:guest@"+addr+"/", "", time.Second, nil)
	assert.Nil(t, n)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestNotifier_PingWithoutConnection(t *testing.T) {
	n := &Notifier{}
	assert.ErrorIs(t, n.Ping(context.Background()), domain.ErrBackendUnavailable)
	assert.NoError(t, n.Close())
}

type fakeLink struct {
	mu         sync.Mutex
	dead       bool
	published  int
	deliveries chan amqp.Delivery
}

func newFakeLink() *fakeLink {
	return &fakeLink{deliveries: make(chan amqp.Delivery, 4)}
}

func (f *fakeLink) publish(context.Context, string, amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return amqp.ErrClosed
	}
	f.published++
	return nil
}

func (f *fakeLink) consume(string) (<-chan amqp.Delivery, string, io.Closer, error) {
	return f.deliveries, "amq.gen-test", io.NopCloser(nil), nil
}

func (f *fakeLink) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

func (f *fakeLink) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
	return nil
}

func (f *fakeLink) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *fakeLink) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

// fakeDialer 依次返回预置的连接，用完后返回 err
type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
	calls int
}

func (d *fakeDialer) dial(string, string) (link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.links) == 0 {
		return nil, d.err
	}
	l := d.links[0]
	d.links = d.links[1:]
	return l, nil
}

func (d *fakeDialer) add(l *fakeLink) {
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
}

func announcement() *domain.Announcement {
	return domain.NewStoredAnnouncement("alice", &domain.Email{ID: "m1", Received: time.Now().UTC()})
}

func TestNotifier_PublishRedialsAfterConnectionLoss(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{first, second}}
	n := newNotifier("amqp://test", "", time.Second, nil, dialer.dial)
	defer n.Close()

	require.NoError(t, n.Publish(context.Background(), announcement()))
	assert.Equal(t, 1, first.publishedCount())

	// broker 重启，旧连接失效
	first.kill()
	require.NoError(t, n.Publish(context.Background(), announcement()))
	assert.Equal(t, 1, second.publishedCount())
	assert.Equal(t, 2, dialer.calls)
}

func TestNotifier_DialFailureRetriedOnNextCall(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	n := newNotifier("amqp://test", "", time.Second, nil, dialer.dial)
	defer n.Close()

	err := n.Publish(context.Background(), announcement())
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, n.Ping(context.Background()), domain.ErrBackendUnavailable)

	// broker 恢复
	l := newFakeLink()
	dialer.add(l)
	require.NoError(t, n.Ping(context.Background()))
	require.NoError(t, n.Publish(context.Background(), announcement()))
	assert.Equal(t, 1, l.publishedCount())
}

func TestNotifier_SubscribeResumesOnNewConnection(t *testing.T) {
	first, second := newFakeLink(), newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{first, second}}
	n := newNotifier("amqp://test", "", time.Second, nil, dialer.dial)
	defer n.Close()

	received := make(chan *domain.Announcement, 2)
	handler := func(a *domain.Announcement) { received <- a }

	body, err := announcement().Encode()
	require.NoError(t, err)

	// 第一条连接投递一条通知后断开
	first.deliveries <- amqp.Delivery{Body: body}
	close(first.deliveries)
	first.kill()
	err = n.Subscribe(context.Background(), handler)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	require.Len(t, received, 1)

	// 重试时换用新连接
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Subscribe(ctx, handler) }()

	second.deliveries <- amqp.Delivery{Body: body}
	select {
	case a := <-received:
		assert.Equal(t, "alice", a.Mailbox)
	case <-time.After(time.Second):
		t.Fatal("announcement not delivered after reconnect")
	}
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 2, dialer.calls)
}

func TestNotifier_NoRedialAfterClose(t *testing.T) {
	dialer := &fakeDialer{links: []*fakeLink{newFakeLink(), newFakeLink()}}
	n := newNotifier("amqp://test", "", time.Second, nil, dialer.dial)

	require.NoError(t, n.Ping(context.Background()))
	require.NoError(t, n.Close())

	assert.ErrorIs(t, n.Publish(context.Background(), announcement()), domain.ErrBackendUnavailable)
	assert.Equal(t, 1, dialer.calls)
}
