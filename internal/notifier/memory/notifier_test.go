package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/domain"
)

func startSubscriber(t *testing.T, n *Notifier, want int) <-chan *domain.Announcement {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *domain.Announcement, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Subscribe(ctx, func(a *domain.Announcement) { out <- a })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return n.Subscribers() == want }, time.Second, 5*time.Millisecond)
	return out
}

func TestNotifier_Broadcast(t *testing.T) {
	n := New(nil)
	defer n.Close()

	a := startSubscriber(t, n, 1)
	b := startSubscriber(t, n, 2)

	for _, id := range []string{"1", "2"} {
		require.NoError(t, n.Publish(context.Background(), domain.NewStoredAnnouncement("Alice", &domain.Email{ID: id})))
	}

	for _, ch := range []<-chan *domain.Announcement{a, b} {
		for _, want := range []string{"1", "2"} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got.ID)
				assert.Equal(t, "alice", got.Mailbox)
			case <-time.After(time.Second):
				t.Fatal("announcement not received")
			}
		}
	}
}

func TestNotifier_SubscribeReturnsOnCancel(t *testing.T) {
	n := New(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Subscribe(ctx, func(*domain.Announcement) {}) }()

	require.Eventually(t, func() bool { return n.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return")
	}
	assert.Equal(t, 0, n.Subscribers())
}

func TestNotifier_Closed(t *testing.T) {
	n := New(nil)
	require.NoError(t, n.Ping(context.Background()))
	require.NoError(t, n.Close())

	assert.ErrorIs(t, n.Ping(context.Background()), domain.ErrBackendUnavailable)
	err := n.Publish(context.Background(), domain.NewStoredAnnouncement("alice", &domain.Email{ID: "1"}))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.NoError(t, n.Close())
}

func TestNotifier_SlowSubscriberDropped(t *testing.T) {
	n := New(nil)
	defer n.Close()

	block := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = n.Subscribe(ctx, func(*domain.Announcement) { <-block })
	}()
	require.Eventually(t, func() bool { return n.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, n.Publish(context.Background(), domain.NewStoredAnnouncement("alice", &domain.Email{ID: "x"})))
	}
	assert.Greater(t, n.Dropped(), int64(0))
	close(block)
}
