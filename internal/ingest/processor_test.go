package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/domain"
	memnotifier "minusmail/backend/internal/notifier/memory"
	"minusmail/backend/internal/storage/memory"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, a *domain.Announcement) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T, pub Publisher) (*Processor, *memory.Store) {
	t.Helper()
	store := memory.NewStore(900 * time.Second)
	t.Cleanup(func() { _ = store.Close() })
	p := NewProcessor(store, pub, Options{
		MaxBodyBytes: 1024,
		Now:          func() time.Time { return fixedNow },
	})
	return p, store
}

const aliceMail = "From: Bob <bob@example.com>\r\n" +
	"To: Alice@MinusMail.com\r\n" +
	"Subject: Hi\r\n" +
	"\r\n" +
	"Hello\r\n"

func TestProcessor_AliceEndToEnd(t *testing.T) {
	bus := memnotifier.New(nil)
	defer bus.Close()

	received := make(chan *domain.Announcement, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Subscribe(ctx, func(a *domain.Announcement) { received <- a }) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	p, store := newProcessor(t, bus)

	result, err := p.Process(context.Background(), []byte(aliceMail))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))
	assert.Equal(t, "alice", result.Mailbox)
	assert.True(t, result.Published)

	records, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, result.ID, rec.ID)
	assert.Equal(t, "bob@example.com", rec.From)
	assert.Equal(t, "Hi", rec.Subject)
	assert.Equal(t, "Hello\r\n", rec.TextBody)
	assert.Empty(t, rec.HTMLBody)
	assert.Equal(t, fixedNow, rec.Received)

	select {
	case a := <-received:
		assert.Equal(t, domain.AnnouncementStored, a.Type)
		assert.Equal(t, "alice", a.Mailbox)
		assert.Equal(t, result.ID, a.ID)
		assert.Equal(t, "Hi", a.Record.Subject)
	case <-time.After(time.Second):
		t.Fatal("announcement not published")
	}
}

func TestProcessor_UsesDateHeader(t *testing.T) {
	p, store := newProcessor(t, nil)

	raw := "From: bob@example.com\r\nTo: alice@minusmail.com\r\nDate: Tue, 02 Jan 2024 03:04:05 +0800\r\n\r\nx"
	result, err := p.Process(context.Background(), []byte(raw))
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), result.ID)
	require.NoError(t, err)
	assert.True(t, rec.Received.Equal(time.Date(2024, 1, 1, 19, 4, 5, 0, time.UTC)))
	assert.Equal(t, time.UTC, rec.Received.Location())
}

func TestProcessor_EnvelopeRecipientWins(t *testing.T) {
	p, store := newProcessor(t, nil)

	result, err := p.ProcessFor(context.Background(), []byte(aliceMail), "<Carol@minusmail.com>")
	require.NoError(t, err)
	assert.Equal(t, "carol", result.Mailbox)

	n, err := store.Count(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessor_NoRecipient(t *testing.T) {
	p, store := newProcessor(t, nil)

	_, err := p.Process(context.Background(), []byte("From: bob@example.com\r\nSubject: x\r\n\r\nbody"))
	assert.ErrorIs(t, err, domain.ErrNoRecipient)
	assert.Equal(t, ExitDataErr, ExitCode(err))

	mailboxes, err := store.ListMailboxes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mailboxes)
}

func TestProcessor_Malformed(t *testing.T) {
	p, _ := newProcessor(t, nil)

	_, err := p.Process(context.Background(), []byte("garbage without headers"))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, ExitDataErr, ExitCode(err))
}

func TestProcessor_UndecodableBodyIsStored(t *testing.T) {
	p, store := newProcessor(t, nil)

	raws := []string{
		"To: alice@minusmail.com\r\nContent-Type: multipart/mixed\r\n\r\nbody",
		"To: alice@minusmail.com\r\nContent-Transfer-Encoding: base64\r\n\r\n!!!",
	}
	for _, raw := range raws {
		result, err := p.Process(context.Background(), []byte(raw))
		require.NoError(t, err)
		assert.Equal(t, ExitOK, ExitCode(err))
		assert.Equal(t, "alice", result.Mailbox)
	}

	count, err := store.Count(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestProcessor_ValidationFailure(t *testing.T) {
	p, _ := newProcessor(t, nil)

	raw := "To: alice@minusmail.com\r\n\r\n" + strings.Repeat("x", 2048)
	_, err := p.Process(context.Background(), []byte(raw))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, ExitDataErr, ExitCode(err))

	_, err = p.Deliver(context.Background(), "bad mailbox!", &domain.Email{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestProcessor_BackendUnavailable(t *testing.T) {
	p, store := newProcessor(t, nil)
	require.NoError(t, store.Close())

	_, err := p.Process(context.Background(), []byte(aliceMail))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, ExitUnavailable, ExitCode(err))
}

func TestProcessor_PublishFailureDoesNotRollBack(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(a *domain.Announcement) bool {
		return a.Mailbox == "alice" && a.Type == domain.AnnouncementStored
	})).Return(fmt.Errorf("redis publish: %w", domain.ErrBackendUnavailable))

	p, store := newProcessor(t, pub)

	result, err := p.Process(context.Background(), []byte(aliceMail))
	require.NoError(t, err)
	assert.False(t, result.Published)
	assert.Equal(t, int64(1), p.PublishFailures())

	rec, err := store.Get(context.Background(), result.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Hi", rec.Subject)

	pub.AssertExpectations(t)
}

func TestProcessor_DeliverDefaultsReceived(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	p, _ := newProcessor(t, pub)

	result, err := p.Deliver(context.Background(), " Alice ", &domain.Email{From: "bob@example.com", Subject: "direct"})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Mailbox)
	assert.Equal(t, fixedNow, result.Email.Received)
	assert.True(t, result.Published)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"成功", nil, ExitOK},
		{"无收件人", fmt.Errorf("x: %w", domain.ErrNoRecipient), ExitDataErr},
		{"校验失败", domain.ErrInvalidMailbox, ExitDataErr},
		{"无法解析", ErrMalformed, ExitDataErr},
		{"后端不可用", fmt.Errorf("x: %w", domain.ErrBackendUnavailable), ExitUnavailable},
		{"超时", context.DeadlineExceeded, ExitUnavailable},
		{"其他错误", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
