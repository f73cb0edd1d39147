package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/config"
	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/ingest"
	"minusmail/backend/internal/storage/memory"
)

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) ProcessFor(ctx context.Context, raw []byte, recipient string) (*ingest.Result, error) {
	args := m.Called(ctx, raw, recipient)
	res, _ := args.Get(0).(*ingest.Result)
	return res, args.Error(1)
}

func newSession(t *testing.T, ing Ingester) *session {
	t.Helper()
	be := NewBackend(ing, []string{"minusmail.com"}, 0, nil, nil, nil)
	s, err := be.NewSession(nil)
	require.NoError(t, err)
	return s.(*session)
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func TestSession_Rcpt(t *testing.T) {
	s := newSession(t, new(mockIngester))

	tests := []struct {
		name string
		to   string
		code int
	}{
		{"本域地址", "<Alice@MinusMail.com>", 0},
		{"外部域名拒绝中继", "alice@gmail.com", 550},
		{"缺少域名", "alice", 501},
		{"空本地部分", "@minusmail.com", 501},
		{"非法本地部分", "al..ice@minusmail.com", 550},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Rcpt(tt.to, nil)
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, smtpCode(t, err))
		})
	}
	assert.Equal(t, []string{"alice@minusmail.com"}, s.recipients)

	s.Reset()
	assert.Empty(t, s.recipients)
}

func TestSession_DataDeliversEachRecipient(t *testing.T) {
	ing := new(mockIngester)
	ing.On("ProcessFor", mock.Anything, mock.Anything, "alice@minusmail.com").Return(&ingest.Result{}, nil).Once()
	ing.On("ProcessFor", mock.Anything, mock.Anything, "bob@minusmail.com").Return(&ingest.Result{}, nil).Once()

	s := newSession(t, ing)
	require.NoError(t, s.Mail("sender@example.com", nil))
	require.NoError(t, s.Rcpt("alice@minusmail.com", nil))
	require.NoError(t, s.Rcpt("bob@minusmail.com", nil))

	require.NoError(t, s.Data(strings.NewReader("Subject: hi\r\n\r\nbody")))
	ing.AssertExpectations(t)
}

func TestSession_DuplicateMailboxDeliveredOnce(t *testing.T) {
	ing := new(mockIngester)
	ing.On("ProcessFor", mock.Anything, mock.Anything, "alice@minusmail.com").Return(&ingest.Result{}, nil).Once()

	be := NewBackend(ing, []string{"minusmail.com", "minus.mail"}, 0, nil, nil, nil)
	sess, err := be.NewSession(nil)
	require.NoError(t, err)
	s := sess.(*session)

	require.NoError(t, s.Rcpt("alice@minusmail.com", nil))
	require.NoError(t, s.Rcpt("ALICE@minus.mail", nil))
	assert.Equal(t, []string{"alice@minusmail.com"}, s.recipients)

	require.NoError(t, s.Data(strings.NewReader("Subject: hi\r\n\r\nbody")))
	ing.AssertExpectations(t)
}

func TestSession_DataPartialFailureAccepted(t *testing.T) {
	ing := new(mockIngester)
	ing.On("ProcessFor", mock.Anything, mock.Anything, "alice@minusmail.com").Return(&ingest.Result{}, nil).Once()
	ing.On("ProcessFor", mock.Anything, mock.Anything, "bob@minusmail.com").
		Return(nil, fmt.Errorf("x: %w", domain.ErrBackendUnavailable)).Once()
	ing.On("ProcessFor", mock.Anything, mock.Anything, "carol@minusmail.com").Return(&ingest.Result{}, nil).Once()

	s := newSession(t, ing)
	require.NoError(t, s.Rcpt("alice@minusmail.com", nil))
	require.NoError(t, s.Rcpt("bob@minusmail.com", nil))
	require.NoError(t, s.Rcpt("carol@minusmail.com", nil))

	// 已成功的收件人不能因为 bob 的临时错误而被对端重投
	assert.NoError(t, s.Data(strings.NewReader("x: y\r\n\r\n")))
	ing.AssertExpectations(t)
}

func TestSession_DataErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"后端不可用返回临时错误", fmt.Errorf("x: %w", domain.ErrBackendUnavailable), 451},
		{"无法解析返回永久错误", ingest.ErrMalformed, 554},
		{"校验失败返回永久错误", domain.ErrBodyTooLarge, 554},
		{"未知错误返回临时错误", errors.New("boom"), 451},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := new(mockIngester)
			ing.On("ProcessFor", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			s := newSession(t, ing)
			require.NoError(t, s.Rcpt("alice@minusmail.com", nil))
			assert.Equal(t, tt.code, smtpCode(t, s.Data(strings.NewReader("x: y\r\n\r\n"))))
		})
	}
}

func TestBackend_LimiterRejects(t *testing.T) {
	limiter := NewConnectionLimiter(1, 0)
	be := NewBackend(new(mockIngester), []string{"minusmail.com"}, 0, limiter, nil, nil)

	first, err := be.NewSession(nil)
	require.NoError(t, err)

	_, err = be.NewSession(nil)
	assert.Equal(t, 421, smtpCode(t, err))

	require.NoError(t, first.Logout())
	_, err = be.NewSession(nil)
	assert.NoError(t, err)
}

func TestServer_EndToEnd(t *testing.T) {
	store := memory.NewStore(900 * time.Second)
	defer store.Close()
	processor := ingest.NewProcessor(store, nil, ingest.Options{})

	be := NewBackend(processor, []string{"minusmail.com"}, 0, NewConnectionLimiter(10, 100), nil, nil)
	srv := NewServer(be, &config.SMTPConfig{BindAddr: "127.0.0.1:0", Domain: "minusmail.com"})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	c, err := gosmtp.Dial(l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("localhost"))
	require.NoError(t, c.Mail("bob@example.com", nil))
	require.NoError(t, c.Rcpt("alice@minusmail.com", nil))
	assert.Error(t, c.Rcpt("alice@example.org", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("From: bob@example.com\r\nTo: alice@minusmail.com\r\nSubject: Hi\r\n\r\nHello\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	records, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Hi", records[0].Subject)
	assert.Equal(t, "bob@example.com", records[0].From)
}
