package service

import (
	"context"

	"github.com/stretchr/testify/mock"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/storage"
)

// MockStore 模拟存储接口
type MockStore struct {
	mock.Mock
}

var _ storage.MailboxStore = (*MockStore)(nil)

func (m *MockStore) Store(ctx context.Context, mailbox string, email *domain.Email) (string, error) {
	args := m.Called(ctx, mailbox, email)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, id string) (*domain.Email, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Email), args.Error(1)
}

func (m *MockStore) ListIDs(ctx context.Context, mailbox string) ([]string, error) {
	args := m.Called(ctx, mailbox)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) ListRecords(ctx context.Context, mailbox string) ([]*domain.Email, error) {
	args := m.Called(ctx, mailbox)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Email), args.Error(1)
}

func (m *MockStore) Count(ctx context.Context, mailbox string) (int64, error) {
	args := m.Called(ctx, mailbox)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Remove(ctx context.Context, mailbox, id string) error {
	args := m.Called(ctx, mailbox, id)
	return args.Error(0)
}

func (m *MockStore) CleanupExpired(ctx context.Context, mailbox string) (int, error) {
	args := m.Called(ctx, mailbox)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListMailboxes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStore) Close() error { return nil }
