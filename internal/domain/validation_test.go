package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMailbox(t *testing.T) {
	tests := []struct {
		name     string
		mailbox  string
		expected string
		wantErr  error
	}{
		{"Valid mailbox", "alice", "alice", nil},
		{"Uppercase is normalized", "  Alice ", "alice", nil},
		{"Single char", "a", "a", nil},
		{"With dot and plus", "bob.smith+news", "bob.smith+news", nil},
		{"With dash and underscore", "test_user-1", "test_user-1", nil},
		{"Maximum length", strings.Repeat("a", 64), strings.Repeat("a", 64), nil},
		{"Invalid - empty", "", "", ErrInvalidMailbox},
		{"Invalid - whitespace only", "   ", "", ErrInvalidMailbox},
		{"Invalid - too long", strings.Repeat("a", 65), "", ErrMailboxTooLong},
		{"Invalid - contains @", "alice@minusmail.com", "", ErrInvalidMailbox},
		{"Invalid - spaces", "al ice", "", ErrInvalidMailbox},
		{"Invalid - starts with dot", ".alice", "", ErrInvalidMailbox},
		{"Invalid - ends with dash", "alice-", "", ErrInvalidMailbox},
		{"Invalid - double dot", "al..ice", "", ErrInvalidMailbox},
		{"Invalid - special characters", "test$", "", ErrInvalidMailbox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateMailbox(tt.mailbox)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestValidator_ValidateEmail(t *testing.T) {
	v := NewValidator(16)
	now := time.Now()

	t.Run("合法记录", func(t *testing.T) {
		err := v.ValidateEmail(&Email{Subject: "hi", TextBody: "short", Received: now})
		assert.NoError(t, err)
	})

	t.Run("空记录", func(t *testing.T) {
		assert.ErrorIs(t, v.ValidateEmail(nil), ErrMissingRecord)
	})

	t.Run("正文过大", func(t *testing.T) {
		err := v.ValidateEmail(&Email{TextBody: strings.Repeat("x", 10), HTMLBody: strings.Repeat("y", 10), Received: now})
		assert.ErrorIs(t, err, ErrBodyTooLarge)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("主题过长", func(t *testing.T) {
		err := v.ValidateEmail(&Email{Subject: strings.Repeat("s", MaxSubjectLength+1), Received: now})
		assert.ErrorIs(t, err, ErrSubjectTooLong)
	})

	t.Run("缺少接收时间", func(t *testing.T) {
		assert.ErrorIs(t, v.ValidateEmail(&Email{}), ErrInvalidReceived)
	})

	t.Run("不限制正文大小", func(t *testing.T) {
		unlimited := NewValidator(0)
		err := unlimited.ValidateEmail(&Email{TextBody: strings.Repeat("x", 1<<20), Received: now})
		assert.NoError(t, err)
	})
}
