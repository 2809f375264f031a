package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientIO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EAGAIN", syscall.EAGAIN, true},
		{"wrapped EINTR", fmt.Errorf("write image: %w", syscall.EINTR), true},
		{"path error EBUSY", &os.PathError{Op: "rename", Path: "x.png", Err: syscall.EBUSY}, true},
		{"not exist", os.ErrNotExist, false},
		{"EACCES", syscall.EACCES, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransientIO(tt.err))
		})
	}
}

func TestRetryImageOptions(t *testing.T) {
	t.Parallel()

	t.Run("transient error is retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			if calls < 2 {
				return syscall.EAGAIN
			}
			return nil
		}, ImageRetryOptions(context.Background())...)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent error fails fast", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), func() error {
			calls++
			return syscall.EACCES
		}, ImageRetryOptions(context.Background())...)
		require.Error(t, err)
		assert.True(t, errors.Is(err, syscall.EACCES))
		assert.Equal(t, 1, calls)
	})

	t.Run("result is returned", func(t *testing.T) {
		t.Parallel()
		got, err := RetryWithResult(context.Background(), func() (string, error) {
			return "blob", nil
		}, ImageRetryOptions(context.Background())...)
		require.NoError(t, err)
		assert.Equal(t, "blob", got)
	})
}
