package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tt := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindNone},
		{name: "invalid", err: fmt.Errorf("%w: empty key", ErrInvalidCommand), kind: KindInvalidCommand},
		{name: "not leader", err: ErrNotLeader, kind: KindNotLeader},
		{name: "not leader with hint", err: NewNotLeader("n2", "127.0.0.1:7002"), kind: KindNotLeader},
		{name: "read timeout", err: ErrReadTimeout, kind: KindReadTimeout},
		{name: "read index unavailable", err: ErrReadIndexUnavailable, kind: KindReadTimeout},
		{name: "write timeout", err: fmt.Errorf("submit: %w", ErrWriteTimeout), kind: KindWriteTimeout},
		{name: "not found", err: ErrNotFound, kind: KindNotFound},
		{name: "canceled", err: context.Canceled, kind: KindCanceled},
		{name: "rejected statement", err: fmt.Errorf("%w: %w", ErrStorage, ErrStatementRejected), kind: KindStorage},
		{name: "unknown is storage", err: errors.New("disk on fire"), kind: KindStorage},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestLeaderHint(t *testing.T) {
	err := fmt.Errorf("read: %w", NewNotLeader("n2", "10.0.0.2:7000"))

	require.ErrorIs(t, err, ErrNotLeader)

	id, addr := LeaderHint(err)
	require.Equal(t, "n2", id)
	require.Equal(t, "10.0.0.2:7000", addr)

	id, addr = LeaderHint(ErrNotLeader)
	require.Empty(t, id)
	require.Empty(t, addr)
}

func TestKind_Retryable(t *testing.T) {
	require.True(t, KindReadTimeout.Retryable())
	require.True(t, KindStorage.Retryable())
	require.False(t, KindInvalidCommand.Retryable())
	require.False(t, KindNotLeader.Retryable())
}
