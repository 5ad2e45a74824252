package ports_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

func TestQueue(t *testing.T) {
	t.Run("fifo", func(t *testing.T) {
		queue := ports.NewQueue()
		for i := 0; i < 3; i++ {
			queue.Push(ports.Notification{Result: json.RawMessage([]byte{byte('0' + i)})})
		}
		require.Equal(t, 3, queue.Len())

		for i := 0; i < 3; i++ {
			notification, err := queue.Pop(context.Background())
			require.NoError(t, err)
			require.Equal(t, string([]byte{byte('0' + i)}), string(notification.Result))
		}
		_, ok := queue.TryPop()
		require.False(t, ok)
	})

	t.Run("pop waits for push", func(t *testing.T) {
		queue := ports.NewQueue()
		go func() {
			time.Sleep(50 * time.Millisecond)
			queue.Push(ports.Notification{Method: "blockchain.headers.subscribe"})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		notification, err := queue.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, "blockchain.headers.subscribe", notification.Method)
	})

	t.Run("pop honours context", func(t *testing.T) {
		queue := ports.NewQueue()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := queue.Pop(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
