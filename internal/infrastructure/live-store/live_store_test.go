package livestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	inmemory "github.com/tuxpay/tuxpay/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/tuxpay/tuxpay/internal/infrastructure/live-store/redis"
)

const (
	address    = "ltc1qqqqsyqcyq5rqwzqfpg9scrgwpugpzysn7y4w5g"
	scripthash = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
)

func TestLiveStoreImplementations(t *testing.T) {
	stores := []struct {
		name  string
		store func(t *testing.T) ports.LiveStore
	}{
		{"inmemory", func(*testing.T) ports.LiveStore { return inmemory.NewLiveStore() }},
		{"redis", func(t *testing.T) ports.LiveStore {
			redisOpts, err := redis.ParseURL("redis://localhost:6379/0")
			require.NoError(t, err)
			rdb := redis.NewClient(redisOpts)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				t.Skipf("redis not available: %s", err)
			}
			return redislivestore.NewLiveStore(rdb)
		}},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store(t)
			defer store.Close()
			runWatchedPaymentsTests(t, store.WatchedPayments())
		})
	}
}

func runWatchedPaymentsTests(t *testing.T, store ports.WatchedPaymentStore) {
	ctx := context.Background()

	payment, err := domain.NewPayment(
		"LTC", "invoice", address, scripthash, 150000, 2500000,
		time.Now().Add(15*time.Minute), "84h/2h/0h", 0, 0,
	)
	require.NoError(t, err)

	t.Run("set and get", func(t *testing.T) {
		got, err := store.Get(ctx, payment.UUID)
		require.NoError(t, err)
		require.Nil(t, got)

		require.NoError(t, store.Set(ctx, *payment))

		got, err = store.Get(ctx, payment.UUID)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, payment.UUID, got.UUID)
		require.Equal(t, domain.PaymentPending, got.Status)
	})

	t.Run("overwrite", func(t *testing.T) {
		payment.Transactions = []domain.Transaction{{
			Txid: "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b",
			Outputs: []domain.TxOutput{
				{Index: 0, Value: 150000, Addresses: []string{address}},
			},
		}}
		require.NoError(t, payment.MarkPaid(150000, time.Now()))
		require.NoError(t, store.Set(ctx, *payment))

		got, err := store.Get(ctx, payment.UUID)
		require.NoError(t, err)
		require.Equal(t, domain.PaymentPaid, got.Status)
		require.Len(t, got.Transactions, 1)
		require.Empty(t, got.Diff(payment))
	})

	t.Run("get all and delete", func(t *testing.T) {
		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		found := false
		for _, p := range all {
			if p.UUID == payment.UUID {
				found = true
			}
		}
		require.True(t, found)

		require.NoError(t, store.Delete(ctx, payment.UUID))
		got, err := store.Get(ctx, payment.UUID)
		require.NoError(t, err)
		require.Nil(t, got)

		all, err = store.GetAll(ctx)
		require.NoError(t, err)
		for _, p := range all {
			require.NotEqual(t, payment.UUID, p.UUID)
		}
	})
}
