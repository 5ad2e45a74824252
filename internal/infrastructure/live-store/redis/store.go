package redislivestore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

const (
	watchedPaymentPrefix = "watchedPayments:payment:"
	watchedPaymentIdsKey = "watchedPayments:ids"

	// Entries of a watcher that stopped without cleaning up expire after
	// this long without updates.
	watchedPaymentTTL = 24 * time.Hour
)

type redisLiveStore struct {
	rdb             *redis.Client
	watchedPayments ports.WatchedPaymentStore
}

func NewLiveStore(rdb *redis.Client) ports.LiveStore {
	return &redisLiveStore{
		rdb:             rdb,
		watchedPayments: NewWatchedPaymentStore(rdb),
	}
}

func (s *redisLiveStore) WatchedPayments() ports.WatchedPaymentStore {
	return s.watchedPayments
}

func (s *redisLiveStore) Close() {
	_ = s.rdb.Close()
}

// watchedPaymentStore keeps every payment as a JSON value under its own key
// plus a set of the watched uuids.
type watchedPaymentStore struct {
	rdb *redis.Client
}

func NewWatchedPaymentStore(rdb *redis.Client) ports.WatchedPaymentStore {
	return &watchedPaymentStore{rdb}
}

func (s *watchedPaymentStore) Set(ctx context.Context, payment domain.Payment) error {
	buf, err := json.Marshal(payment)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, paymentKey(payment.UUID), buf, watchedPaymentTTL)
		pipe.SAdd(ctx, watchedPaymentIdsKey, payment.UUID)
		return nil
	})
	return err
}

func (s *watchedPaymentStore) Get(ctx context.Context, uuid string) (*domain.Payment, error) {
	val, err := s.rdb.Get(ctx, paymentKey(uuid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePayment(val)
}

func (s *watchedPaymentStore) Delete(ctx context.Context, uuid string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, paymentKey(uuid))
		pipe.SRem(ctx, watchedPaymentIdsKey, uuid)
		return nil
	})
	return err
}

// GetAll returns the watched payments sorted by creation date. Ids whose
// entry has expired are dropped from the set.
func (s *watchedPaymentStore) GetAll(ctx context.Context) ([]domain.Payment, error) {
	ids, err := s.rdb.SMembers(ctx, watchedPaymentIdsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Payment{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, paymentKey(id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	payments := make([]domain.Payment, 0, len(vals))
	expired := make([]interface{}, 0)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		payment, err := decodePayment(str)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	if len(expired) > 0 {
		if err := s.rdb.SRem(ctx, watchedPaymentIdsKey, expired...).Err(); err != nil {
			return nil, err
		}
	}

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreationDate.Before(payments[j].CreationDate)
	})
	return payments, nil
}

func paymentKey(uuid string) string {
	return watchedPaymentPrefix + uuid
}

func decodePayment(val string) (*domain.Payment, error) {
	var payment domain.Payment
	if err := json.Unmarshal([]byte(val), &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}
