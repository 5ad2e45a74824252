package badgerdb

import (
	"context"
	"errors"
	"sort"

	"github.com/timshannon/badgerhold/v4"
	"github.com/tuxpay/tuxpay/internal/core/domain"
)

const serverStoreDir = "servers"

type serverRepository struct {
	store *badgerhold.Store
}

func NewServerRepository(config ...interface{}) (domain.ServerRepository, error) {
	store, err := openStore(serverStoreDir, config...)
	if err != nil {
		return nil, err
	}
	return &serverRepository{store}, nil
}

func (r *serverRepository) GetAll(_ context.Context, symbol string) ([]domain.Server, error) {
	servers := make([]domain.Server, 0)
	if err := r.store.Find(&servers, badgerhold.Where("Symbol").Eq(symbol)); err != nil {
		return nil, err
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Host < servers[j].Host
	})
	return servers, nil
}

func (r *serverRepository) Upsert(_ context.Context, servers ...domain.Server) error {
	for _, server := range servers {
		server := server
		if err := withRetry(func() error {
			return r.store.Upsert(serverKey(server.Symbol, server.Host), server)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *serverRepository) Delete(_ context.Context, symbol string, hosts ...string) error {
	for _, host := range hosts {
		err := withRetry(func() error {
			return r.store.Delete(serverKey(symbol, host), domain.Server{})
		})
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (r *serverRepository) Close() {
	r.store.Close()
}

func serverKey(symbol, host string) string {
	return symbol + "/" + host
}
