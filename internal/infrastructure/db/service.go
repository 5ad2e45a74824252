package db

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	badgerdb "github.com/tuxpay/tuxpay/internal/infrastructure/db/badger"
	sqlitedb "github.com/tuxpay/tuxpay/internal/infrastructure/db/sqlite"
)

var (
	paymentStoreTypes = map[string]func(...interface{}) (domain.PaymentRepository, error){
		"badger": badgerdb.NewPaymentRepository,
		"sqlite": sqlitedb.NewPaymentRepository,
	}
	invoiceStoreTypes = map[string]func(...interface{}) (domain.InvoiceRepository, error){
		"badger": badgerdb.NewInvoiceRepository,
		"sqlite": sqlitedb.NewInvoiceRepository,
	}
	serverStoreTypes = map[string]func(...interface{}) (domain.ServerRepository, error){
		"badger": badgerdb.NewServerRepository,
		"sqlite": sqlitedb.NewServerRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	DataStoreType string

	// DataStoreConfig is (dir, badger.Logger) for badger and (dir) for sqlite.
	DataStoreConfig []interface{}
}

type service struct {
	paymentStore domain.PaymentRepository
	invoiceStore domain.InvoiceRepository
	serverStore  domain.ServerRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	paymentStoreFactory, ok := paymentStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	invoiceStoreFactory, ok := invoiceStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	serverStoreFactory, ok := serverStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	storeConfig := config.DataStoreConfig
	if config.DataStoreType == "sqlite" {
		db, err := openSqlite(config.DataStoreConfig)
		if err != nil {
			return nil, err
		}
		if err := migrateSqlite(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		storeConfig = []interface{}{db}
	}

	paymentStore, err := paymentStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment store: %w", err)
	}

	invoiceStore, err := invoiceStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice store: %w", err)
	}

	serverStore, err := serverStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create server store: %w", err)
	}

	return &service{
		paymentStore: paymentStore,
		invoiceStore: invoiceStore,
		serverStore:  serverStore,
	}, nil
}

func (s *service) Payments() domain.PaymentRepository {
	return s.paymentStore
}

func (s *service) Invoices() domain.InvoiceRepository {
	return s.invoiceStore
}

func (s *service) Servers() domain.ServerRepository {
	return s.serverStore
}

func (s *service) Close() {
	s.paymentStore.Close()
	s.invoiceStore.Close()
	s.serverStore.Close()
}

func openSqlite(config []interface{}) (*sql.DB, error) {
	if len(config) != 1 {
		return nil, errors.New("invalid config")
	}

	dbDir, ok := config[0].(string)
	if !ok {
		return nil, errors.New("invalid config")
	}

	db, err := sqlitedb.OpenDb(filepath.Join(dbDir, sqliteDbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

func migrateSqlite(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(sqlitedb.Migrations, "migration")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}

	return nil
}
