package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tuxpay/tuxpay/internal/core/application"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/internal/infrastructure/db"
	"github.com/tuxpay/tuxpay/internal/infrastructure/electrum"
	inmemorylivestore "github.com/tuxpay/tuxpay/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/tuxpay/tuxpay/internal/infrastructure/live-store/redis"
	"github.com/tuxpay/tuxpay/internal/infrastructure/notifier"
	emailnotifier "github.com/tuxpay/tuxpay/internal/infrastructure/notifier/email"
	nostrnotifier "github.com/tuxpay/tuxpay/internal/infrastructure/notifier/nostr"
	webhooknotifier "github.com/tuxpay/tuxpay/internal/infrastructure/notifier/webhook"
	timescheduler "github.com/tuxpay/tuxpay/internal/infrastructure/scheduler/gocron"
	"github.com/tuxpay/tuxpay/internal/infrastructure/wallet/xpub"
	"github.com/tuxpay/tuxpay/pkg/common"
)

var (
	supportedDbs = supportedType{
		"badger": {},
		"sqlite": {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type AssetConfig struct {
	Symbol                string
	RequiredConfirmations int64
	PaymentExpiryMin      int64
	FallbackFeeRate       float64
	ElectrumServers       []string
	NoPublicFallback      bool
	Xpub                  string
	DerivationPath        string
	DerivationAccount     uint32
}

type Config struct {
	Datadir  string
	LogLevel int

	DbType             string
	DbDir              string
	LiveStoreType      string
	RedisURL           string
	TorProxy           string
	PeerUpdateInterval time.Duration
	RescanInterval     time.Duration
	Assets             []AssetConfig

	PaymentCallbackURL string
	EmailNotifications bool
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string `json:"-"`
	SMTPFromName       string
	EmailRecipients    []string
	NostrProfile       string

	repo      ports.RepoManager
	liveStore ports.LiveStore
	scheduler ports.SchedulerService
	notifier  ports.Notifier
	chains    map[string]ports.ChainService
	svc       application.Service
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir            = "DATADIR"
	LogLevel           = "LOG_LEVEL"
	DbType             = "DB_TYPE"
	LiveStoreType      = "LIVE_STORE_TYPE"
	RedisURL           = "REDIS_URL"
	Assets             = "ASSETS"
	TorProxy           = "TOR_PROXY"
	PeerUpdateInterval = "PEER_UPDATE_INTERVAL"
	RescanInterval     = "RESCAN_INTERVAL"
	PaymentCallbackURL = "PAYMENT_CALLBACK_URL"
	EmailNotifications = "EMAIL_NOTIFICATIONS"
	SMTPHost           = "SMTP_HOST"
	SMTPPort           = "SMTP_PORT"
	SMTPUsername       = "SMTP_USERNAME"
	SMTPPassword       = "SMTP_PASSWORD"
	SMTPFromName       = "SMTP_FROM_NAME"
	EmailRecipients    = "EMAIL_RECIPIENTS"
	NostrProfile       = "NOSTR_PROFILE"

	// per asset, prefixed with the asset symbol
	RequiredConfirmations = "REQUIRED_CONFIRMATIONS"
	PaymentExpiryMin      = "PAYMENT_EXPIRY_MIN"
	FallbackFeeRate       = "FALLBACK_FEERATE"
	ElectrumServers       = "ELECTRUM_SERVERS"
	NoPublicFallback      = "ELECTRUM_NO_PUBLIC_FALLBACK"
	Xpub                  = "XPUB"
	DerivationPath        = "DERIVATION_PATH"
	DerivationAccount     = "DERIVATION_ACCOUNT"

	defaultDatadir               = btcutil.AppDataDir("tuxpay", false)
	defaultLogLevel              = 4
	defaultDbType                = "sqlite"
	defaultLiveStoreType         = "inmemory"
	defaultRedisURL              = "redis://localhost:6379/0"
	defaultAssets                = "BTC"
	defaultPeerUpdateInterval    = 24 * time.Hour
	defaultRescanInterval        = 30 * time.Second
	defaultSMTPPort              = 587
	defaultRequiredConfirmations = 6
	defaultPaymentExpiryMin      = 15
	defaultFallbackFeeRate       = 2.0
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("TUXPAY")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(LiveStoreType, defaultLiveStoreType)
	viper.SetDefault(RedisURL, defaultRedisURL)
	viper.SetDefault(Assets, defaultAssets)
	viper.SetDefault(PeerUpdateInterval, defaultPeerUpdateInterval)
	viper.SetDefault(RescanInterval, defaultRescanInterval)
	viper.SetDefault(SMTPPort, defaultSMTPPort)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}
	if err := readConfigFile(); err != nil {
		return nil, err
	}

	assets := make([]AssetConfig, 0)
	for _, symbol := range splitList(viper.GetString(Assets)) {
		asset, err := common.GetAsset(symbol)
		if err != nil {
			return nil, err
		}
		assets = append(assets, loadAssetConfig(asset.Symbol))
	}

	return &Config{
		Datadir:            viper.GetString(Datadir),
		LogLevel:           viper.GetInt(LogLevel),
		DbType:             viper.GetString(DbType),
		DbDir:              filepath.Join(viper.GetString(Datadir), "db"),
		LiveStoreType:      viper.GetString(LiveStoreType),
		RedisURL:           viper.GetString(RedisURL),
		TorProxy:           viper.GetString(TorProxy),
		PeerUpdateInterval: viper.GetDuration(PeerUpdateInterval),
		RescanInterval:     viper.GetDuration(RescanInterval),
		Assets:             assets,
		PaymentCallbackURL: viper.GetString(PaymentCallbackURL),
		EmailNotifications: viper.GetBool(EmailNotifications),
		SMTPHost:           viper.GetString(SMTPHost),
		SMTPPort:           viper.GetInt(SMTPPort),
		SMTPUsername:       viper.GetString(SMTPUsername),
		SMTPPassword:       viper.GetString(SMTPPassword),
		SMTPFromName:       viper.GetString(SMTPFromName),
		EmailRecipients:    splitList(viper.GetString(EmailRecipients)),
		NostrProfile:       viper.GetString(NostrProfile),
	}, nil
}

func loadAssetConfig(symbol string) AssetConfig {
	key := func(name string) string {
		return fmt.Sprintf("%s_%s", strings.ToUpper(symbol), name)
	}
	viper.SetDefault(key(RequiredConfirmations), defaultRequiredConfirmations)
	viper.SetDefault(key(PaymentExpiryMin), defaultPaymentExpiryMin)
	viper.SetDefault(key(FallbackFeeRate), defaultFallbackFeeRate)

	return AssetConfig{
		Symbol:                symbol,
		RequiredConfirmations: viper.GetInt64(key(RequiredConfirmations)),
		PaymentExpiryMin:      viper.GetInt64(key(PaymentExpiryMin)),
		FallbackFeeRate:       viper.GetFloat64(key(FallbackFeeRate)),
		ElectrumServers:       splitList(viper.GetString(key(ElectrumServers))),
		NoPublicFallback:      viper.GetBool(key(NoPublicFallback)),
		Xpub:                  viper.GetString(key(Xpub)),
		DerivationPath:        viper.GetString(key(DerivationPath)),
		DerivationAccount:     viper.GetUint32(key(DerivationAccount)),
	}
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf("live store type not supported, please select one of: %s", supportedLiveStores)
	}
	if len(c.Assets) <= 0 {
		return fmt.Errorf("missing assets")
	}
	for _, a := range c.Assets {
		if a.RequiredConfirmations < 0 {
			return fmt.Errorf("invalid %s required confirmations, must be >= 0", a.Symbol)
		}
		if a.PaymentExpiryMin <= 0 {
			return fmt.Errorf("invalid %s payment expiry, must be > 0", a.Symbol)
		}
		if a.FallbackFeeRate <= 0 {
			return fmt.Errorf("invalid %s fallback fee rate, must be > 0", a.Symbol)
		}
		if a.NoPublicFallback && len(a.ElectrumServers) <= 0 {
			return fmt.Errorf("public fallback disabled but no %s electrum server configured", a.Symbol)
		}
	}
	if c.PeerUpdateInterval < time.Minute {
		return fmt.Errorf("invalid peer update interval, must be at least 1 minute")
	}
	if c.RescanInterval < time.Second {
		return fmt.Errorf("invalid rescan interval, must be at least 1 second")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.notifierService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

// ChainService returns the electrum backed chain service of the given asset.
// It doesn't require the asset to be enabled.
func (c *Config) ChainService(symbol string) (ports.ChainService, error) {
	asset, err := common.GetAsset(symbol)
	if err != nil {
		return nil, err
	}
	if chain, ok := c.chains[asset.Symbol]; ok {
		return chain, nil
	}

	cfg := AssetConfig{Symbol: asset.Symbol}
	for _, a := range c.Assets {
		if a.Symbol == asset.Symbol {
			cfg = a
		}
	}

	var serverRepo domain.ServerRepository
	if c.repo != nil {
		serverRepo = c.repo.Servers()
	}
	registry, err := electrum.NewRegistry(
		asset, serverRepo, cfg.ElectrumServers, cfg.NoPublicFallback,
	)
	if err != nil {
		return nil, err
	}
	if err := registry.Load(context.Background()); err != nil {
		return nil, err
	}

	chain := electrum.NewChainService(
		electrum.NewClient(asset, registry, electrum.NewDialer(c.TorProxy)),
	)
	if c.chains == nil {
		c.chains = make(map[string]ports.ChainService)
	}
	c.chains[asset.Symbol] = chain
	return chain, nil
}

func (c *Config) RepoManager() ports.RepoManager {
	return c.repo
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	default:
		return fmt.Errorf("unknown db type")
	}

	if err := makeDirectoryIfNotExists(c.DbDir); err != nil {
		return err
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}
	c.repo = svc
	return nil
}

func (c *Config) liveStoreService() error {
	var liveStoreSvc ports.LiveStore
	switch c.LiveStoreType {
	case "inmemory":
		liveStoreSvc = inmemorylivestore.NewLiveStore()
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		liveStoreSvc = redislivestore.NewLiveStore(redis.NewClient(redisOpts))
	default:
		return fmt.Errorf("unknown liveStore type")
	}
	c.liveStore = liveStoreSvc
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) notifierService() error {
	notifiers := make([]ports.Notifier, 0)

	if len(c.PaymentCallbackURL) > 0 {
		svc, err := webhooknotifier.New(c.PaymentCallbackURL, c.scheduler)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, svc)
	}
	if c.EmailNotifications {
		svc, err := emailnotifier.New(emailnotifier.Config{
			Host:       c.SMTPHost,
			Port:       c.SMTPPort,
			Username:   c.SMTPUsername,
			Password:   c.SMTPPassword,
			FromName:   c.SMTPFromName,
			Recipients: c.EmailRecipients,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, svc)
	}
	if len(c.NostrProfile) > 0 {
		svc, err := nostrnotifier.New(c.NostrProfile)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, svc)
	}

	c.notifier = notifier.NewMulti(notifiers...)
	return nil
}

func (c *Config) appService() error {
	if c.repo == nil || c.liveStore == nil || c.scheduler == nil {
		return fmt.Errorf("config not validated")
	}

	assets := make([]application.AssetConfig, 0, len(c.Assets))
	for _, a := range c.Assets {
		asset, err := common.GetAsset(a.Symbol)
		if err != nil {
			return err
		}
		if len(a.Xpub) <= 0 {
			return fmt.Errorf("missing %s xpub", a.Symbol)
		}
		deriver, err := xpub.NewAddressDeriver(asset, a.Xpub, a.DerivationPath)
		if err != nil {
			return fmt.Errorf("invalid %s xpub: %w", a.Symbol, err)
		}
		chain, err := c.ChainService(a.Symbol)
		if err != nil {
			return err
		}

		assets = append(assets, application.AssetConfig{
			Asset:                 asset,
			RequiredConfirmations: a.RequiredConfirmations,
			PaymentExpiry:         time.Duration(a.PaymentExpiryMin) * time.Minute,
			FallbackFeeRate:       a.FallbackFeeRate,
			DerivationAccount:     a.DerivationAccount,
			Chain:                 chain,
			Deriver:               deriver,
		})
	}

	svc, err := application.NewService(
		application.Config{
			Assets:             assets,
			PeerUpdateInterval: c.PeerUpdateInterval,
			RescanInterval:     c.RescanInterval,
		},
		c.repo, c.liveStore, c.scheduler, c.notifier,
	)
	if err != nil {
		return err
	}
	c.svc = svc
	return nil
}

func initDatadir() error {
	datadir := viper.GetString(Datadir)
	return makeDirectoryIfNotExists(datadir)
}

// readConfigFile merges the optional config.yaml of the datadir.
func readConfigFile() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(viper.GetString(Datadir))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func splitList(value string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	sort.Strings(types)
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
