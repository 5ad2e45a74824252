package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, env map[string]string) (*Config, error) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("TUXPAY_DATADIR", t.TempDir())
	for k, v := range env {
		t.Setenv(k, v)
	}
	return LoadConfig()
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadTestConfig(t, nil)
		require.NoError(t, err)

		require.Equal(t, "sqlite", cfg.DbType)
		require.Equal(t, "inmemory", cfg.LiveStoreType)
		require.Equal(t, 4, cfg.LogLevel)
		require.Equal(t, 24*time.Hour, cfg.PeerUpdateInterval)
		require.Equal(t, 30*time.Second, cfg.RescanInterval)
		require.Len(t, cfg.Assets, 1)

		btc := cfg.Assets[0]
		require.Equal(t, "BTC", btc.Symbol)
		require.Equal(t, int64(6), btc.RequiredConfirmations)
		require.Equal(t, int64(15), btc.PaymentExpiryMin)
		require.Equal(t, 2.0, btc.FallbackFeeRate)
		require.Empty(t, btc.ElectrumServers)
	})

	t.Run("per asset keys", func(t *testing.T) {
		cfg, err := loadTestConfig(t, map[string]string{
			"TUXPAY_ASSETS":                          "ltc, tDASH",
			"TUXPAY_LTC_REQUIRED_CONFIRMATIONS":      "0",
			"TUXPAY_LTC_ELECTRUM_SERVERS":            "a.example.com t50001 s50002, b.example.com s",
			"TUXPAY_LTC_ELECTRUM_NO_PUBLIC_FALLBACK": "true",
			"TUXPAY_LTC_DERIVATION_ACCOUNT":          "1",
			"TUXPAY_TDASH_PAYMENT_EXPIRY_MIN":        "30",
			"TUXPAY_EMAIL_RECIPIENTS":                "a@example.com,b@example.com",
			"TUXPAY_RESCAN_INTERVAL":                 "10s",
		})
		require.NoError(t, err)
		require.Len(t, cfg.Assets, 2)

		ltc := cfg.Assets[0]
		require.Equal(t, "LTC", ltc.Symbol)
		require.Zero(t, ltc.RequiredConfirmations)
		require.Equal(t, []string{"a.example.com t50001 s50002", "b.example.com s"}, ltc.ElectrumServers)
		require.True(t, ltc.NoPublicFallback)
		require.Equal(t, uint32(1), ltc.DerivationAccount)

		dash := cfg.Assets[1]
		require.Equal(t, "tDASH", dash.Symbol)
		require.Equal(t, int64(30), dash.PaymentExpiryMin)
		require.Equal(t, int64(6), dash.RequiredConfirmations)

		require.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.EmailRecipients)
		require.Equal(t, 10*time.Second, cfg.RescanInterval)
	})

	t.Run("config file", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		datadir := t.TempDir()
		require.NoError(t, os.WriteFile(
			filepath.Join(datadir, "config.yaml"), []byte("db_type: badger\nltc_xpub: xpubfromfile\nassets: LTC\n"), 0644,
		))
		t.Setenv("TUXPAY_DATADIR", datadir)

		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.Equal(t, "badger", cfg.DbType)
		require.Equal(t, "xpubfromfile", cfg.Assets[0].Xpub)
	})

	t.Run("unknown asset", func(t *testing.T) {
		_, err := loadTestConfig(t, map[string]string{"TUXPAY_ASSETS": "XYZ"})
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	fixtures := []struct {
		name string
		env  map[string]string
	}{
		{"db type", map[string]string{"TUXPAY_DB_TYPE": "postgres"}},
		{"live store type", map[string]string{"TUXPAY_LIVE_STORE_TYPE": "memcached"}},
		{"no assets", map[string]string{"TUXPAY_ASSETS": " "}},
		{"confirmations", map[string]string{"TUXPAY_BTC_REQUIRED_CONFIRMATIONS": "-1"}},
		{"expiry", map[string]string{"TUXPAY_BTC_PAYMENT_EXPIRY_MIN": "0"}},
		{"no public fallback", map[string]string{"TUXPAY_BTC_ELECTRUM_NO_PUBLIC_FALLBACK": "true"}},
		{"peer update interval", map[string]string{"TUXPAY_PEER_UPDATE_INTERVAL": "1s"}},
		{"callback url", map[string]string{"TUXPAY_PAYMENT_CALLBACK_URL": "ftp://example.com"}},
		{"email", map[string]string{"TUXPAY_EMAIL_NOTIFICATIONS": "true"}},
		{"nostr", map[string]string{"TUXPAY_NOSTR_PROFILE": "npub1invalid"}},
	}
	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			cfg, err := loadTestConfig(t, f.env)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			if cfg.repo != nil {
				cfg.repo.Close()
			}
		})
	}

	t.Run("valid", func(t *testing.T) {
		cfg, err := loadTestConfig(t, map[string]string{
			"TUXPAY_PAYMENT_CALLBACK_URL": "https://example.com/callback",
		})
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		defer cfg.repo.Close()

		require.NotNil(t, cfg.RepoManager())
		require.NotNil(t, cfg.notifier)

		// no xpub configured
		_, err = cfg.AppService()
		require.Error(t, err)

		chain, err := cfg.ChainService("btc")
		require.NoError(t, err)
		require.Equal(t, "BTC", chain.Symbol())
		again, err := cfg.ChainService("BTC")
		require.NoError(t, err)
		require.Equal(t, chain, again)
	})
}
