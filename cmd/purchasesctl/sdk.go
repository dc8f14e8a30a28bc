package main

import (
	"context"
	"os"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/mihaimyh/gopurchases/cmd/purchasesctl/configuration"
	"github.com/mihaimyh/gopurchases/pkg/backend"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
	zerologadapter "github.com/mihaimyh/gopurchases/pkg/purchases/logger/zerolog"
	"github.com/mihaimyh/gopurchases/storage/firestore"
	"github.com/mihaimyh/gopurchases/storage/leveldb"
	"github.com/mihaimyh/gopurchases/storage/memory"
	"github.com/mihaimyh/gopurchases/storage/postgres"
	"github.com/mihaimyh/gopurchases/storage/redis"
	storememory "github.com/mihaimyh/gopurchases/store/memory"
	"github.com/mihaimyh/gopurchases/store/playstore"
	"github.com/mihaimyh/gopurchases/store/productcache"
	"github.com/mihaimyh/gopurchases/store/stripe"
)

type sdk struct {
	Purchases *purchases.Purchases
	closers   []func()
}

func (s *sdk) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newSDK(ctx context.Context, m *metadata) (_ *sdk, err error) {
	cfg := m.config
	s := &sdk{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	logger := newLogger(cfg.LogLevel, m.verbose)

	storage, closeStorage, err := openStorage(ctx, cfg.Storage, cfg.Store.CredentialsFile)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeStorage)

	store, err := openStore(ctx, cfg.Store, storage, logger)
	if err != nil {
		return nil, err
	}
	cached := productcache.WrapStore(store, cfg.Store.ProductCacheTTL)
	s.closers = append(s.closers, cached.Close)

	client, err := backend.NewClient(backend.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		AppVersion: version,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	s.Purchases, err = purchases.New(ctx, purchases.Config{
		AppUserID:                 cfg.AppUserID,
		ObserverMode:              cfg.ObserverMode,
		EnableOfflineEntitlements: cfg.OfflineEntitlements,
		KeyPrefix:                 cfg.Storage.KeyPrefix,
		Logger:                    logger,
	}, purchases.Dependencies{
		Backend: client,
		Store:   cached,
		Storage: storage,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newLogger(level string, verbose bool) purchases.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
	return zerologadapter.NewLogger(zl)
}

func openStorage(
	ctx context.Context, cfg configuration.Storage, credentialsFile string,
) (purchases.KeyValueStore, func(), error) {
	switch cfg.Driver {
	case configuration.StorageRedis:
		st, err := redis.New(goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr}), redis.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case configuration.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		pgConfig.CleanupEnabled = false
		st, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	case configuration.StorageFirestore:
		var opts []option.ClientOption
		if credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
		client, err := gcfirestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, nil, err
		}
		st, err := firestore.New(client, firestore.Config{Collection: cfg.Collection})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return st, func() { _ = client.Close() }, nil
	case configuration.StorageMemory:
		return memory.New(), func() {}, nil
	default:
		st, err := leveldb.Open(leveldb.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
}

func openStore(
	ctx context.Context, cfg configuration.Store, storage purchases.KeyValueStore, logger purchases.Logger,
) (purchases.StoreClient, error) {
	switch cfg.Driver {
	case configuration.StorePlayStore:
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		return playstore.New(ctx, playstore.Config{
			PackageName:   cfg.PackageName,
			ClientOptions: opts,
			Registry:      playstore.NewKeyValueRegistry(storage),
			Logger:        logger,
		})
	case configuration.StoreStripe:
		return stripe.New(stripe.Config{APIKey: cfg.StripeKey, Logger: logger})
	default:
		return storememory.New(), nil
	}
}
