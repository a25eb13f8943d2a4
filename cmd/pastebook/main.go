package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastebook/cfg"
	"pastebook/pkg/kms"
	"pastebook/svc/api"
	"pastebook/svc/auth"
	"pastebook/svc/db"
	"pastebook/svc/files"
	"pastebook/svc/lim"
	"pastebook/svc/schema"
	"pastebook/svc/svc"
	"pastebook/svc/util"

	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.InitLog("info", false)
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.Info().Str("environment", c.Environment).Msg("starting pastebook")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adapter *kms.Adapter
	if c.KMS.Configured() {
		adapter, err = kms.NewAdapter(ctx, kms.Options{
			VaultAddr:       c.KMS.VaultAddr,
			VaultToken:      c.KMS.VaultToken.Value(),
			VaultTokenFile:  c.KMS.VaultTokenFile,
			VaultMountPath:  c.KMS.VaultMountPath,
			VaultKeyID:      c.KMS.VaultKeyID,
			VaultSecretPath: c.KMS.VaultSecretPath,
			AWSRegion:       c.KMS.AWSRegion,
			AWSKeyID:        c.KMS.AWSKeyID,
			LocalKey:        c.KMS.LocalKey.Value(),
			RequirePrimary:  c.KMS.RequirePrimary,
			FailClosed:      c.KMS.FailClosed,
		})
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		}
		util.Info().Msg("KMS adapter initialized")
	}

	pepper, err := loadPepper(ctx, c, adapter)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load pepper")
	}
	defer util.Wipe(pepper)

	sqlDB, err := db.Open(db.Options{
		Path:          c.DatabasePath,
		MaxOpenConns:  c.DBMaxOpenConns,
		MaxIdleConns:  c.DBMaxIdleConns,
		QueryTimeout:  c.DBQueryTimeout,
		TxTimeout:     c.TxAcquireTimeout,
		MinLookupTime: c.DBMinLookupTime,
		AutoMigrate:   c.DBAutoMigrate,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Bool("auto_migrate", c.DBAutoMigrate).Msg("database initialized")

	tol, err := schema.New(sqlDB.Prober(), c.SchemaProbeTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize schema probe")
	}
	if caps, err := tol.Snapshot(ctx); err != nil {
		util.Warn().Err(err).Msg("initial schema probe failed")
	} else if !caps.Rich() {
		util.Warn().Interface("capabilities", caps).Msg("storage schema is missing optional tables or columns, running degraded")
	}

	var (
		cache api.Pinger
		blobs api.Pinger
		ctr   lim.Counter
	)
	if c.RedisURL != "" {
		rdb, err := db.NewRedis(c)
		if err != nil {
			if c.IsProduction() {
				util.Fatal().Err(err).Msg("redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using local rate limits")
		} else {
			defer rdb.Close()
			cache, ctr = rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	var (
		backend files.Backend
		sealer  files.Sealer
	)
	if c.FileBackend == cfg.FileBackendMinio {
		m, err := files.NewMinio(ctx, c.Minio)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize object store")
		}
		backend, blobs = m, m
		util.Info().Str("bucket", c.Minio.Bucket).Msg("object store initialized")
	}
	if c.FileEncryption {
		if adapter == nil {
			util.Fatal().Msg("FILE_ENCRYPTION=true requires a KMS provider")
		}
		dekCache := kms.NewDEKCache(adapter, c.DEKCacheTTL)
		defer dekCache.Stop()
		sealer = kms.NewSealer(adapter, dekCache)
		util.Info().Dur("dek_cache_ttl", c.DEKCacheTTL).Msg("attachment encryption enabled")
	}
	store := files.NewStore(backend, sealer)

	hasher, err := auth.NewHasher(auth.Params{
		Time:        c.Argon2Time,
		Memory:      c.Argon2Memory,
		Parallelism: c.Argon2Parallelism,
		KeyLen:      c.Argon2KeyLen,
	}, pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	limiter, err := lim.New(c.RateLimit, ctr, c.TrustedProxies, pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", ctr != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	pasteSvc := svc.NewPaste(sqlDB, tol, hasher, store, c)
	if err := pasteSvc.StartCleaner(ctx, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	}
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		sqlDB.RunWALMaintenance(ctx, 5*time.Minute)
	}()

	server := api.NewServer(c, pasteSvc, limiter, sqlDB, cache, blobs)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			util.Error().Err(err).Msg("server stopped")
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()
	select {
	case <-walDone:
	case <-shutdownCtx.Done():
		util.Warn().Msg("WAL maintenance did not stop in time")
	}
	util.Info().Msg("shutdown complete")
}

// loadPepper returns the password pepper from KMS or the environment.
func loadPepper(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	if c.PepperFromKMS {
		if adapter == nil {
			return nil, errors.New("PEPPER_FROM_KMS=true but no KMS provider is configured")
		}
		encoded, err := adapter.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, errors.Wrap(err, "read pepper from KMS")
		}
		pepper, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "decode pepper")
		}
		return pepper, nil
	}
	if c.Pepper.Value() == "" {
		return nil, errors.New("PEPPER must be set when PEPPER_FROM_KMS=false")
	}
	return []byte(c.Pepper.Value()), nil
}

// healthCheck is used as the container probe: it only opens the database
// and pings it.
func healthCheck() int {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "pastebook.db"
	}
	sqlDB, err := db.Open(db.Options{Path: path})
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
