package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/spacepanda/core/config"
	"github.com/spacepanda/core/crypto/keys"
	"github.com/spacepanda/core/internal/logger"
	"github.com/spacepanda/core/service"
	"github.com/spacepanda/core/storage/sqlite"
)

// loadConfig resolves the effective configuration from the --config flag,
// falling back to defaults, with --storage-dir taking precedence.
func loadConfig() (*config.Config, error) {
	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if storagePath != "" {
		cfg.StoragePath = storagePath
	}
	return cfg, nil
}

// openStore opens the sqlite store at the configured path, creating the
// directory if needed. Migrations run as part of opening.
func openStore(ctx context.Context, cfg *config.Config) (*sqlite.Store, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return sqlite.Open(ctx, cfg.StoragePath)
}

// buildService wires a Service from the configuration and environment. The
// master key and device seed come from the environment; a passphrase KDF
// upstream of this process is expected to populate them.
func buildService(ctx context.Context, cfg *config.Config) (*service.Service, *sqlite.Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	masterKeyInput := os.Getenv("SPACEPANDA_MASTER_KEY")
	if masterKeyInput == "" {
		store.Close()
		return nil, nil, fmt.Errorf("SPACEPANDA_MASTER_KEY is not set")
	}
	masterKey := sha256.Sum256([]byte(masterKeyInput))

	deviceSeed := sha256.Sum256([]byte(masterKeyInput + "/device-signing"))
	signingKey, err := keys.Ed25519KeyPairFromSeed(deviceSeed[:])
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	identity := os.Getenv("SPACEPANDA_IDENTITY")
	if identity == "" {
		identity = "local-device"
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.Logging.Level))
	log.SetPrettyPrint(cfg.Logging.Pretty)

	svc, err := service.New(service.Options{
		Config:     cfg,
		Store:      store,
		Logger:     log,
		Identity:   []byte(identity),
		SigningKey: signingKey,
		MasterKey:  masterKey[:],
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}
