// Package main runs the AVESA operational API server: health probes, schema
// drift inspection, and SCD integrity audits over the canonical store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/avesa-io/avesa/internal/api"
	"github.com/avesa-io/avesa/internal/api/middleware"
	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/internal/scd"
	"github.com/avesa-io/avesa/internal/storage"
)

func main() {
	serverCfg := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverCfg.LogLevel,
	}))

	if err := run(serverCfg, logger); err != nil {
		logger.Error("API server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(serverCfg *api.ServerConfig, logger *slog.Logger) error {
	ctx := context.Background()

	conn, err := storage.NewConnection(ctx, storage.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	service, err := buildPipelineService(ctx, conn, logger)
	if err != nil {
		return err
	}

	opts := []api.ServerOption{api.WithServerLogger(logger)}

	keyStore, err := loadKeyStore(logger)
	if err != nil {
		return err
	}

	if keyStore != nil {
		opts = append(opts, api.WithKeyStore(keyStore))
	}

	rateCfg := middleware.LoadRateLimitConfig()
	if err := rateCfg.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	opts = append(opts, api.WithRateLimiter(middleware.NewInMemoryRateLimiter(rateCfg)))

	server, err := api.NewServer(serverCfg, conn, service, service, opts...)
	if err != nil {
		return err
	}

	return server.Start()
}

// buildPipelineService wires the mapper, schema manager, and integrity store
// behind the API's service interfaces.
func buildPipelineService(
	ctx context.Context,
	conn *storage.Connection,
	logger *slog.Logger,
) (*api.PipelineService, error) {
	schemaMgr := canonical.NewSchemaManager(
		config.GetEnvStr("AVESA_MAPPING_DIR", "mappings/canonical"))

	registry, err := canonical.LoadSourceRegistry(
		config.GetEnvStr("AVESA_INTEGRATIONS_DIR", "mappings/integrations"))
	if err != nil {
		return nil, fmt.Errorf("failed to load integration endpoints: %w", err)
	}

	mapperOpts := []canonical.MapperOption{canonical.WithLogger(logger)}

	mappingBucket := config.GetEnvStr("AVESA_MAPPING_BUCKET", "")
	if mappingBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}

		mapperOpts = append(mapperOpts, canonical.WithObjectStore(
			canonical.NewS3Store(s3.NewFromConfig(awsCfg), mappingBucket)))
	}

	mapper := canonical.NewMapper(schemaMgr, registry, mapperOpts...)

	dynamicSchema, err := storage.NewDynamicSchemaManager(conn, schemaMgr,
		storage.WithSchemaLogger(logger))
	if err != nil {
		return nil, err
	}

	integrity, err := storage.NewIntegrityStore(conn, storage.WithIntegrityLogger(logger))
	if err != nil {
		return nil, err
	}

	scdMgr, err := scd.LoadConfigManager(schemaMgr,
		config.GetEnvStr("AVESA_SCD_OVERRIDES", scd.OverrideFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load scd config: %w", err)
	}

	return api.NewPipelineService(mapper, dynamicSchema, integrity, scdMgr, mappingBucket), nil
}

// loadKeyStore builds the API key store from AVESA_API_KEYS_FILE. Returns nil
// when no file is configured, which disables authentication.
func loadKeyStore(logger *slog.Logger) (storage.KeyStore, error) {
	path := config.GetEnvStr("AVESA_API_KEYS_FILE", "")
	if path == "" {
		logger.Warn("AVESA_API_KEYS_FILE not set, API authentication is disabled")

		return nil, nil
	}

	store, err := storage.LoadKeyStoreFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys from %s: %w", path, err)
	}

	return store, nil
}
