// Package main runs the AVESA transformation worker: it consumes raw source
// records from Kafka, maps them into tenant-scoped canonical records, and
// writes them to ClickHouse with SCD semantics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/internal/ingestion"
	"github.com/avesa-io/avesa/internal/scd"
	"github.com/avesa-io/avesa/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Transformer exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	consumerCfg := ingestion.LoadConsumerConfig()
	if err := consumerCfg.Validate(); err != nil {
		return fmt.Errorf("invalid consumer config: %w", err)
	}

	conn, err := storage.NewConnection(ctx, storage.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	mapper, schemaMgr, err := buildMapper(ctx, logger, consumerCfg.MappingBucket)
	if err != nil {
		return err
	}

	scdMgr, err := scd.LoadConfigManager(schemaMgr,
		config.GetEnvStr("AVESA_SCD_OVERRIDES", scd.OverrideFileName))
	if err != nil {
		return fmt.Errorf("failed to load scd config: %w", err)
	}

	if err := ensureTables(ctx, conn, mapper, schemaMgr, logger, consumerCfg.MappingBucket); err != nil {
		return err
	}

	writer, err := storage.NewCanonicalWriter(conn, storage.WithWriterLogger(logger))
	if err != nil {
		return err
	}

	consumer, err := ingestion.NewConsumer(consumerCfg, mapper, writer, scdMgr,
		ingestion.WithConsumerLogger(logger))
	if err != nil {
		return err
	}

	logger.Info("Transformer started",
		slog.String("topic", consumerCfg.Topic),
		slog.String("group_id", consumerCfg.GroupID),
	)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Transformer stopped")

	return nil
}

// buildMapper wires the canonical mapper from the configured mapping and
// integration endpoint directories, with an optional S3 mapping tier.
func buildMapper(
	ctx context.Context,
	logger *slog.Logger,
	mappingBucket string,
) (*canonical.Mapper, *canonical.SchemaManager, error) {
	schemaMgr := canonical.NewSchemaManager(
		config.GetEnvStr("AVESA_MAPPING_DIR", "mappings/canonical"))

	registry, err := canonical.LoadSourceRegistry(
		config.GetEnvStr("AVESA_INTEGRATIONS_DIR", "mappings/integrations"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load integration endpoints: %w", err)
	}

	opts := []canonical.MapperOption{canonical.WithLogger(logger)}

	if mappingBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
		}

		opts = append(opts, canonical.WithObjectStore(
			canonical.NewS3Store(s3.NewFromConfig(awsCfg), mappingBucket)))
	}

	return canonical.NewMapper(schemaMgr, registry, opts...), schemaMgr, nil
}

// ensureTables creates or evolves the canonical tables the worker writes to.
// The table list defaults to every table with a compiled-in mapping.
func ensureTables(
	ctx context.Context,
	conn *storage.Connection,
	mapper *canonical.Mapper,
	schemaMgr *canonical.SchemaManager,
	logger *slog.Logger,
	mappingBucket string,
) error {
	tables := config.ParseCommaSeparatedList(config.GetEnvStr("AVESA_CANONICAL_TABLES", ""))
	if len(tables) == 0 {
		tables = canonical.DefaultTables()
	}

	// Legacy deployments keep alphabetical column order by setting this false.
	orderedSchema := config.GetEnvBool("AVESA_ORDERED_SCHEMA", true)

	manager, err := storage.NewDynamicSchemaManager(conn, schemaMgr,
		storage.WithSchemaLogger(logger))
	if err != nil {
		return err
	}

	for _, table := range tables {
		mapping, err := mapper.LoadMapping(ctx, table, mappingBucket)
		if err != nil {
			return fmt.Errorf("failed to load mapping for %s: %w", table, err)
		}

		if err := manager.CreateTableFromMapping(ctx, table, mapping, orderedSchema); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}

		if _, err := manager.UpdateTableSchema(ctx, table, mapping); err != nil {
			return fmt.Errorf("failed to evolve table %s: %w", table, err)
		}
	}

	return nil
}
