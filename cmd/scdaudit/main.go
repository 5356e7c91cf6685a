// Package main provides the SCD integrity audit CLI. It checks type_2
// canonical tables for version chain violations (overlapping current rows,
// open-ended superseded rows, future-dated and inverted ranges) and can
// apply throttled repairs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/avesa-io/avesa/internal/canonical"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/internal/scd"
	"github.com/avesa-io/avesa/internal/storage"
)

func main() {
	var (
		databaseURL = flag.String("db", "", "ClickHouse connection string (default: AVESA_CLICKHOUSE_URL)")
		tableFlag   = flag.String("table", "", "audit a single table (default: all type_2 tables)")
		repair      = flag.Bool("repair", false, "apply planned repairs (default: dry run)")
		keepLatest  = flag.Bool("keep-latest", false, "resolve overlaps in favor of the newest current row")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
	}))

	if err := run(context.Background(), logger, *databaseURL, *tableFlag, *repair, *keepLatest); err != nil {
		logger.Error("Audit failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	logger *slog.Logger,
	databaseURL, table string,
	repair, keepLatest bool,
) error {
	cfg := storage.LoadConfig()
	if databaseURL != "" {
		cfg = storage.NewConfig(databaseURL)
	}

	conn, err := storage.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	schemaMgr := canonical.NewSchemaManager(
		config.GetEnvStr("AVESA_MAPPING_DIR", "mappings/canonical"))

	registry, err := canonical.LoadSourceRegistry(
		config.GetEnvStr("AVESA_INTEGRATIONS_DIR", "mappings/integrations"))
	if err != nil {
		return fmt.Errorf("failed to load integration endpoints: %w", err)
	}

	mapper := canonical.NewMapper(schemaMgr, registry, canonical.WithLogger(logger))

	scdMgr, err := scd.LoadConfigManager(schemaMgr,
		config.GetEnvStr("AVESA_SCD_OVERRIDES", scd.OverrideFileName))
	if err != nil {
		return fmt.Errorf("failed to load scd config: %w", err)
	}

	tables, err := auditTables(scdMgr, table)
	if err != nil {
		return err
	}

	opts := []storage.IntegrityStoreOption{storage.WithIntegrityLogger(logger)}
	if keepLatest {
		opts = append(opts, storage.WithKeepPolicy(scd.KeepLatestStart))
	}

	integrity, err := storage.NewIntegrityStore(conn, opts...)
	if err != nil {
		return err
	}

	dynamicSchema, err := storage.NewDynamicSchemaManager(conn, schemaMgr,
		storage.WithSchemaLogger(logger))
	if err != nil {
		return err
	}

	violations := 0

	for _, tableName := range tables {
		mapping, err := mapper.LoadMapping(ctx, tableName, config.GetEnvStr("AVESA_MAPPING_BUCKET", ""))
		if err != nil {
			return fmt.Errorf("failed to load mapping for %s: %w", tableName, err)
		}

		result, err := integrity.Audit(ctx, tableName, dynamicSchema.NaturalKeyColumn(mapping), repair)
		if err != nil {
			return fmt.Errorf("audit of %s failed: %w", tableName, err)
		}

		violations += result.Report.ViolationCount()
		printResult(result)
	}

	if violations > 0 && !repair {
		return fmt.Errorf("found %d violations (dry run, rerun with -repair to fix)", violations)
	}

	return nil
}

// auditTables resolves which tables to audit. Only type_2 tables carry
// version chains worth checking.
func auditTables(scdMgr *scd.ConfigManager, table string) ([]string, error) {
	candidates := canonical.DefaultTables()
	if table != "" {
		candidates = []string{table}
	}

	tables, err := scdMgr.FilterTablesByType(candidates, canonical.SCDType2)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scd types: %w", err)
	}

	if len(tables) == 0 {
		return nil, fmt.Errorf("no type_2 tables to audit (got %v)", candidates)
	}

	return tables, nil
}

func printResult(result *storage.AuditResult) {
	mode := "dry-run"
	if result.Repaired {
		mode = fmt.Sprintf("repaired, %d mutations", result.RepairsApplied)
	}

	fmt.Printf("%s: %d rows, %d overlaps, %d orphans, %d future-dated, %d inverted (%s)\n",
		result.Table,
		result.Report.RowsChecked,
		len(result.Report.Overlaps),
		len(result.Report.Orphans),
		len(result.Report.FutureDated),
		len(result.Report.InvertedRanges),
		mode,
	)
}
