package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/internal/scd"
)

// Mutation throttling. ALTER TABLE UPDATE is a heavyweight mutation in
// ClickHouse; an unthrottled repair of a badly drifted table can starve the
// merge scheduler.
const (
	defaultMutationsPerSecond = 2
	defaultMutationBurst      = 1
)

// ErrAuditFailed is returned when an integrity audit cannot complete.
var ErrAuditFailed = errors.New("scd integrity audit failed")

type (
	// AuditResult is the persisted outcome of one integrity pass.
	AuditResult struct {
		RunID          string
		Table          string
		StartedAt      time.Time
		FinishedAt     time.Time
		Report         scd.Report
		RepairsApplied int
		Repaired       bool
	}

	// IntegrityStore runs SCD integrity audits against stored type_2 tables
	// and applies planned repairs as throttled ALTER TABLE mutations.
	//
	// Detection and planning are delegated to the scd package over fetched
	// rows; this store owns only the SQL on either side.
	IntegrityStore struct {
		conn    *Connection
		limiter *rate.Limiter
		logger  *slog.Logger
		policy  scd.KeepPolicy
		now     func() time.Time
	}

	// IntegrityStoreOption configures optional IntegrityStore behavior.
	IntegrityStoreOption func(*IntegrityStore)
)

// WithKeepPolicy overrides the overlap survivor policy (default
// scd.KeepEarliestStart).
func WithKeepPolicy(policy scd.KeepPolicy) IntegrityStoreOption {
	return func(s *IntegrityStore) {
		s.policy = policy
	}
}

// WithMutationRate overrides the repair mutation throttle.
func WithMutationRate(perSecond float64, burst int) IntegrityStoreOption {
	return func(s *IntegrityStore) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithIntegrityClock injects the time source, for deterministic tests.
func WithIntegrityClock(now func() time.Time) IntegrityStoreOption {
	return func(s *IntegrityStore) {
		s.now = now
	}
}

// WithIntegrityLogger overrides the default JSON logger.
func WithIntegrityLogger(logger *slog.Logger) IntegrityStoreOption {
	return func(s *IntegrityStore) {
		s.logger = logger
	}
}

// NewIntegrityStore creates an integrity store over a live connection.
func NewIntegrityStore(conn *Connection, opts ...IntegrityStoreOption) (*IntegrityStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &IntegrityStore{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(defaultMutationsPerSecond), defaultMutationBurst),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("AVESA_LOG_LEVEL", slog.LevelInfo),
		})),
		policy: scd.KeepEarliestStart,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// FetchVersionRows reads a table's version rows for integrity checking.
// naturalKeyColumn is the table's business identifier column (company_id,
// ticket_id, ...).
func (s *IntegrityStore) FetchVersionRows(
	ctx context.Context,
	tableName, naturalKeyColumn string,
) ([]scd.VersionRow, error) {
	if err := validateTableName(tableName); err != nil {
		return nil, err
	}

	if err := validateTableName(naturalKeyColumn); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT tenant_id, %s, record_hash, effective_start_date, effective_end_date, is_current
		 FROM %s FINAL
		 ORDER BY tenant_id, %s, effective_start_date`,
		naturalKeyColumn, tableName, naturalKeyColumn,
	)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrAuditFailed, tableName, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var versions []scd.VersionRow

	for rows.Next() {
		var (
			row scd.VersionRow
			end sql.NullTime
		)

		if err := rows.Scan(
			&row.TenantID, &row.NaturalKey, &row.RecordHash,
			&row.EffectiveStartDate, &end, &row.IsCurrent,
		); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrAuditFailed, tableName, err)
		}

		if end.Valid {
			endTime := end.Time
			row.EffectiveEndDate = &endTime
		}

		versions = append(versions, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrAuditFailed, tableName, err)
	}

	return versions, nil
}

// Audit runs one integrity pass over a table. With repair false this is a
// dry run: violations are detected and recorded, nothing is mutated. With
// repair true the planned repairs are applied before the audit row is
// written.
func (s *IntegrityStore) Audit(
	ctx context.Context,
	tableName, naturalKeyColumn string,
	repair bool,
) (*AuditResult, error) {
	startedAt := s.now().UTC()

	versions, err := s.FetchVersionRows(ctx, tableName, naturalKeyColumn)
	if err != nil {
		return nil, err
	}

	report := scd.Detect(versions, startedAt)

	result := &AuditResult{
		RunID:     uuid.NewString(),
		Table:     tableName,
		StartedAt: startedAt,
		Report:    report,
		Repaired:  repair,
	}

	if repair && !report.Clean() {
		repairs := scd.PlanRepairs(versions, startedAt, s.policy)

		applied, err := s.applyRepairs(ctx, tableName, naturalKeyColumn, repairs)
		result.RepairsApplied = applied

		if err != nil {
			return result, err
		}
	}

	result.FinishedAt = s.now().UTC()

	if err := s.recordAudit(ctx, result); err != nil {
		return result, err
	}

	s.logger.Info("Completed scd integrity audit",
		slog.String("run_id", result.RunID),
		slog.String("table", tableName),
		slog.Int("rows_checked", report.RowsChecked),
		slog.Int("violations", report.ViolationCount()),
		slog.Int("repairs_applied", result.RepairsApplied),
		slog.Bool("repaired", repair),
	)

	return result, nil
}

// applyRepairs executes planned repairs as throttled ALTER TABLE mutations,
// then forces a merge so readers see one row per version immediately.
func (s *IntegrityStore) applyRepairs(
	ctx context.Context,
	tableName, naturalKeyColumn string,
	repairs []scd.Repair,
) (int, error) {
	applied := 0

	for _, repair := range repairs {
		if err := s.limiter.Wait(ctx); err != nil {
			return applied, fmt.Errorf("%w: throttle: %w", ErrAuditFailed, err)
		}

		var (
			mutation string
			args     []any
		)

		switch repair.Kind {
		case scd.RepairDemoteDuplicate:
			// The survivor is matched by start AND hash so current rows stamped
			// with the same start date are still demoted.
			mutation = fmt.Sprintf(
				`ALTER TABLE %s UPDATE is_current = false, effective_end_date = ?
				 WHERE tenant_id = ? AND %s = ? AND is_current = true
				   AND NOT (effective_start_date = ? AND record_hash = ?)`,
				tableName, naturalKeyColumn,
			)
			args = []any{
				repair.CloseAt, repair.Key.TenantID, repair.Key.NaturalKey,
				repair.KeepStart, repair.KeepHash,
			}

		case scd.RepairCloseOrphan:
			mutation = fmt.Sprintf(
				`ALTER TABLE %s UPDATE effective_end_date = ?
				 WHERE tenant_id = ? AND %s = ? AND is_current = false AND effective_end_date IS NULL`,
				tableName, naturalKeyColumn,
			)
			args = []any{repair.CloseAt, repair.Key.TenantID, repair.Key.NaturalKey}

		default:
			continue
		}

		if _, err := s.conn.ExecContext(ctx, mutation, args...); err != nil {
			return applied, fmt.Errorf("%w: apply %s for %s/%s: %w",
				ErrAuditFailed, repair.Kind, repair.Key.TenantID, repair.Key.NaturalKey, err)
		}

		applied++
	}

	if applied > 0 {
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s FINAL", tableName)); err != nil {
			return applied, fmt.Errorf("%w: optimize %s: %w", ErrAuditFailed, tableName, err)
		}
	}

	return applied, nil
}

// recordAudit persists the audit outcome to the avesa_scd_audit system table.
func (s *IntegrityStore) recordAudit(ctx context.Context, result *AuditResult) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO avesa_scd_audit
		 (run_id, canonical_table, started_at, finished_at, rows_checked,
		  overlap_count, orphan_count, future_dated_count, inverted_range_count,
		  repairs_applied, repaired)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.Table,
		result.StartedAt,
		result.FinishedAt,
		uint64(result.Report.RowsChecked),
		uint64(len(result.Report.Overlaps)),
		uint64(len(result.Report.Orphans)),
		uint64(len(result.Report.FutureDated)),
		uint64(len(result.Report.InvertedRanges)),
		uint64(result.RepairsApplied),
		result.Repaired,
	)
	if err != nil {
		return fmt.Errorf("%w: record audit %s: %w", ErrAuditFailed, result.RunID, err)
	}

	return nil
}
