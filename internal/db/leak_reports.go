package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail-leases/internal/lease"
)

// ErrDatabaseUnavailable is returned when no database pool is published.
var ErrDatabaseUnavailable = errors.New("database unavailable")

const (
	defaultLeakListLimit = 50
	maxLeakListLimit     = 1000
)

const createLeakReportsTable = `
	CREATE TABLE IF NOT EXISTS lease_leak_reports (
		id           UUID PRIMARY KEY,
		holder       TEXT NOT NULL,
		lease_id     UUID NOT NULL,
		borrower     TEXT NOT NULL,
		acquired_at  TIMESTAMPTZ NOT NULL,
		held_for_ms  BIGINT NOT NULL,
		stack        TEXT NOT NULL DEFAULT '',
		reclaimed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS lease_leak_reports_reclaimed_at_idx
		ON lease_leak_reports (reclaimed_at DESC);
`

// LeakReportStore persists the leak detector's reports.
// It leases the database pool from a holder for every query, so retracting
// the pool at shutdown waits for writes in flight.
type LeakReportStore struct {
	pools *lease.Holder[*pgxpool.Pool]
}

var _ lease.Sink = (*LeakReportStore)(nil)

// NewLeakReportStore creates a store that queries the pool published in pools.
func NewLeakReportStore(pools *lease.Holder[*pgxpool.Pool]) *LeakReportStore {
	return &LeakReportStore{pools: pools}
}

// withPool runs fn with a leased pool.
func (s *LeakReportStore) withPool(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	handle, ok := s.pools.Acquire(ctx)
	if !ok {
		return ErrDatabaseUnavailable
	}
	defer handle.Release()
	return fn(handle.Resource())
}

// EnsureSchema creates the lease_leak_reports table if needed.
func (s *LeakReportStore) EnsureSchema(ctx context.Context) error {
	return s.withPool(ctx, func(pool *pgxpool.Pool) error {
		if _, err := pool.Exec(ctx, createLeakReportsTable); err != nil {
			return fmt.Errorf("failed to create lease_leak_reports table: %w", err)
		}
		return nil
	})
}

// Report saves a leak report.
func (s *LeakReportStore) Report(ctx context.Context, report lease.LeakReport) error {
	return s.withPool(ctx, func(pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO lease_leak_reports (id, holder, lease_id, borrower, acquired_at, held_for_ms, stack, reclaimed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			uuid.New(),
			report.Holder,
			report.ID,
			string(report.Borrower),
			report.AcquiredAt,
			report.HeldFor.Milliseconds(),
			report.Stack,
			report.ReclaimedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save leak report: %w", err)
		}
		return nil
	})
}

// LeakDetected implements lease.Sink.
func (s *LeakReportStore) LeakDetected(ctx context.Context, report lease.LeakReport) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.Report(ctx, report)
}

// ListRecent returns up to limit reports, newest first.
// A non-positive limit means the default of 50; limits above 1000 are capped.
func (s *LeakReportStore) ListRecent(ctx context.Context, limit int) ([]lease.LeakReport, error) {
	if limit <= 0 {
		limit = defaultLeakListLimit
	}
	limit = min(limit, maxLeakListLimit)

	var reports []lease.LeakReport
	err := s.withPool(ctx, func(pool *pgxpool.Pool) error {
		rows, err := pool.Query(ctx, `
			SELECT holder, lease_id, borrower, acquired_at, held_for_ms, stack, reclaimed_at
			FROM lease_leak_reports
			ORDER BY reclaimed_at DESC, id
			LIMIT $1
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to query leak reports: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r lease.LeakReport
			var borrower string
			var heldForMillis int64
			if err := rows.Scan(&r.Holder, &r.ID, &borrower, &r.AcquiredAt, &heldForMillis, &r.Stack, &r.ReclaimedAt); err != nil {
				return fmt.Errorf("failed to scan leak report: %w", err)
			}
			r.Borrower = lease.Borrower(borrower)
			r.HeldFor = time.Duration(heldForMillis) * time.Millisecond
			reports = append(reports, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read leak reports: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}
