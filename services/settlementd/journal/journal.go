package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"bithedge/core/types"
	"bithedge/native/settlement"
)

// Journal wraps the settlement daemon's persistence layer. Every batch
// outcome, premium distribution, resolved price and emitted event lands here
// so reconciliation can replay what the daemon did.
type Journal struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("settlement journal path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordBatch persists a settlement batch outcome together with the boundary
// prices it resolved and any per-policy failures. Re-recording a boundary
// replaces the previous row so retried batches converge on the final state.
func (j *Journal) RecordBatch(ctx context.Context, outcome *settlement.BatchOutcome) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if outcome == nil {
		return fmt.Errorf("batch outcome required")
	}
	payout := "0"
	if outcome.TotalPayout != nil {
		payout = outcome.TotalPayout.String()
	}
	released := "0"
	if outcome.TotalReleased != nil {
		released = outcome.TotalReleased.String()
	}
	now := time.Now().UTC()
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO batches(boundary, processed, settled, expired, failed, total_payout, total_released, completed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(boundary) DO UPDATE SET
            processed = excluded.processed,
            settled = excluded.settled,
            expired = excluded.expired,
            failed = excluded.failed,
            total_payout = excluded.total_payout,
            total_released = excluded.total_released,
            completed_at = excluded.completed_at,
            recorded_at = excluded.recorded_at
    `, outcome.Boundary, outcome.Processed, outcome.Settled, outcome.Expired, outcome.Failed,
		payout, released, outcome.CompletedAt, now)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, `DELETE FROM batch_failures WHERE boundary = ?`, outcome.Boundary); err != nil {
		return fmt.Errorf("reset batch failures: %w", err)
	}
	for _, failure := range outcome.Failures {
		if _, err := j.db.ExecContext(ctx, `
            INSERT INTO batch_failures(boundary, policy_id, reason, recorded_at)
            VALUES(?, ?, ?, ?)
        `, outcome.Boundary, failure.PolicyID, failure.Reason, now); err != nil {
			return fmt.Errorf("insert batch failure: %w", err)
		}
	}

	for token, price := range outcome.Prices {
		if price == nil {
			continue
		}
		if err := j.RecordPrice(ctx, token, outcome.Boundary, price.String(), "settlement"); err != nil {
			return err
		}
	}
	return nil
}

// RecordDistribution persists a premium distribution outcome for a boundary.
func (j *Journal) RecordDistribution(ctx context.Context, outcome *settlement.DistributionOutcome) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if outcome == nil {
		return fmt.Errorf("distribution outcome required")
	}
	premium := "0"
	if outcome.TotalPremium != nil {
		premium = outcome.TotalPremium.String()
	}
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO distributions(boundary, policies, providers, skipped, total_premium, completed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(boundary) DO UPDATE SET
            policies = excluded.policies,
            providers = excluded.providers,
            skipped = excluded.skipped,
            total_premium = excluded.total_premium,
            completed_at = excluded.completed_at,
            recorded_at = excluded.recorded_at
    `, outcome.Boundary, outcome.Policies, outcome.Providers, outcome.Skipped,
		premium, outcome.CompletedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}

// RecordPrice stores the price used for a token at a boundary.
func (j *Journal) RecordPrice(ctx context.Context, token string, boundary uint64, price, source string) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO price_snapshots(token, boundary, price, source, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, strings.ToUpper(strings.TrimSpace(token)), boundary, strings.TrimSpace(price),
		strings.TrimSpace(source), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert price snapshot: %w", err)
	}
	return nil
}

// RecordEvent appends an emitted engine event to the journal.
func (j *Journal) RecordEvent(ctx context.Context, evt *types.Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return fmt.Errorf("event type required")
	}
	attrs := "{}"
	if len(evt.Attributes) > 0 {
		encoded, err := json.Marshal(evt.Attributes)
		if err != nil {
			return fmt.Errorf("encode event attributes: %w", err)
		}
		attrs = string(encoded)
	}
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO events(type, attributes, recorded_at)
        VALUES(?, ?, ?)
    `, evt.Type, attrs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// BatchRow is a journalled settlement batch.
type BatchRow struct {
	Boundary      uint64
	Processed     int
	Settled       int
	Expired       int
	Failed        int
	TotalPayout   string
	TotalReleased string
	CompletedAt   int64
}

// Batches returns every journalled batch in ascending boundary order.
func (j *Journal) Batches(ctx context.Context) ([]BatchRow, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT boundary, processed, settled, expired, failed, total_payout, total_released, completed_at
        FROM batches
        ORDER BY boundary ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	var out []BatchRow
	for rows.Next() {
		var row BatchRow
		if err := rows.Scan(&row.Boundary, &row.Processed, &row.Settled, &row.Expired, &row.Failed,
			&row.TotalPayout, &row.TotalReleased, &row.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DistributionRow is a journalled premium distribution.
type DistributionRow struct {
	Boundary     uint64
	Policies     int
	Providers    int
	Skipped      int
	TotalPremium string
	CompletedAt  int64
}

// Distributions returns every journalled distribution in ascending boundary
// order.
func (j *Journal) Distributions(ctx context.Context) ([]DistributionRow, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT boundary, policies, providers, skipped, total_premium, completed_at
        FROM distributions
        ORDER BY boundary ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", err)
	}
	defer rows.Close()
	var out []DistributionRow
	for rows.Next() {
		var row DistributionRow
		if err := rows.Scan(&row.Boundary, &row.Policies, &row.Providers, &row.Skipped,
			&row.TotalPremium, &row.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// BatchFailures returns the journalled failure reasons for a boundary.
func (j *Journal) BatchFailures(ctx context.Context, boundary uint64) (map[uint64]string, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	rows, err := j.db.QueryContext(ctx, `
        SELECT policy_id, reason FROM batch_failures WHERE boundary = ?
    `, boundary)
	if err != nil {
		return nil, fmt.Errorf("query batch failures: %w", err)
	}
	defer rows.Close()
	out := make(map[uint64]string)
	for rows.Next() {
		var policyID uint64
		var reason string
		if err := rows.Scan(&policyID, &reason); err != nil {
			return nil, fmt.Errorf("scan batch failure: %w", err)
		}
		out[policyID] = reason
	}
	return out, rows.Err()
}

// EventCount reports how many events of the given type were journalled. An
// empty type counts every event.
func (j *Journal) EventCount(ctx context.Context, eventType string) (int64, error) {
	if j == nil || j.db == nil {
		return 0, fmt.Errorf("journal not configured")
	}
	var count int64
	var err error
	if trimmed := strings.TrimSpace(eventType); trimmed != "" {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type = ?`, trimmed).Scan(&count)
	} else {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// LatestPrice returns the most recent journalled price for a token.
func (j *Journal) LatestPrice(ctx context.Context, token string) (price string, boundary uint64, err error) {
	if j == nil || j.db == nil {
		return "", 0, fmt.Errorf("journal not configured")
	}
	row := j.db.QueryRowContext(ctx, `
        SELECT price, boundary FROM price_snapshots
        WHERE token = ?
        ORDER BY id DESC
        LIMIT 1
    `, strings.ToUpper(strings.TrimSpace(token)))
	if err := row.Scan(&price, &boundary); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, fmt.Errorf("price not found")
		}
		return "", 0, fmt.Errorf("query price: %w", err)
	}
	return price, boundary, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    boundary INTEGER PRIMARY KEY,
    processed INTEGER NOT NULL,
    settled INTEGER NOT NULL,
    expired INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    total_payout TEXT NOT NULL,
    total_released TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    boundary INTEGER NOT NULL,
    policy_id INTEGER NOT NULL,
    reason TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_failures_boundary ON batch_failures(boundary);

CREATE TABLE IF NOT EXISTS distributions (
    boundary INTEGER PRIMARY KEY,
    policies INTEGER NOT NULL,
    providers INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    total_premium TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS price_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    token TEXT NOT NULL,
    boundary INTEGER NOT NULL,
    price TEXT NOT NULL,
    source TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_token ON price_snapshots(token, boundary);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`
