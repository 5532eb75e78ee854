package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"bithedge/native/audit"
	"bithedge/native/fixedpoint"
	"bithedge/native/settlement"
	"bithedge/services/settlementd/journal"
)

// Checks emitted by the journal cross-check, alongside the engine's own
// audit sweep checks.
const (
	CheckMissingBatch    = "journal.missing_batch"
	CheckCounterMismatch = "journal.counter_mismatch"
	CheckOrphanedBatch   = "journal.orphaned_batch"
)

// Engine exposes the platform surface the reconciler audits.
type Engine interface {
	VerifyAll() (*audit.Report, error)
	Batches(max uint64) ([]*settlement.BatchOutcome, error)
}

// BatchSource exposes the journalled batches reconciled against the engine.
type BatchSource interface {
	Batches(ctx context.Context) ([]journal.BatchRow, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB            *gorm.DB
	Engine        Engine
	Journal       BatchSource
	OutputDir     string
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Reconciler runs the engine's audit sweep, cross-checks settled batches
// against the journal, persists the outcome and materialises report files.
type Reconciler struct {
	db            *gorm.DB
	engine        Engine
	journal       BatchSource
	outputDir     string
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// Result summarises a reconciliation run.
type Result struct {
	Run           Run
	Findings      []Finding
	PrunedRuns    int64
	PrunedReports int
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("recon: engine is required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("recon: journal is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "recon-exports"
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:            cfg.DB,
		engine:        cfg.Engine,
		journal:       cfg.Journal,
		outputDir:     outputDir,
		retentionDays: retention,
		now:           nowFn,
		logger:        logger,
	}, nil
}

// Run executes one reconciliation pass: audit sweep, journal cross-check,
// persistence, export and retention pruning.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	started := r.now().UTC()

	report, err := r.engine.VerifyAll()
	if err != nil {
		return nil, fmt.Errorf("recon: verify engine: %w", err)
	}
	batches, err := r.engine.Batches(math.MaxUint64)
	if err != nil {
		return nil, fmt.Errorf("recon: load engine batches: %w", err)
	}
	rows, err := r.journal.Batches(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load journal batches: %w", err)
	}

	runID := uuid.New()
	findings := make([]Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, findingFromAudit(runID, f, started))
	}
	findings = append(findings, crossCheck(runID, batches, rows, started)...)

	csvPath, parquetPath, err := r.writeReportFiles(started, buildExportRows(batches, rows))
	if err != nil {
		return nil, err
	}

	run := Run{
		ID:              runID,
		StartedAt:       started,
		CompletedAt:     r.now().UTC(),
		CheckedAccounts: report.CheckedAccounts,
		CheckedPolicies: report.CheckedPolicies,
		Batches:         len(batches),
		FindingCount:    len(findings),
		Clean:           len(findings) == 0,
		CSVPath:         csvPath,
		ParquetPath:     parquetPath,
	}
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("recon: persist run: %w", err)
		}
		if len(findings) > 0 {
			if err := tx.Create(&findings).Error; err != nil {
				return fmt.Errorf("recon: persist findings: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	prunedRuns, prunedReports := r.prune(ctx, started)

	r.logger.Info("reconciliation complete",
		"run", run.ID.String(),
		"batches", run.Batches,
		"findings", run.FindingCount,
		"clean", run.Clean,
	)
	return &Result{
		Run:           run,
		Findings:      findings,
		PrunedRuns:    prunedRuns,
		PrunedReports: prunedReports,
	}, nil
}

func findingFromAudit(runID uuid.UUID, f audit.Finding, at time.Time) Finding {
	record := Finding{
		ID:        uuid.New(),
		RunID:     runID,
		Check:     f.Check,
		PolicyID:  f.PolicyID,
		Token:     f.Token,
		Detail:    f.Detail,
		CreatedAt: at,
	}
	if !f.Provider.IsZero() {
		record.Provider = f.Provider.String()
	}
	if f.Expected != nil {
		record.Expected = fixedpoint.Format(f.Expected)
	}
	if f.Actual != nil {
		record.Actual = fixedpoint.Format(f.Actual)
	}
	return record
}

// crossCheck pairs every engine batch with its journal row. A settled
// boundary missing from the journal, a journal row with no engine batch,
// or diverging counters each produce a finding.
func crossCheck(runID uuid.UUID, batches []*settlement.BatchOutcome, rows []journal.BatchRow, at time.Time) []Finding {
	journalled := make(map[uint64]journal.BatchRow, len(rows))
	for _, row := range rows {
		journalled[row.Boundary] = row
	}
	seen := make(map[uint64]bool, len(batches))
	findings := make([]Finding, 0)
	for _, batch := range batches {
		if batch == nil {
			continue
		}
		seen[batch.Boundary] = true
		row, ok := journalled[batch.Boundary]
		if !ok {
			findings = append(findings, Finding{
				ID:        uuid.New(),
				RunID:     runID,
				Check:     CheckMissingBatch,
				Boundary:  batch.Boundary,
				Detail:    fmt.Sprintf("boundary %d settled by the engine has no journal row", batch.Boundary),
				CreatedAt: at,
			})
			continue
		}
		if detail := batchMismatch(batch, row); detail != "" {
			findings = append(findings, Finding{
				ID:        uuid.New(),
				RunID:     runID,
				Check:     CheckCounterMismatch,
				Boundary:  batch.Boundary,
				Detail:    detail,
				CreatedAt: at,
			})
		}
	}
	for _, row := range rows {
		if seen[row.Boundary] {
			continue
		}
		findings = append(findings, Finding{
			ID:        uuid.New(),
			RunID:     runID,
			Check:     CheckOrphanedBatch,
			Boundary:  row.Boundary,
			Detail:    fmt.Sprintf("journal row for boundary %d has no engine batch", row.Boundary),
			CreatedAt: at,
		})
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Boundary != findings[j].Boundary {
			return findings[i].Boundary < findings[j].Boundary
		}
		return findings[i].Check < findings[j].Check
	})
	return findings
}

func batchMismatch(batch *settlement.BatchOutcome, row journal.BatchRow) string {
	var diffs []string
	if batch.Processed != row.Processed {
		diffs = append(diffs, fmt.Sprintf("processed %d vs %d", batch.Processed, row.Processed))
	}
	if batch.Settled != row.Settled {
		diffs = append(diffs, fmt.Sprintf("settled %d vs %d", batch.Settled, row.Settled))
	}
	if batch.Expired != row.Expired {
		diffs = append(diffs, fmt.Sprintf("expired %d vs %d", batch.Expired, row.Expired))
	}
	if batch.Failed != row.Failed {
		diffs = append(diffs, fmt.Sprintf("failed %d vs %d", batch.Failed, row.Failed))
	}
	if payout := rawAmount(batch.TotalPayout); payout != row.TotalPayout {
		diffs = append(diffs, fmt.Sprintf("payout %s vs %s", payout, row.TotalPayout))
	}
	if released := rawAmount(batch.TotalReleased); released != row.TotalReleased {
		diffs = append(diffs, fmt.Sprintf("released %s vs %s", released, row.TotalReleased))
	}
	if len(diffs) == 0 {
		return ""
	}
	return "engine vs journal: " + strings.Join(diffs, ", ")
}

type batchExportRow struct {
	Boundary      int64  `parquet:"name=boundary, type=INT64"`
	Processed     int32  `parquet:"name=processed, type=INT32"`
	Settled       int32  `parquet:"name=settled, type=INT32"`
	Expired       int32  `parquet:"name=expired, type=INT32"`
	Failed        int32  `parquet:"name=failed, type=INT32"`
	TotalPayout   string `parquet:"name=total_payout, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalReleased string `parquet:"name=total_released, type=BYTE_ARRAY, convertedtype=UTF8"`
	Journalled    bool   `parquet:"name=journalled, type=BOOLEAN"`
	CompletedAt   string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func buildExportRows(batches []*settlement.BatchOutcome, rows []journal.BatchRow) []batchExportRow {
	journalled := make(map[uint64]bool, len(rows))
	for _, row := range rows {
		journalled[row.Boundary] = true
	}
	out := make([]batchExportRow, 0, len(batches))
	for _, batch := range batches {
		if batch == nil {
			continue
		}
		out = append(out, batchExportRow{
			Boundary:      int64(batch.Boundary),
			Processed:     int32(batch.Processed),
			Settled:       int32(batch.Settled),
			Expired:       int32(batch.Expired),
			Failed:        int32(batch.Failed),
			TotalPayout:   formatAmount(batch.TotalPayout),
			TotalReleased: formatAmount(batch.TotalReleased),
			Journalled:    journalled[batch.Boundary],
			CompletedAt:   time.Unix(batch.CompletedAt, 0).UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Boundary < out[j].Boundary })
	return out
}

func (r *Reconciler) writeReportFiles(started time.Time, rows []batchExportRow) (string, string, error) {
	if len(rows) == 0 {
		return "", "", nil
	}
	runDir := filepath.Join(r.outputDir, started.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "batches.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, "batches.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.logger.Info("recon report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []batchExportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"boundary", "processed", "settled", "expired", "failed",
		"total_payout", "total_released", "journalled", "completed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.Boundary, 10),
			strconv.Itoa(int(row.Processed)),
			strconv.Itoa(int(row.Settled)),
			strconv.Itoa(int(row.Expired)),
			strconv.Itoa(int(row.Failed)),
			row.TotalPayout,
			row.TotalReleased,
			strconv.FormatBool(row.Journalled),
			row.CompletedAt,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

func writeParquet(path string, rows []batchExportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(batchExportRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(&rows[i]); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

// prune removes runs, findings and report directories older than the
// retention window.
func (r *Reconciler) prune(ctx context.Context, now time.Time) (int64, int) {
	cutoff := now.AddDate(0, 0, -r.retentionDays)

	var pruned int64
	staleRuns := r.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&Run{})
	if staleRuns.Error != nil {
		r.logger.Error("recon retention sweep failed", "err", staleRuns.Error)
	} else {
		pruned = staleRuns.RowsAffected
	}
	if err := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Finding{}).Error; err != nil {
		r.logger.Error("recon finding retention sweep failed", "err", err)
	}

	removed := 0
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Error("recon report retention sweep failed", "err", err)
		}
		return pruned, removed
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(r.outputDir, entry.Name())); err != nil {
				r.logger.Error("recon report removal failed", "dir", entry.Name(), "err", err)
				continue
			}
			removed++
		}
	}
	return pruned, removed
}

func rawAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return fixedpoint.Format(amount)
}
