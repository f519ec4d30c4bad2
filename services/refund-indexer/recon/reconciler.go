package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	indexer "refundledger/services/refund-indexer"
)

// Anomaly types emitted by the reconciler.
const (
	// AnomalyOverPayout fires when a funder's paid total exceeds its funded
	// total, meaning the pool balance went negative at some point.
	AnomalyOverPayout = "over_payout"
	// AnomalyBalanceDrift fires when a balance reported on an event disagrees
	// with the balance reconstructed from the movement history.
	AnomalyBalanceDrift = "balance_drift"
)

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Logger    *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	Funder  string
	Seq     uint64
	Details string
}

// FunderReport summarises reconciliation status for a single funder.
type FunderReport struct {
	Funder        string
	FundedWei     string
	PaidWei       string
	BalanceWei    string
	ClaimCount    int
	MovementCount int
	FirstSeq      uint64
	LastSeq       uint64
	OverPaid      bool
	DriftDetected bool
}

// ReportFile references the CSV and Parquet artefacts generated for a run.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Rows        int
}

// Result summarises a reconciliation run.
type Result struct {
	RunID     uuid.UUID
	Start     time.Time
	End       time.Time
	Reports   []*FunderReport
	Anomalies []Anomaly
	Files     []ReportFile
}

// Reconciler replays each funder's movement history against the claims paid
// out of it, verifying that every balance reported on the stream matches the
// reconstruction.
type Reconciler struct {
	db        *gorm.DB
	outputDir string
	dryRun    bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("refund-data", "recon")
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
		db:        cfg.DB,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		logger:    logger.With("component", "recon"),
	}, nil
}

// step is one balance-affecting entry in a funder's history, ordered by
// journal sequence.
type step struct {
	seq      uint64
	kind     string
	amount   *big.Int
	reported *big.Int
	emitted  time.Time
}

const stepClaim = "claim"

// Run executes reconciliation for the supplied window. The walk always covers
// each funder's full history up to the window end; the window only selects
// which funders are active enough to report on.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	funders, err := r.activeFunders(start, end)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	reports := make([]*FunderReport, 0, len(funders))
	anomalies := make([]Anomaly, 0)

	for _, funder := range funders {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		steps, claimCount, movementCount, err := r.loadHistory(funder, end)
		if err != nil {
			return nil, err
		}
		report, funderAnomalies := walkHistory(funder, steps, start, end)
		report.ClaimCount = claimCount
		report.MovementCount = movementCount
		reports = append(reports, report)
		anomalies = append(anomalies, funderAnomalies...)
	}

	files := make([]ReportFile, 0, 1)
	if !dryRun && len(reports) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		csvPath := filepath.Join(runDir, "funders.csv")
		if err := writeCSV(csvPath, runID, start, end, reports); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, "funders.parquet")
		if err := writeParquet(parquetPath, runID, start, end, reports); err != nil {
			return nil, err
		}
		files = append(files, ReportFile{CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(reports)})
		r.logger.Info("reconciliation artefacts written",
			slog.String("csv", csvPath),
			slog.String("parquet", parquetPath),
			slog.Int("rows", len(reports)))
	}

	r.logger.Info("reconciliation run complete",
		slog.String("run", runID.String()),
		slog.Int("funders", len(reports)),
		slog.Int("anomalies", len(anomalies)))

	return &Result{
		RunID:     runID,
		Start:     start,
		End:       end,
		Reports:   reports,
		Anomalies: anomalies,
		Files:     files,
	}, nil
}

// activeFunders returns every funder with a movement or claim in the window.
func (r *Reconciler) activeFunders(start, end time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var fromMovements []string
	if err := r.db.Model(&indexer.FundingMovement{}).
		Where("emitted_at >= ? AND emitted_at <= ?", start, end).
		Distinct().Pluck("funder", &fromMovements).Error; err != nil {
		return nil, fmt.Errorf("recon: load movement funders: %w", err)
	}
	var fromClaims []string
	if err := r.db.Model(&indexer.Claim{}).
		Where("emitted_at >= ? AND emitted_at <= ?", start, end).
		Distinct().Pluck("funder", &fromClaims).Error; err != nil {
		return nil, fmt.Errorf("recon: load claim funders: %w", err)
	}
	funders := make([]string, 0, len(fromMovements)+len(fromClaims))
	for _, lists := range [][]string{fromMovements, fromClaims} {
		for _, funder := range lists {
			if _, ok := seen[funder]; ok {
				continue
			}
			seen[funder] = struct{}{}
			funders = append(funders, funder)
		}
	}
	sort.Strings(funders)
	return funders, nil
}

// loadHistory merges a funder's movements and claims into one seq-ordered
// slice covering everything up to the window end.
func (r *Reconciler) loadHistory(funder string, end time.Time) ([]step, int, int, error) {
	var movements []indexer.FundingMovement
	if err := r.db.Where("funder = ? AND emitted_at <= ?", funder, end).
		Order("seq ASC").Find(&movements).Error; err != nil {
		return nil, 0, 0, fmt.Errorf("recon: load movements: %w", err)
	}
	var claims []indexer.Claim
	if err := r.db.Where("funder = ? AND emitted_at <= ?", funder, end).
		Order("seq ASC").Find(&claims).Error; err != nil {
		return nil, 0, 0, fmt.Errorf("recon: load claims: %w", err)
	}

	steps := make([]step, 0, len(movements)+len(claims))
	for _, m := range movements {
		amount, ok := new(big.Int).SetString(m.AmountWei, 10)
		if !ok {
			r.logger.Warn("skipping movement with malformed amount",
				slog.Uint64("seq", m.Seq), slog.String("amount", m.AmountWei))
			continue
		}
		var reported *big.Int
		if m.NewBalanceWei != "" {
			if parsed, ok := new(big.Int).SetString(m.NewBalanceWei, 10); ok {
				reported = parsed
			}
		}
		steps = append(steps, step{seq: m.Seq, kind: m.Kind, amount: amount, reported: reported, emitted: m.EmittedAt})
	}
	for _, c := range claims {
		amount, ok := new(big.Int).SetString(c.AmountWei, 10)
		if !ok {
			r.logger.Warn("skipping claim with malformed amount",
				slog.Uint64("seq", c.Seq), slog.String("amount", c.AmountWei))
			continue
		}
		steps = append(steps, step{seq: c.Seq, kind: stepClaim, amount: amount, emitted: c.EmittedAt})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].seq < steps[j].seq })
	return steps, len(claims), len(movements), nil
}

// walkHistory replays a funder's steps, reconstructing the pool balance and
// comparing it against every balance the stream reported.
func walkHistory(funder string, steps []step, start, end time.Time) (*FunderReport, []Anomaly) {
	balance := new(big.Int)
	funded := new(big.Int)
	paid := new(big.Int)
	anomalies := make([]Anomaly, 0)
	report := &FunderReport{Funder: funder}

	for _, s := range steps {
		switch s.kind {
		case indexer.MovementFund, indexer.MovementIncoming:
			balance.Add(balance, s.amount)
			funded.Add(funded, s.amount)
		case stepClaim, indexer.MovementDecrease:
			balance.Sub(balance, s.amount)
			paid.Add(paid, s.amount)
		case indexer.MovementWithdraw, indexer.MovementRemovalPayout:
			paid.Add(paid, s.amount)
			if balance.Cmp(s.amount) != 0 {
				report.DriftDetected = true
				anomalies = append(anomalies, Anomaly{
					Type:    AnomalyBalanceDrift,
					Funder:  funder,
					Seq:     s.seq,
					Details: fmt.Sprintf("full payout of %s against reconstructed balance %s", s.amount, balance),
				})
			}
			balance.SetInt64(0)
		}
		if s.reported != nil && balance.Cmp(s.reported) != 0 {
			report.DriftDetected = true
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyBalanceDrift,
				Funder:  funder,
				Seq:     s.seq,
				Details: fmt.Sprintf("reported balance %s, reconstructed %s", s.reported, balance),
			})
		}
		if balance.Sign() < 0 && !report.OverPaid {
			report.OverPaid = true
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyOverPayout,
				Funder:  funder,
				Seq:     s.seq,
				Details: fmt.Sprintf("balance went negative: %s", balance),
			})
		}
		if !s.emitted.Before(start) && !s.emitted.After(end) {
			if report.FirstSeq == 0 {
				report.FirstSeq = s.seq
			}
			report.LastSeq = s.seq
		}
	}

	report.FundedWei = funded.String()
	report.PaidWei = paid.String()
	report.BalanceWei = balance.String()
	return report, anomalies
}

func writeCSV(path string, runID uuid.UUID, start, end time.Time, reports []*FunderReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"run_id", "funder", "funded_wei", "paid_wei", "balance_wei", "claim_count",
		"movement_count", "first_seq", "last_seq", "over_paid", "drift_detected",
		"window_start", "window_end",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, report := range reports {
		record := []string{
			runID.String(),
			report.Funder,
			report.FundedWei,
			report.PaidWei,
			report.BalanceWei,
			fmt.Sprintf("%d", report.ClaimCount),
			fmt.Sprintf("%d", report.MovementCount),
			fmt.Sprintf("%d", report.FirstSeq),
			fmt.Sprintf("%d", report.LastSeq),
			boolString(report.OverPaid),
			boolString(report.DriftDetected),
			start.Format(time.RFC3339),
			end.Format(time.RFC3339),
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

type parquetRow struct {
	RunID         string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Funder        string `parquet:"name=funder, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundedWei     string `parquet:"name=funded_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaidWei       string `parquet:"name=paid_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	BalanceWei    string `parquet:"name=balance_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClaimCount    int32  `parquet:"name=claim_count, type=INT32"`
	MovementCount int32  `parquet:"name=movement_count, type=INT32"`
	FirstSeq      int64  `parquet:"name=first_seq, type=INT64"`
	LastSeq       int64  `parquet:"name=last_seq, type=INT64"`
	OverPaid      bool   `parquet:"name=over_paid, type=BOOLEAN"`
	DriftDetected bool   `parquet:"name=drift_detected, type=BOOLEAN"`
	WindowStart   string `parquet:"name=window_start, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowEnd     string `parquet:"name=window_end, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, runID uuid.UUID, start, end time.Time, reports []*FunderReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, report := range reports {
		row := &parquetRow{
			RunID:         runID.String(),
			Funder:        report.Funder,
			FundedWei:     report.FundedWei,
			PaidWei:       report.PaidWei,
			BalanceWei:    report.BalanceWei,
			ClaimCount:    int32(report.ClaimCount),
			MovementCount: int32(report.MovementCount),
			FirstSeq:      int64(report.FirstSeq),
			LastSeq:       int64(report.LastSeq),
			OverPaid:      report.OverPaid,
			DriftDetected: report.DriftDetected,
			WindowStart:   start.Format(time.RFC3339),
			WindowEnd:     end.Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
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

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
