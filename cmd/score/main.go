// Command score scores a CSV or XLSX table of toll transactions offline and
// writes the scored table and the flagged export.
//
// Usage:
//
//	go run ./cmd/score -threshold 0.7 transactions.csv
//	go run ./cmd/score -format xlsx -out reports/ -record lane7.xlsx
//
// Without -record, alerts go to a throwaway in-memory store. With -record
// they are written to the store named by ALERT_STORE, SQLITE_PATH and
// DATABASE_URL, the same log the server appends to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/mbd888/tollguard/internal/alerts"
	"github.com/mbd888/tollguard/internal/bulk"
	"github.com/mbd888/tollguard/internal/config"
	"github.com/mbd888/tollguard/internal/logging"
	"github.com/mbd888/tollguard/internal/pipeline"
	"github.com/mbd888/tollguard/internal/scoring"
)

type options struct {
	input     string
	modelPath string
	threshold string
	schema    string
	outDir    string
	format    string
	record    bool
	workers   int
	maxRows   int
	top       int
}

func main() {
	_ = godotenv.Load()

	opts := options{}
	flag.StringVar(&opts.modelPath, "model", envOr("MODEL_PATH", config.DefaultModelPath), "model artifact path")
	flag.StringVar(&opts.threshold, "threshold", os.Getenv("ALERT_THRESHOLD"), "alert threshold in [0,1] (default $ALERT_THRESHOLD)")
	flag.StringVar(&opts.schema, "schema", os.Getenv("FEATURE_SCHEMA"), "comma-separated features the artifact must match (default $FEATURE_SCHEMA)")
	flag.StringVar(&opts.outDir, "out", ".", "directory for the scored and flagged exports")
	flag.StringVar(&opts.format, "format", bulk.FormatCSV, "export format: csv or xlsx")
	flag.BoolVar(&opts.record, "record", false, "record alerts into the configured alert store")
	flag.IntVar(&opts.workers, "workers", config.DefaultBulkWorkers, "concurrent scoring workers")
	flag.IntVar(&opts.maxRows, "max-rows", 0, "reject tables with more rows (0 = unlimited)")
	flag.IntVar(&opts.top, "top", 10, "flagged rows to print")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: score [flags] <table.csv|table.xlsx>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.input = flag.Arg(0)

	logger := logging.NewTo(os.Stderr, envOr("LOG_LEVEL", "warn"), "text")
	if err := run(context.Background(), opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "score: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	threshold, err := config.ParseThreshold(opts.threshold)
	if err != nil {
		return err
	}
	if opts.format != bulk.FormatCSV && opts.format != bulk.FormatXLSX {
		return fmt.Errorf("-format must be csv or xlsx, got %q", opts.format)
	}

	engine, err := scoring.Load(opts.modelPath, config.ParseList(opts.schema))
	if err != nil {
		return err
	}

	store, err := openStore(ctx, opts.record)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc, err := pipeline.New(pipeline.Config{
		Threshold:   threshold,
		BulkWorkers: opts.workers,
		MaxRows:     opts.maxRows,
	}, engine, pipeline.NewRecorder(store, pipeline.RecorderOptions{}))
	if err != nil {
		return err
	}

	table, err := readTable(opts.input, opts.maxRows)
	if err != nil {
		return err
	}

	ctx = logging.WithLogger(ctx, logger)
	res, err := svc.ScoreBatch(ctx, table)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.outDir, 0o750); err != nil {
		return err
	}
	for _, view := range []string{pipeline.ViewScored, pipeline.ViewFlagged} {
		path := filepath.Join(opts.outDir, view+"."+opts.format)
		if err := writeExport(res, view, opts.format, path); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	printSummary(res, opts)
	if res.Counts.AlertFailures > 0 {
		return fmt.Errorf("%w: %d of %d alerts not recorded",
			alerts.ErrStoreUnavailable, res.Counts.AlertFailures, res.Counts.Flagged)
	}
	return nil
}

func openStore(ctx context.Context, record bool) (alerts.Store, error) {
	if !record {
		return alerts.NewMemoryStore(), nil
	}
	return alerts.Open(ctx, alerts.Options{
		Backend:     envOr("ALERT_STORE", config.DefaultAlertStore),
		SQLitePath:  envOr("SQLITE_PATH", config.DefaultSQLitePath),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	})
}

func readTable(path string, maxRows int) (*bulk.Table, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input file
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return bulk.Read(f, bulk.FormatFromName(path), maxRows)
}

func writeExport(res *pipeline.BatchResult, view, format, path string) (err error) {
	f, err := os.Create(path) // #nosec G304 -- operator-supplied output directory
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if format == bulk.FormatXLSX {
		return res.WriteXLSX(f, view)
	}
	return res.WriteCSV(f, view)
}

func printSummary(res *pipeline.BatchResult, opts options) {
	c := res.Counts
	fmt.Printf("batch %s (checksum %s)\n", res.BatchID, res.Checksum)
	fmt.Printf("rows %d  scored %d  violations %d  errors %d\n", c.Rows, c.Scored, c.Violations, c.Errors)
	fmt.Printf("flagged %d at threshold %.3f  alerts recorded %d  failed %d\n",
		c.Flagged, res.Threshold, c.AlertsRecorded, c.AlertFailures)

	top := res.Top(opts.top)
	if len(top) > 0 {
		fmt.Println("top flagged:")
		for _, r := range top {
			fmt.Printf("  row %-6d %-12s %-12s %.4f\n", r.Number, orDash(r.TransactionID), orDash(r.TagID), r.FraudScore)
		}
	}
	for _, r := range res.Rows {
		if r.Violation != nil {
			fmt.Printf("row %d rejected: %v\n", r.Number, r.Violation.Errors)
		} else if r.Err != nil {
			fmt.Printf("row %d failed: %v\n", r.Number, r.Err)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
