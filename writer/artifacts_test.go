package writer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "simflow/config"
	"simflow/models"
	"simflow/perf"
)

var parquetMagic = []byte("PAR1")

func testWriterConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Simflow: appconfig.SimflowConfig{Name: "simflow", Version: "test"},
		Artifacts: appconfig.ArtifactsConfig{
			Dir: dir,
			Parquet: appconfig.ParquetConfig{
				Enabled:     true,
				Compression: "snappy",
			},
		},
	}
}

func sampleSummary() perf.Summary {
	base := time.Date(2020, time.January, 2, 9, 30, 0, 0, time.UTC)
	period := models.PerformancePeriod{
		Start:            base,
		End:              base.Add(time.Hour),
		StartingCash:     1000,
		EndingCash:       899.5,
		Positions:        []models.Position{{SID: 7, Amount: 10, CostBasis: 10.05, LastPrice: 12}},
		TransactionCount: 1,
		OrderCount:       1,
		Commissions:      0.5,
		CapitalUsed:      100.5,
	}
	return perf.Summary{
		Cumulative:   period,
		Daily:        []models.PerformancePeriod{period},
		Transactions: []models.Transaction{{SID: 7, DT: base, Amount: 10, Price: 10, Commission: 0.5}},
	}
}

func TestWriteSummaryProducesParquetArtifacts(t *testing.T) {
	dir := t.TempDir()
	w, err := New(context.Background(), testWriterConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.WriteSummary(context.Background(), "ab12cd34", sampleSummary()); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	for _, name := range []string{"transactions", "positions", "periods"} {
		path := filepath.Join(dir, "ab12cd34", name+".parquet")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !bytes.HasPrefix(data, parquetMagic) || !bytes.HasSuffix(data, parquetMagic) {
			t.Fatalf("%s is not a parquet file", path)
		}
	}

	stats := w.Stats()
	if stats.ArtifactsWritten != 3 {
		t.Fatalf("artifacts written = %d, want 3", stats.ArtifactsWritten)
	}
	if stats.BytesWritten == 0 {
		t.Fatal("bytes written not counted")
	}
	if stats.UploadsCompleted != 0 || stats.ErrorsCount != 0 {
		t.Fatalf("uploads/errors = %d/%d, want 0/0", stats.UploadsCompleted, stats.ErrorsCount)
	}
}

func TestWriteSummarySkipsEmptySections(t *testing.T) {
	dir := t.TempDir()
	w, err := New(context.Background(), testWriterConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	// A run that traded nothing still has its periods.
	summary := sampleSummary()
	summary.Transactions = nil
	summary.Cumulative.Positions = nil
	summary.Daily[0].Positions = nil

	if err := w.WriteSummary(context.Background(), "ab12cd34", summary); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	runDir := filepath.Join(dir, "ab12cd34")
	for _, name := range []string{"transactions", "positions"} {
		if _, err := os.Stat(filepath.Join(runDir, name+".parquet")); !os.IsNotExist(err) {
			t.Fatalf("%s artifact written for an empty section", name)
		}
	}
	if _, err := os.Stat(filepath.Join(runDir, "periods.parquet")); err != nil {
		t.Fatalf("periods artifact missing: %v", err)
	}
	if got := w.Stats().ArtifactsWritten; got != 1 {
		t.Fatalf("artifacts written = %d, want 1", got)
	}
}

func TestWriteSummaryNoOpWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testWriterConfig(dir)
	cfg.Artifacts.Parquet.Enabled = false

	w, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSummary(context.Background(), "ab12cd34", sampleSummary()); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ab12cd34")); !os.IsNotExist(err) {
		t.Fatal("disabled writer still produced artifacts")
	}
	if got := w.Stats().ArtifactsWritten; got != 0 {
		t.Fatalf("artifacts written = %d, want 0", got)
	}
}

func TestWriteSummaryNothingForUnstartedRun(t *testing.T) {
	dir := t.TempDir()
	w, err := New(context.Background(), testWriterConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	// A run that saw no events has no periods, only starting cash.
	summary := perf.Summary{
		Cumulative: models.PerformancePeriod{StartingCash: 1000, EndingCash: 1000},
	}
	if err := w.WriteSummary(context.Background(), "ab12cd34", summary); err != nil {
		t.Fatalf("write summary: %v", err)
	}
	if got := w.Stats().ArtifactsWritten; got != 0 {
		t.Fatalf("artifacts written = %d, want 0", got)
	}
}

func TestS3KeyPartitionsByDateAndRun(t *testing.T) {
	now := time.Date(2020, time.January, 2, 15, 4, 5, 0, time.UTC)
	got := s3Key("ab12cd34", now, "transactions")
	want := "runs/date=2020-01-02/run_id=ab12cd34/transactions.parquet"
	if got != want {
		t.Fatalf("s3 key = %q, want %q", got, want)
	}
}
