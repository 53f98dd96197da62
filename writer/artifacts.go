// Package writer persists the run's performance summary as parquet
// artifacts: one file each for transactions, final positions and accounting
// periods. Files land under the configured artifacts directory and,
// when enabled, in S3 under a date/run-id partitioned key.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "simflow/config"
	"simflow/internal/metrics"
	"simflow/logger"
	"simflow/models"
	"simflow/perf"
)

// TransactionRow is the parquet layout of one simulated fill.
type TransactionRow struct {
	SID        int64   `parquet:"name=sid, type=INT64"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64"`
	Amount     int64   `parquet:"name=amount, type=INT64"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Commission float64 `parquet:"name=commission, type=DOUBLE"`
}

// PositionRow is the parquet layout of one final position.
type PositionRow struct {
	SID         int64   `parquet:"name=sid, type=INT64"`
	Amount      int64   `parquet:"name=amount, type=INT64"`
	CostBasis   float64 `parquet:"name=cost_basis, type=DOUBLE"`
	LastPrice   float64 `parquet:"name=last_price, type=DOUBLE"`
	MarketValue float64 `parquet:"name=market_value, type=DOUBLE"`
}

// PeriodRow is the parquet layout of one accounting period, cumulative or
// daily.
type PeriodRow struct {
	Span             string  `parquet:"name=span, type=BYTE_ARRAY, convertedtype=UTF8"`
	Start            int64   `parquet:"name=start, type=INT64"`
	End              int64   `parquet:"name=end, type=INT64"`
	StartingCash     float64 `parquet:"name=starting_cash, type=DOUBLE"`
	EndingCash       float64 `parquet:"name=ending_cash, type=DOUBLE"`
	PortfolioValue   float64 `parquet:"name=portfolio_value, type=DOUBLE"`
	TransactionCount int64   `parquet:"name=transaction_count, type=INT64"`
	OrderCount       int64   `parquet:"name=order_count, type=INT64"`
	Commissions      float64 `parquet:"name=commissions, type=DOUBLE"`
	CapitalUsed      float64 `parquet:"name=capital_used, type=DOUBLE"`
	Returns          float64 `parquet:"name=returns, type=DOUBLE"`
}

// memoryFile adapts a byte buffer to the parquet writer's file interface.
// Parquet files are written append-only, so Seek never has to move.
type memoryFile struct {
	buffer bytes.Buffer
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }
func (f *memoryFile) Read(b []byte) (int, error)                { return f.buffer.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)               { return f.buffer.Write(b) }
func (f *memoryFile) Close() error                              { return nil }

func (f *memoryFile) Seek(int64, int) (int64, error) {
	return int64(f.buffer.Len()), nil
}

// Writer persists one run's summary. Safe to reuse across runs.
type Writer struct {
	cfg      appconfig.ArtifactsConfig
	version  string
	s3Client *s3.Client
	log      *logger.Log

	artifactsWritten atomic.Int64
	bytesWritten     atomic.Int64
	uploadsCompleted atomic.Int64
	errorsCount      atomic.Int64
}

// New builds the artifact writer. The S3 client is only configured when the
// upload target is enabled, so local-only setups never touch the AWS
// credential chain.
func New(ctx context.Context, cfg *appconfig.Config) (*Writer, error) {
	w := &Writer{
		cfg:     cfg.Artifacts,
		version: cfg.Simflow.Version,
		log:     logger.GetLogger(),
	}

	if cfg.Artifacts.S3.Enabled {
		client, err := newS3Client(ctx, cfg.Artifacts.S3)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
	}

	w.log.WithComponent("writer").WithFields(logger.Fields{
		"dir":        cfg.Artifacts.Dir,
		"parquet":    cfg.Artifacts.Parquet.Enabled,
		"s3":         cfg.Artifacts.S3.Enabled,
		"s3_bucket":  cfg.Artifacts.S3.Bucket,
		"s3_region":  cfg.Artifacts.S3.Region,
		"path_style": cfg.Artifacts.S3.PathStyle,
	}).Info("artifact writer initialized")

	return w, nil
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	log := logger.GetLogger().WithComponent("writer")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// artifact is one named parquet file to produce from the summary.
type artifact struct {
	name   string
	schema interface{}
	rows   []interface{}
}

// WriteSummary persists the run summary. Empty sections are skipped; a row
// for the cumulative period is always present on a started run.
func (w *Writer) WriteSummary(ctx context.Context, runID string, summary perf.Summary) error {
	log := w.log.WithComponent("writer").WithFields(logger.Fields{"run_id": runID})

	if !w.cfg.Parquet.Enabled {
		log.Debug("parquet artifacts disabled, nothing to write")
		return nil
	}

	now := time.Now().UTC()
	artifacts := []artifact{
		{name: "transactions", schema: new(TransactionRow), rows: transactionRows(summary)},
		{name: "positions", schema: new(PositionRow), rows: positionRows(summary)},
		{name: "periods", schema: new(PeriodRow), rows: periodRows(summary)},
	}

	for _, a := range artifacts {
		if len(a.rows) == 0 {
			log.WithFields(logger.Fields{"artifact": a.name}).Debug("artifact has no rows, skipping")
			continue
		}

		data, err := w.encode(a)
		if err != nil {
			w.errorsCount.Add(1)
			log.WithError(err).WithFields(logger.Fields{"artifact": a.name}).Error("failed to encode artifact")
			return fmt.Errorf("encode %s: %w", a.name, err)
		}

		if err := w.place(ctx, runID, now, a.name, data); err != nil {
			w.errorsCount.Add(1)
			return err
		}

		w.artifactsWritten.Add(1)
		w.bytesWritten.Add(int64(len(data)))
		logger.IncrementArtifactWrite(int64(len(data)))

		log.WithFields(logger.Fields{
			"artifact":  a.name,
			"rows":      len(a.rows),
			"file_size": len(data),
		}).Info("artifact written")
	}

	metrics.ReportWriter(w.log, "writer", w.Stats())
	return nil
}

// Stats snapshots the writer counters.
func (w *Writer) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		ArtifactsWritten: w.artifactsWritten.Load(),
		BytesWritten:     w.bytesWritten.Load(),
		UploadsCompleted: w.uploadsCompleted.Load(),
		ErrorsCount:      w.errorsCount.Load(),
	}
}

// encode renders one artifact's rows into parquet bytes.
func (w *Writer) encode(a artifact) ([]byte, error) {
	f := &memoryFile{}

	pw, err := pqwriter.NewParquetWriter(f, a.schema, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.cfg.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}
	if w.cfg.Parquet.PageSize > 0 {
		pw.PageSize = int64(w.cfg.Parquet.PageSize)
	}

	for _, row := range a.rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	return f.buffer.Bytes(), nil
}

// place writes one encoded artifact to every configured target.
func (w *Writer) place(ctx context.Context, runID string, now time.Time, name string, data []byte) error {
	if w.cfg.Dir != "" {
		path := filepath.Join(w.cfg.Dir, runID, name+".parquet")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create artifact directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if w.s3Client != nil {
		key := s3Key(runID, now, name)
		if err := w.upload(ctx, key, data); err != nil {
			return err
		}
		w.uploadsCompleted.Add(1)
	}

	return nil
}

// s3Key partitions artifacts by run date then run id.
func s3Key(runID string, now time.Time, name string) string {
	key := filepath.Join(
		"runs",
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		fmt.Sprintf("run_id=%s", runID),
		name+".parquet",
	)
	return filepath.ToSlash(key)
}

func (w *Writer) upload(ctx context.Context, key string, data []byte) error {
	log := w.log.WithComponent("writer").WithFields(logger.Fields{
		"bucket":    w.cfg.S3.Bucket,
		"s3_key":    key,
		"data_size": len(data),
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     w.cfg.Parquet.Compression,
			"simflow-version": w.version,
		},
	}

	// Uploads run at teardown; a cancelled run context must not lose them.
	if _, err := w.s3Client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.cfg.S3.Bucket, err)
	}

	log.Info("artifact uploaded to S3")
	return nil
}

func transactionRows(summary perf.Summary) []interface{} {
	rows := make([]interface{}, 0, len(summary.Transactions))
	for _, txn := range summary.Transactions {
		rows = append(rows, TransactionRow{
			SID:        txn.SID,
			Timestamp:  txn.DT.UnixMilli(),
			Amount:     txn.Amount,
			Price:      txn.Price,
			Commission: txn.Commission,
		})
	}
	return rows
}

func positionRows(summary perf.Summary) []interface{} {
	rows := make([]interface{}, 0, len(summary.Cumulative.Positions))
	for _, pos := range summary.Cumulative.Positions {
		rows = append(rows, PositionRow{
			SID:         pos.SID,
			Amount:      pos.Amount,
			CostBasis:   pos.CostBasis,
			LastPrice:   pos.LastPrice,
			MarketValue: pos.MarketValue(),
		})
	}
	return rows
}

func periodRows(summary perf.Summary) []interface{} {
	if summary.Cumulative.Start.IsZero() && len(summary.Daily) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(summary.Daily)+1)
	rows = append(rows, periodRow("cumulative", summary.Cumulative))
	for _, day := range summary.Daily {
		rows = append(rows, periodRow("day", day))
	}
	return rows
}

func periodRow(span string, p models.PerformancePeriod) PeriodRow {
	return PeriodRow{
		Span:             span,
		Start:            p.Start.UnixMilli(),
		End:              p.End.UnixMilli(),
		StartingCash:     p.StartingCash,
		EndingCash:       p.EndingCash,
		PortfolioValue:   p.PortfolioValue(),
		TransactionCount: p.TransactionCount,
		OrderCount:       p.OrderCount,
		Commissions:      p.Commissions,
		CapitalUsed:      p.CapitalUsed,
		Returns:          p.Returns,
	}
}
