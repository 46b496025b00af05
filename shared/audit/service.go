package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Export writes every exported table as one sheet into w.
func Export(ctx context.Context, exporter TableExporter, excel ExcelWriter, w io.Writer) error {
	tables, err := exporter.GetTableNames(ctx)
	if err != nil {
		return fmt.Errorf("get table names: %w", err)
	}

	for _, tableName := range tables {
		data, columns, err := exporter.GetTableData(ctx, tableName)
		if err != nil {
			return fmt.Errorf("table %s: %w", tableName, err)
		}
		if err := excel.AddSheet(tableName); err != nil {
			return err
		}
		if err := excel.WriteHeader(columns); err != nil {
			return fmt.Errorf("header %s: %w", tableName, err)
		}
		for _, row := range data {
			rowData := make([]interface{}, len(columns))
			for i, col := range columns {
				rowData[i] = row[col]
			}
			if err := excel.WriteRow(rowData); err != nil {
				return fmt.Errorf("row %s: %w", tableName, err)
			}
		}
	}

	if err := excel.Save(w); err != nil {
		return fmt.Errorf("save excel: %w", err)
	}
	return nil
}

// Config holds configuration for the audit service.
type Config struct {
	// Dir receives the monthly workbooks.
	Dir string

	// DataRetentionDays is how long retrieved cars and logs are kept.
	// Default: 90 days.
	DataRetentionDays int
}

// Service writes a workbook on the first of every month and then purges
// records past retention.
type Service struct {
	config   Config
	exporter TableExporter
	writer   func() ExcelWriter
	cleaner  DataCleaner
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewService(cfg Config, exporter TableExporter, writerFactory func() ExcelWriter, cleaner DataCleaner, logger *zerolog.Logger) *Service {
	if cfg.Dir == "" {
		cfg.Dir = "audit"
	}
	if cfg.DataRetentionDays <= 0 {
		cfg.DataRetentionDays = 90
	}
	return &Service{
		config:   cfg,
		exporter: exporter,
		writer:   writerFactory,
		cleaner:  cleaner,
		now:      time.Now,
		logger:   logger,
	}
}

// Start runs until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Int("retention_days", s.config.DataRetentionDays).Msg("Audit service started")

	for {
		next := nextFirstOfMonth(s.now())
		timer := time.NewTimer(time.Until(next))
		s.logger.Info().Time("time", next).Msg("Next audit scheduled")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Audit run failed")
			}
		}
	}
}

func nextFirstOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, now.Location())
}

// RunOnce exports the previous month's workbook and purges old records.
// It returns the written path.
func (s *Service) RunOnce(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.config.Dir, GenerateFilename(s.now().AddDate(0, -1, 0)))

	excel := s.writer()
	defer excel.Close()

	var buf bytes.Buffer
	if err := Export(ctx, s.exporter, excel, &buf); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Info().Str("path", path).Msg("Audit workbook written")

	if s.cleaner != nil {
		retention := time.Duration(s.config.DataRetentionDays) * 24 * time.Hour
		deleted, err := s.cleaner.DeleteOldRecords(ctx, retention)
		if err != nil {
			return path, fmt.Errorf("delete old records: %w", err)
		}
		s.logger.Info().Int64("deleted_count", deleted).Msg("Cleaned up old data")
	}
	return path, nil
}
