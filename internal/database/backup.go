package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"valet/internal/config"

	"github.com/rs/zerolog"
)

// Backup writes a consistent snapshot of the database to dest.
func (db *DB) Backup(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	// VACUUM INTO refuses to overwrite, and the WAL is folded into the copy.
	if _, err := db.Exec(`VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// CleanupBackups deletes *.db files in dir older than retention.
func (db *DB) CleanupBackups(dir string, retention time.Duration) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".db") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, file.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	if cfg.StoragePath == "" {
		cfg.StoragePath = "backups"
	}
	if cfg.IntervalHours <= 0 {
		cfg.IntervalHours = 24
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 14
	}
	return &BackupService{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

// Start runs backups until ctx is done. The first backup runs after a short delay.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	s.logger.Info().Int("interval_hours", s.config.IntervalHours).Msg("Backup service started")

	select {
	case <-time.After(time.Minute):
		s.RunOnce()
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(time.Duration(s.config.IntervalHours) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce writes one timestamped backup and prunes old ones.
func (s *BackupService) RunOnce() {
	timestamp := time.Now().Format("20060102_150405")
	dest := filepath.Join(s.config.StoragePath, fmt.Sprintf("valet_%s.db", timestamp))

	s.logger.Info().Str("path", dest).Msg("starting database backup")
	if err := s.db.Backup(dest); err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
	} else {
		s.logger.Info().Msg("backup completed successfully")
	}

	retention := time.Duration(s.config.RetentionDays) * 24 * time.Hour
	deleted, err := s.db.CleanupBackups(s.config.StoragePath, retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("backup cleanup failed")
	} else if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
}
