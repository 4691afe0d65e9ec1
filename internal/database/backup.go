package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bcsync/internal/config"

	"github.com/rs/zerolog"
)

// MaintenanceService purges expired markers from the state file and, when a
// backup directory is configured, snapshots it on a schedule.
type MaintenanceService struct {
	db     *DB
	config config.StorageConfig
	logger *zerolog.Logger
}

func NewMaintenanceService(db *DB, cfg config.StorageConfig, logger *zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

func (s *MaintenanceService) Start(ctx context.Context) {
	purgeEvery := config.Duration(s.config.PurgeInterval, 10*time.Minute)
	purge := time.NewTicker(purgeEvery)
	defer purge.Stop()

	var backupC <-chan time.Time
	if s.config.BackupDir != "" {
		backupEvery := config.Duration(s.config.BackupInterval, 24*time.Hour)
		backup := time.NewTicker(backupEvery)
		defer backup.Stop()
		backupC = backup.C
		s.logger.Info().Dur("interval", backupEvery).Str("dir", s.config.BackupDir).Msg("State backups enabled")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			n, err := s.db.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Purge of expired state rows failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("rows", n).Msg("Purged expired state rows")
			}
		case <-backupC:
			if err := s.PerformBackup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduled backup failed")
			}
			s.CleanupOldBackups()
		}
	}
}

func (s *MaintenanceService) PerformBackup(ctx context.Context) error {
	if s.config.BackupDir == "" {
		return fmt.Errorf("storage.backup_dir is not configured")
	}
	if err := os.MkdirAll(s.config.BackupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(s.config.BackupDir, fmt.Sprintf("state_%s.db", timestamp))

	s.logger.Info().Str("path", backupPath).Msg("Performing state backup using VACUUM INTO")

	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := s.db.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to file copy")
		return s.performBackupFallback(backupPath)
	}
	return nil
}

func (s *MaintenanceService) performBackupFallback(backupPath string) error {
	source, err := os.Open(s.db.Path())
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer destination.Close()

	// io.Copy is not atomic for SQLite; the copy may be torn under concurrent writes.
	if _, err := io.Copy(destination, source); err != nil {
		return err
	}
	return nil
}

func (s *MaintenanceService) CleanupOldBackups() {
	if s.config.BackupRetentionDays <= 0 || s.config.BackupDir == "" {
		return
	}

	files, err := os.ReadDir(s.config.BackupDir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.BackupRetentionDays)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			_ = os.Remove(filepath.Join(s.config.BackupDir, file.Name()))
		}
	}
}
