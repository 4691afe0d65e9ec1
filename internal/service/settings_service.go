package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"bcsync/internal/models"

	"github.com/rs/zerolog"
)

var ErrProjectNoRequired = errors.New("project number is required")

type ProjectSettingsRepository interface {
	Get(ctx context.Context, projectNo string) *models.ProjectSyncSetting
	Save(ctx context.Context, setting models.ProjectSyncSetting) error
	List(ctx context.Context) []models.ProjectSyncSetting
}

type ProjectSettingsService struct {
	repo   ProjectSettingsRepository
	logger *zerolog.Logger
	now    func() time.Time
}

func NewProjectSettingsService(repo ProjectSettingsRepository, logger *zerolog.Logger) *ProjectSettingsService {
	return &ProjectSettingsService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// SetProjectDisabled flips the sync flag of one project. The note is kept
// when the caller passes an empty one.
func (s *ProjectSettingsService) SetProjectDisabled(ctx context.Context, projectNo string, disabled bool, note string) (models.ProjectSyncSetting, error) {
	projectNo = strings.TrimSpace(projectNo)
	if projectNo == "" {
		return models.ProjectSyncSetting{}, ErrProjectNoRequired
	}

	setting := models.ProjectSyncSetting{ProjectNo: projectNo}
	if current := s.repo.Get(ctx, projectNo); current != nil {
		setting = *current
	}
	setting.Disabled = disabled
	if note != "" {
		setting.Note = note
	}
	setting.UpdatedAt = s.now().UTC()

	if err := s.repo.Save(ctx, setting); err != nil {
		s.logger.Error().Err(err).Str("project_no", projectNo).Msg("failed to save project setting")
		return models.ProjectSyncSetting{}, err
	}
	s.logger.Info().Str("project_no", projectNo).Bool("disabled", disabled).Msg("project sync setting changed")
	return setting, nil
}

func (s *ProjectSettingsService) Get(ctx context.Context, projectNo string) (models.ProjectSyncSetting, bool) {
	setting := s.repo.Get(ctx, strings.TrimSpace(projectNo))
	if setting == nil {
		return models.ProjectSyncSetting{ProjectNo: projectNo}, false
	}
	return *setting, true
}

func (s *ProjectSettingsService) List(ctx context.Context) []models.ProjectSyncSetting {
	return s.repo.List(ctx)
}
