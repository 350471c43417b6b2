package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/models"
	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// TrendMapper creates map credentials for the trend image.
type TrendMapper interface {
	TrendMap(ctx context.Context) (models.MapCredentials, error)
}

// MapService hands out map credentials for the home page. Credentials are
// requested fresh for every page load and never stored.
type MapService struct {
	mapper TrendMapper
}

// NewMapService creates a MapService.
func NewMapService(mapper TrendMapper) *MapService {
	return &MapService{mapper: mapper}
}

// TrendMap returns new credentials for the trend map layer.
func (s *MapService) TrendMap(ctx context.Context) (models.MapCredentials, error) {
	start := time.Now()
	creds, err := s.mapper.TrendMap(ctx)
	if err != nil {
		return models.MapCredentials{}, fmt.Errorf("trend map: %w", err)
	}
	observability.LoggerFromContext(ctx).Debug("trend map created",
		zap.String("mapid", creds.MapID),
		zap.Duration("duration", time.Since(start)),
	)
	return creds, nil
}
