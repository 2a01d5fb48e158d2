package cache

import (
	"context"

	"github.com/flipstash/flipstash-backend/internal/subscriptions"
	"github.com/flipstash/flipstash-backend/pkg/db/models"
	pkgerrors "github.com/flipstash/flipstash-backend/pkg/errors"
	"github.com/google/uuid"
)

type repositoryLoader struct {
	repo subscriptions.Repository
}

// NewRepositoryLoader adapts the subscription repository to the cache's
// Loader interface. The subscription row is created lazily with trial
// defaults on the first fetch.
func NewRepositoryLoader(repo subscriptions.Repository) (Loader, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	}
	return &repositoryLoader{repo: repo}, nil
}

func (l *repositoryLoader) FetchSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, *models.SyncStatus, error) {
	sub, err := l.repo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	status, err := l.repo.FindSyncStatusByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return sub, status, nil
}
