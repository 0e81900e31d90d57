package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ordermesh/ordermesh-backend/pkg/logger"
)

const defaultInboxMaxAge = 168 * time.Hour

type inboxRetentionRepo interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// InboxRetentionJobParams configure the inbox dedup purge job.
type InboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository inboxRetentionRepo
	MaxAge     time.Duration
}

// NewInboxRetentionJob purges inbox dedup rows older than the retention
// window. The window must exceed the broker's maximum redelivery horizon or
// dedup protection is lost for late redeliveries.
func NewInboxRetentionJob(params InboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("inbox repository required")
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = defaultInboxMaxAge
	}
	return &inboxRetentionJob{
		logg:   params.Logger,
		repo:   params.Repository,
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

type inboxRetentionJob struct {
	logg   *logger.Logger
	repo   inboxRetentionRepo
	maxAge time.Duration
	now    func() time.Time
}

func (j *inboxRetentionJob) Name() string { return "inbox-retention" }

func (j *inboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.maxAge)
	deleted, err := j.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("inbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"max_age":      j.maxAge.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "inbox retention cleanup complete")
	return nil
}
