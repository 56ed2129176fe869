// Package schedule releases scheduled campaigns into the dispatch pool once
// their send time arrives.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"bcast/internal/observability"
)

type Store interface {
	ReleaseDueCampaigns(ctx context.Context, now time.Time) ([]string, error)
}

type Scheduler struct {
	Store    Store
	Interval time.Duration
	Log      *slog.Logger
}

// Run polls until ctx is cancelled. The release is a single conditional
// UPDATE, so overlapping engines never double-release a campaign.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		s.releaseDue(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) releaseDue(ctx context.Context) {
	ids, err := s.Store.ReleaseDueCampaigns(ctx, time.Now().UTC())
	if err != nil {
		s.Log.Error("release due campaigns failed", "err", err)
		return
	}
	for _, id := range ids {
		observability.SchedulerReleases.Inc()
		s.Log.Info("campaign released for dispatch", "campaign", id)
	}
}
